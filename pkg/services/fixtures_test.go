package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

var testConnectionID = uuid.MustParse("0d9b2f05-7a6c-4a4d-9cf3-6f4f2a1d8e01")

func testSchema() *models.SchemaSnapshot {
	return &models.SchemaSnapshot{
		ConnectionID: testConnectionID,
		CapturedAt:   time.Now(),
		Tables: []models.TableSchema{
			{
				Name: "orders",
				Columns: []models.ColumnSchema{
					{Name: "id", DataType: "bigint", IsPrimary: true},
					{Name: "amount", DataType: "numeric"},
					{Name: "cost", DataType: "numeric"},
					{Name: "status", DataType: "varchar"},
					{Name: "created_at", DataType: "timestamp with time zone"},
					{Name: "customer_id", DataType: "bigint"},
				},
			},
			{
				Name: "customers",
				Columns: []models.ColumnSchema{
					{Name: "id", DataType: "bigint", IsPrimary: true},
					{Name: "name", DataType: "varchar"},
					{Name: "region", DataType: "varchar"},
				},
			},
			{
				Name: "audit_log",
				Columns: []models.ColumnSchema{
					{Name: "id", DataType: "bigint", IsPrimary: true},
					{Name: "entry", DataType: "text"},
				},
			},
		},
		ForeignKeys: []models.ForeignKey{
			{Table: "orders", Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"},
		},
	}
}

func testContext() *models.SemanticContext {
	revenue := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindMetric,
		Name:         "revenue",
		DisplayName:  "Revenue",
		Table:        "orders",
		Column:       "amount",
		Aggregation:  models.AggSum,
		TimeColumn:   "created_at",
		Synonyms:     []string{"sales", "income"},
		UsageCount:   10,
		Active:       true,
	}
	profit := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindMetric,
		Name:         "profit",
		DisplayName:  "Profit",
		Table:        "orders",
		Formula:      "SUM(orders.amount - orders.cost)",
		Aggregation:  models.AggCalculated,
		TimeColumn:   "created_at",
		UsageCount:   4,
		Active:       true,
	}
	orderCount := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindMetric,
		Name:         "order_count",
		DisplayName:  "Order Count",
		Table:        "orders",
		Aggregation:  models.AggCount,
		TimeColumn:   "created_at",
		Active:       true,
	}
	customerCount := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindMetric,
		Name:         "customer_count",
		DisplayName:  "Customer Count",
		Table:        "customers",
		Aggregation:  models.AggCount,
		Active:       true,
	}
	region := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindDimension,
		Name:         "region",
		DisplayName:  "Region",
		Table:        "customers",
		Column:       "region",
		Aggregation:  models.AggNone,
		Synonyms:     []string{"territory"},
		Active:       true,
	}
	status := &models.SemanticField{
		ID:           uuid.New(),
		ConnectionID: testConnectionID,
		Kind:         models.FieldKindDimension,
		Name:         "status",
		DisplayName:  "Status",
		Table:        "orders",
		Column:       "status",
		Aggregation:  models.AggNone,
		Active:       true,
	}

	return &models.SemanticContext{
		ConnectionID: testConnectionID,
		Version:      3,
		Metrics: map[string]*models.SemanticField{
			"revenue":        revenue,
			"profit":         profit,
			"order_count":    orderCount,
			"customer_count": customerCount,
		},
		Dimensions: map[string]*models.SemanticField{
			"region": region,
			"status": status,
		},
		Schema: testSchema(),
	}
}

func testUserContext() *models.UserContext {
	return &models.UserContext{
		UserID:       "u-100",
		ConnectionID: testConnectionID,
	}
}

// fakeVectors is a VectorStore test double with call recording.
type fakeVectors struct {
	fields   []repositories.FieldMatch
	samples  []repositories.QuerySample
	synonyms map[string]string
	recorded int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{synonyms: make(map[string]string)}
}

func (f *fakeVectors) SearchFields(ctx context.Context, connectionID uuid.UUID, term string, limit int) ([]repositories.FieldMatch, error) {
	return f.fields, nil
}

func (f *fakeVectors) RecordSynonym(ctx context.Context, connectionID uuid.UUID, userTerm, canonicalName string) error {
	f.synonyms[userTerm] = canonicalName
	return nil
}

func (f *fakeVectors) RecordQuerySample(ctx context.Context, connectionID uuid.UUID, question string, plan *models.QueryPlan) error {
	f.recorded++
	return nil
}

func (f *fakeVectors) SimilarQueries(ctx context.Context, connectionID uuid.UUID, question string, limit int) ([]repositories.QuerySample, error) {
	return f.samples, nil
}

var _ VectorStore = (*fakeVectors)(nil)
