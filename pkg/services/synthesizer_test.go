package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource/mssql"
	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource/postgres"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

func newTestSynthesizer(t *testing.T) Synthesizer {
	t.Helper()
	registry := NewSchemaRegistry(nil, nil, time.Minute, zap.NewNop())
	return NewSynthesizer(registry, zap.NewNop())
}

func TestSynthesizeGroupedMetric(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{
		Metric:     "revenue",
		Dimensions: []string{"region"},
		Limit:      100,
	}

	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	sql := stmt.SQL()
	assert.Contains(t, sql, `"customers"."region" AS "region"`)
	assert.Contains(t, sql, `SUM("orders"."amount") AS "revenue"`)
	assert.Contains(t, sql, `FROM "orders"`)
	assert.Contains(t, sql, `JOIN "customers" ON "orders"."customer_id" = "customers"."id"`)
	assert.Contains(t, sql, `GROUP BY "customers"."region"`)
	assert.Contains(t, sql, `ORDER BY SUM("orders"."amount") DESC`)
	assert.Contains(t, sql, "LIMIT 100")
	assert.Empty(t, stmt.Params())
}

func TestSynthesizeTimeSeries(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	plan := &models.QueryPlan{
		Metric:    "revenue",
		TimeGrain: models.GrainMonth,
		TimeRange: &models.TimeRange{Start: &start, End: &end},
		Limit:     1000,
	}

	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	sql := stmt.SQL()
	assert.Contains(t, sql, `date_trunc('month', "orders"."created_at") AS "period"`)
	assert.Contains(t, sql, `"orders"."created_at" >= $1`)
	assert.Contains(t, sql, `"orders"."created_at" < $2`)
	assert.Contains(t, sql, `GROUP BY date_trunc('month', "orders"."created_at")`)
	assert.Contains(t, sql, `ORDER BY date_trunc('month', "orders"."created_at") ASC`)
	assert.Equal(t, []any{start, end}, stmt.Params())
}

func TestSynthesizeCalculatedMetric(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{Metric: "profit", Limit: 10}
	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL(), `SUM(("orders"."amount" - "orders"."cost")) AS "profit"`)
}

func TestSynthesizeCountWithoutColumn(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{Metric: "order_count", Dimensions: []string{"status"}, Limit: 50}
	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL(), `COUNT(*) AS "order_count"`)
	assert.Contains(t, stmt.SQL(), `GROUP BY "orders"."status"`)
}

func TestSynthesizeFiltersAreBound(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{
		Metric: "revenue",
		Filters: []models.PlanFilter{
			{Field: "region", Operator: "IN", Value: []any{"EU", "US"}},
			{Field: "status", Operator: "=", Value: "completed"},
		},
		Limit: 10,
	}

	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	sql := stmt.SQL()
	assert.Contains(t, sql, `"customers"."region" IN ($1, $2)`)
	assert.Contains(t, sql, `"orders"."status" = $3`)
	assert.Equal(t, []any{"EU", "US", "completed"}, stmt.Params())
	assert.NotContains(t, sql, "completed")
	assert.NotContains(t, sql, "EU")
}

func TestSynthesizeDefaultFilters(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()
	sc.Metrics["revenue"].DefaultFilters = []models.Filter{
		{Column: "status", Operator: "=", Value: "completed"},
	}

	plan := &models.QueryPlan{Metric: "revenue", Limit: 10}
	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL(), `"orders"."status" = $1`)
	assert.Equal(t, []any{"completed"}, stmt.Params())
}

func TestSynthesizeOrdinalWindow(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{
		Metric:     "revenue",
		Dimensions: []string{"region"},
		OrderBy:    []models.OrderTerm{{Field: "revenue", Direction: "desc"}},
		Limit:      1,
		Offset:     1,
	}

	stmt, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL(), "LIMIT 1 OFFSET 1")
}

func TestSynthesizeSQLServerAlwaysOrders(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()

	plan := &models.QueryPlan{Metric: "revenue", Limit: 25}
	stmt, err := synth.Synthesize(plan, sc, mssql.Dialect)
	require.NoError(t, err)

	sql := stmt.SQL()
	assert.Contains(t, sql, "ORDER BY SUM([orders].[amount]) DESC")
	assert.Contains(t, sql, "OFFSET 0 ROWS FETCH NEXT 25 ROWS ONLY")
}

func TestSynthesizeNoJoinPath(t *testing.T) {
	synth := newTestSynthesizer(t)
	sc := testContext()
	sc.Dimensions["entry"] = &models.SemanticField{
		Kind:        models.FieldKindDimension,
		Name:        "entry",
		Table:       "audit_log",
		Column:      "entry",
		Aggregation: models.AggNone,
		Active:      true,
	}

	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"entry"}, Limit: 10}
	_, err := synth.Synthesize(plan, sc, postgres.Dialect)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindSQLGeneration, stageErr.Kind)
}

func TestSynthesizeUnknownMetric(t *testing.T) {
	synth := newTestSynthesizer(t)
	_, err := synth.Synthesize(&models.QueryPlan{Metric: "nope"}, testContext(), postgres.Dialect)
	require.Error(t, err)
}

func TestStatementRemoveColumn(t *testing.T) {
	stmt := NewSelectStatement(postgres.Dialect, "orders")
	stmt.AddColumn(`"customers"."region"`, "region")
	stmt.AddColumn(`SUM("orders"."amount")`, "revenue")
	stmt.AddGroupBy(`"customers"."region"`)

	require.True(t, stmt.RemoveColumn("region"))
	assert.False(t, stmt.RemoveColumn("region"))
	assert.Equal(t, 1, stmt.ColumnCount())
	assert.NotContains(t, stmt.SQL(), "GROUP BY")
}
