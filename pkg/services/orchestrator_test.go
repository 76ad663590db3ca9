package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/lumenbi/lumen-engine/pkg/adapters/datasource/postgres"
	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/config"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

type fakeConnRepo struct {
	repositories.ConnectionRepository
	conn *models.Connection
}

func (f *fakeConnRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	if f.conn == nil || f.conn.ID != id {
		return nil, apperrors.ErrConnectionNotFound
	}
	return f.conn, nil
}

type fakeSchemas struct {
	snapshot *models.SchemaSnapshot
}

func (f *fakeSchemas) Snapshot(ctx context.Context, id uuid.UUID) (*models.SchemaSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeSchemas) Refresh(ctx context.Context, id uuid.UUID) (*models.SchemaSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeSchemas) JoinPath(schema *models.SchemaSnapshot, from, to string) ([]JoinStep, error) {
	reg := NewSchemaRegistry(nil, nil, time.Minute, zap.NewNop())
	return reg.JoinPath(schema, from, to)
}

type fakeSemantics struct {
	SemanticStore
	sc         *models.SemanticContext
	usageCalls int
}

func (f *fakeSemantics) Resolve(ctx context.Context, id uuid.UUID, schema *models.SchemaSnapshot) (*models.SemanticContext, error) {
	return f.sc, nil
}

func (f *fakeSemantics) RecordUsage(ctx context.Context, fieldID uuid.UUID) error {
	f.usageCalls++
	return nil
}

type fakeUsers struct {
	uc *models.UserContext
}

func (f *fakeUsers) Load(ctx context.Context, userID string, connectionID uuid.UUID) (*models.UserContext, error) {
	return f.uc, nil
}

type fakeIntents struct {
	result *models.ExtractionResult
	err    error
}

func (f *fakeIntents) Extract(ctx context.Context, req *models.QueryRequest, sc *models.SemanticContext, uc *models.UserContext) (*models.ExtractionResult, error) {
	return f.result, f.err
}

type fakeExecutor struct {
	rs     *models.ResultSet
	err    error
	sql    string
	params []any
}

func (f *fakeExecutor) Execute(ctx context.Context, conn *models.Connection, sqlText string, params []any, uc *models.UserContext, semanticVersion int64, useCache bool) (*models.ResultSet, error) {
	f.sql = sqlText
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return f.rs, nil
}

type pipelineFixture struct {
	engine    Engine
	conn      *models.Connection
	exec      *fakeExecutor
	vectors   *fakeVectors
	semantics *fakeSemantics
	intents   *fakeIntents
	uc        *models.UserContext
}

func newPipeline(t *testing.T, plan *models.QueryPlan, rows []map[string]any) *pipelineFixture {
	t.Helper()

	sc := testContext()
	conn := &models.Connection{
		ID:      testConnectionID,
		Name:    "warehouse",
		Dialect: models.DialectPostgres,
	}

	exec := &fakeExecutor{
		rs: &models.ResultSet{
			Columns:  []models.ColumnInfo{{Name: "region", Type: "varchar"}, {Name: "revenue", Type: "numeric"}},
			Rows:     rows,
			RowCount: len(rows),
		},
	}
	vectors := newFakeVectors()
	semantics := &fakeSemantics{sc: sc}
	intents := &fakeIntents{result: &models.ExtractionResult{Plan: plan, Confidence: 0.9}}
	uc := testUserContext()

	engine := NewEngine(EngineParams{
		Connections: &fakeConnRepo{conn: conn},
		Schemas:     &fakeSchemas{snapshot: sc.Schema},
		Semantics:   semantics,
		Users:       &fakeUsers{uc: uc},
		Intents:     intents,
		Plans:       NewPlanValidator(10000, func() time.Time { return fixedNow }, zap.NewNop()),
		Synth:       NewSynthesizer(&fakeSchemas{snapshot: sc.Schema}, zap.NewNop()),
		RLS:         NewRLSEngine(false, zap.NewNop()),
		Exec:        exec,
		Analytics:   NewAnalyticsEngine(zap.NewNop()),
		Vectors:     vectors,
	}, config.EngineConfig{
		MaxRowLimit:           10000,
		RequestTimeoutSeconds: 5,
		MaxInflight:           4,
		ValidationLevel:       models.ValidationModerate,
	}, "local", zap.NewNop())

	return &pipelineFixture{
		engine:    engine,
		conn:      conn,
		exec:      exec,
		vectors:   vectors,
		semantics: semantics,
		intents:   intents,
		uc:        uc,
	}
}

func regionRows(values ...float64) []map[string]any {
	rows := make([]map[string]any, len(values))
	for i, v := range values {
		rows[i] = map[string]any{"region": "R", "revenue": v}
	}
	return rows
}

func TestPipelineEndToEnd(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}}
	fix := newPipeline(t, plan, regionRows(100, 200, 300))

	resp := fix.engine.Query(context.Background(), testRequest("revenue by region"))

	require.Nil(t, resp.Error)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Contains(t, resp.SQL, "SELECT")
	assert.Contains(t, resp.SQL, `JOIN "customers"`)
	assert.Len(t, resp.Results, 3)
	assert.NotNil(t, resp.Analytics)
	assert.True(t, resp.Analytics.Metadata.ComputedOnFullDataset)

	for _, stage := range []string{
		StageSemanticContext, StageQueryPlanning, StagePlanValidation,
		StageSQLGeneration, StageSQLValidation, StageRLSInjection,
		StageSQLValidationPost, StageQueryExecution, StageAnalytics, StagePagination,
	} {
		assert.Contains(t, resp.Performance.StageTimingsMs, stage)
	}

	// Learning fires on a fresh (uncached) successful plan.
	assert.Equal(t, 1, fix.vectors.recorded)
	assert.Equal(t, 2, fix.semantics.usageCalls) // metric + dimension
}

func TestPipelinePagination(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}}
	fix := newPipeline(t, plan, regionRows(1, 2, 3, 4, 5))

	req := testRequest("revenue by region")
	req.Pagination = &models.Pagination{Page: 2, PageSize: 2}

	resp := fix.engine.Query(context.Background(), req)
	require.True(t, resp.Success)

	assert.Len(t, resp.Results, 2)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 2, resp.Pagination.Page)
	assert.Equal(t, 5, resp.Pagination.TotalRows)
	assert.True(t, resp.Pagination.HasMore)

	// Analytics still cover all five rows, not the page.
	require.NotNil(t, resp.Analytics)
	assert.Equal(t, 5, resp.Analytics.Metadata.TotalRows)
}

func TestPipelineRLSFilterReachesExecutor(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue"}
	fix := newPipeline(t, plan, regionRows(10))
	fix.uc.Filters = []models.RLSFilter{
		{Table: "orders", Column: "customer_id", Operator: "=", Value: "42", Active: true},
	}

	resp := fix.engine.Query(context.Background(), testRequest("my revenue"))
	require.True(t, resp.Success)

	assert.Contains(t, fix.exec.sql, `"orders"."customer_id" = $1`)
	assert.Equal(t, []any{"42"}, fix.exec.params)
	assert.NotContains(t, fix.exec.sql, "42")
}

func TestPipelineRLSDenialFails(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}}
	fix := newPipeline(t, plan, regionRows(10))
	fix.uc.TablePermissions = map[string]models.TablePermission{
		"customers": {Table: "customers", CanRead: false},
	}

	resp := fix.engine.Query(context.Background(), testRequest("revenue by region"))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindAuth, resp.Error.Kind)
	assert.Equal(t, StageRLSInjection, resp.Error.Stage)
}

func TestPipelineClarification(t *testing.T) {
	plan := &models.QueryPlan{NeedsClarification: true, ClarificationQuestion: "Which metric did you mean?"}
	fix := newPipeline(t, plan, nil)

	resp := fix.engine.Query(context.Background(), testRequest("numbers please"))

	// Asking the user back is an answer, not a failure.
	require.Nil(t, resp.Error)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.QueryPlan)
	assert.True(t, resp.QueryPlan.NeedsClarification)
	assert.Equal(t, "Which metric did you mean?", resp.QueryPlan.ClarificationQuestion)

	// No SQL is synthesized or executed for a clarification turn.
	assert.Empty(t, resp.SQL)
	assert.Empty(t, resp.Results)
	assert.Contains(t, resp.Performance.StageTimingsMs, StageQueryPlanning)
	assert.NotContains(t, resp.Performance.StageTimingsMs, StageSQLGeneration)
	assert.Equal(t, 0, fix.vectors.recorded)
}

func TestPipelineExecutionFailure(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue"}
	fix := newPipeline(t, plan, nil)
	fix.exec.err = NewStageError(KindExecution, StageQueryExecution, "query execution failed (TIMEOUT)", errors.New("canceling statement"))

	resp := fix.engine.Query(context.Background(), testRequest("revenue"))
	require.False(t, resp.Success)
	assert.Equal(t, KindExecution, resp.Error.Kind)
	assert.Equal(t, StageQueryExecution, resp.Error.Stage)
}

func TestPipelineUnknownConnection(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue"}
	fix := newPipeline(t, plan, nil)

	req := testRequest("revenue")
	req.ConnectionID = uuid.New()

	resp := fix.engine.Query(context.Background(), req)
	require.False(t, resp.Success)
	assert.Equal(t, KindValidation, resp.Error.Kind)
	assert.Equal(t, StageSemanticContext, resp.Error.Stage)
}

func TestPipelineLLMFailureSurfaces(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue"}
	fix := newPipeline(t, plan, nil)
	fix.intents.result = nil
	fix.intents.err = NewStageError(KindLLM, StageQueryPlanning, "query planner call failed", errors.New("boom"))

	resp := fix.engine.Query(context.Background(), testRequest("revenue"))
	require.False(t, resp.Success)
	assert.Equal(t, KindLLM, resp.Error.Kind)
}

func TestPipelineOverload(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue"}
	fix := newPipeline(t, plan, regionRows(1))

	sc := testContext()
	conn := fix.conn
	overloaded := NewEngine(EngineParams{
		Connections: &fakeConnRepo{conn: conn},
		Schemas:     &fakeSchemas{snapshot: sc.Schema},
		Semantics:   &fakeSemantics{sc: sc},
		Users:       &fakeUsers{uc: testUserContext()},
		Intents:     fix.intents,
		Plans:       NewPlanValidator(10000, nil, zap.NewNop()),
		Synth:       NewSynthesizer(&fakeSchemas{snapshot: sc.Schema}, zap.NewNop()),
		RLS:         NewRLSEngine(false, zap.NewNop()),
		Exec:        fix.exec,
		Analytics:   NewAnalyticsEngine(zap.NewNop()),
		Vectors:     newFakeVectors(),
	}, config.EngineConfig{
		MaxRowLimit:           10000,
		RequestTimeoutSeconds: 5,
		MaxInflight:           0, // no capacity at all
		ValidationLevel:       models.ValidationModerate,
	}, "local", zap.NewNop())

	resp := overloaded.Query(context.Background(), testRequest("revenue"))
	require.False(t, resp.Success)
	assert.Equal(t, KindOverloaded, resp.Error.Kind)
}

func TestPipelineCachedPlanSkipsLearning(t *testing.T) {
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}}
	fix := newPipeline(t, plan, regionRows(1))
	fix.intents.result.PlanCached = true

	resp := fix.engine.Query(context.Background(), testRequest("revenue by region"))
	require.True(t, resp.Success)
	assert.True(t, resp.Performance.PlanCached)
	assert.Equal(t, 0, fix.vectors.recorded)
	assert.Equal(t, 0, fix.semantics.usageCalls)
}
