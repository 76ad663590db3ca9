package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource/postgres"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

func synthesizeForRLS(t *testing.T, plan *models.QueryPlan, sc *models.SemanticContext) *SelectStatement {
	t.Helper()
	registry := NewSchemaRegistry(nil, nil, time.Minute, zap.NewNop())
	stmt, err := NewSynthesizer(registry, zap.NewNop()).Synthesize(plan, sc, postgres.Dialect)
	require.NoError(t, err)
	return stmt
}

func TestRLSAdminBypass(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}, Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)
	before := stmt.SQL()

	uc := testUserContext()
	uc.IsAdmin = true
	uc.Filters = []models.RLSFilter{
		{Table: "orders", Column: "customer_id", Operator: "=", Value: "42", Active: true},
	}

	engine := NewRLSEngine(false, zap.NewNop())
	require.NoError(t, engine.Apply(stmt, plan, sc, uc))
	assert.Equal(t, before, stmt.SQL())
}

func TestRLSFilterInjection(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.Filters = []models.RLSFilter{
		{Table: "orders", Column: "customer_id", Operator: "=", Value: "42", Active: true},
		{Table: "orders", Column: "status", Operator: "!=", Value: "draft", Active: false},
	}

	engine := NewRLSEngine(false, zap.NewNop())
	require.NoError(t, engine.Apply(stmt, plan, sc, uc))

	sql := stmt.SQL()
	assert.Contains(t, sql, `"orders"."customer_id" = $1`)
	assert.NotContains(t, sql, "42")
	assert.NotContains(t, sql, "draft") // inactive filter stays out
	assert.Equal(t, []any{"42"}, stmt.Params())
}

func TestRLSFilterListInjection(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.Filters = []models.RLSFilter{
		{Table: "orders", Column: "status", Operator: "IN", Value: []any{"completed", "shipped"}, Active: true},
	}

	engine := NewRLSEngine(false, zap.NewNop())
	require.NoError(t, engine.Apply(stmt, plan, sc, uc))

	assert.Contains(t, stmt.SQL(), `"orders"."status" IN ($1, $2)`)
	assert.Equal(t, []any{"completed", "shipped"}, stmt.Params())
}

func TestRLSTableDenied(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}, Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"customers": {Table: "customers", CanRead: false},
	}

	err := NewRLSEngine(false, zap.NewNop()).Apply(stmt, plan, sc, uc)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindAuth, stageErr.Kind)
	assert.Equal(t, StageRLSInjection, stageErr.Stage)
}

func TestRLSDeniedColumnRejects(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}, Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"customers": {Table: "customers", CanRead: true, DeniedColumns: []string{"region"}},
	}

	err := NewRLSEngine(false, zap.NewNop()).Apply(stmt, plan, sc, uc)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindAuth, stageErr.Kind)
}

func TestRLSDeniedColumnPruned(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}, Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"customers": {Table: "customers", CanRead: true, DeniedColumns: []string{"region"}},
	}

	require.NoError(t, NewRLSEngine(true, zap.NewNop()).Apply(stmt, plan, sc, uc))

	sql := stmt.SQL()
	assert.NotContains(t, sql, `"customers"."region" AS "region"`)
	assert.NotContains(t, sql, "GROUP BY")
	assert.NotEmpty(t, plan.Assumptions)
}

func TestRLSDeniedMetricColumnNeverPruned(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"orders": {Table: "orders", CanRead: true, DeniedColumns: []string{"amount"}},
	}

	err := NewRLSEngine(true, zap.NewNop()).Apply(stmt, plan, sc, uc)
	require.Error(t, err)
}

func TestRLSAllowedColumnsList(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"status"}, Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"orders": {Table: "orders", CanRead: true, AllowedColumns: []string{"amount", "created_at"}},
	}

	// status is projected but not in the allowed list.
	err := NewRLSEngine(false, zap.NewNop()).Apply(stmt, plan, sc, uc)
	require.Error(t, err)
}

func TestRLSCalculatedMetricColumns(t *testing.T) {
	sc := testContext()
	plan := &models.QueryPlan{Metric: "profit", Limit: 10}
	stmt := synthesizeForRLS(t, plan, sc)

	uc := testUserContext()
	uc.TablePermissions = map[string]models.TablePermission{
		"orders": {Table: "orders", CanRead: true, DeniedColumns: []string{"cost"}},
	}

	err := NewRLSEngine(false, zap.NewNop()).Apply(stmt, plan, sc, uc)
	require.Error(t, err)
}
