package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

var fixedNow = time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

func newTestPlanValidator() PlanValidator {
	return NewPlanValidator(10000, func() time.Time { return fixedNow }, zap.NewNop())
}

func TestPlanValidatorAcceptsAndDefaults(t *testing.T) {
	v := newTestPlanValidator()
	plan := &models.QueryPlan{Metric: "revenue", Dimensions: []string{"region"}}

	require.NoError(t, v.Validate(plan, testContext()))
	assert.Equal(t, defaultPlanLimit, plan.Limit)
}

func TestPlanValidatorNoMetric(t *testing.T) {
	v := newTestPlanValidator()
	plan := &models.QueryPlan{Dimensions: []string{"region"}}

	err := v.Validate(plan, testContext())
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, KindPlan, stageErr.Kind)
	assert.Contains(t, stageErr.Message, "metric")
}

func TestPlanValidatorUnknownFields(t *testing.T) {
	v := newTestPlanValidator()
	sc := testContext()

	tests := []struct {
		name string
		plan *models.QueryPlan
	}{
		{"unknown metric", &models.QueryPlan{Metric: "margin"}},
		{"unknown dimension", &models.QueryPlan{Metric: "revenue", Dimensions: []string{"channel"}}},
		{"unknown filter field", &models.QueryPlan{Metric: "revenue", Filters: []models.PlanFilter{{Field: "channel", Value: "web"}}}},
		{"unknown order field", &models.QueryPlan{Metric: "revenue", OrderBy: []models.OrderTerm{{Field: "channel"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.plan, sc)
			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, KindPlan, stageErr.Kind)
		})
	}
}

func TestPlanValidatorOperatorRules(t *testing.T) {
	v := newTestPlanValidator()
	sc := testContext()

	plan := &models.QueryPlan{Metric: "revenue", Filters: []models.PlanFilter{{Field: "region", Value: "EU"}}}
	require.NoError(t, v.Validate(plan, sc))
	assert.Equal(t, "=", plan.Filters[0].Operator)

	bad := &models.QueryPlan{Metric: "revenue", Filters: []models.PlanFilter{{Field: "region", Operator: "REGEXP", Value: "E.*"}}}
	require.Error(t, v.Validate(bad, sc))
}

func TestPlanValidatorDirectionCanonicalized(t *testing.T) {
	v := newTestPlanValidator()
	plan := &models.QueryPlan{
		Metric: "revenue",
		OrderBy: []models.OrderTerm{
			{Field: "revenue", Direction: "DESC"},
			{Field: "region", Direction: ""},
			{Field: "status", Direction: "ASC"},
		},
		Dimensions: []string{"region", "status"},
	}

	require.NoError(t, v.Validate(plan, testContext()))
	assert.Equal(t, "desc", plan.OrderBy[0].Direction)
	assert.Equal(t, "desc", plan.OrderBy[1].Direction)
	assert.Equal(t, "asc", plan.OrderBy[2].Direction)
}

func TestPlanValidatorNamedPeriod(t *testing.T) {
	v := newTestPlanValidator()
	plan := &models.QueryPlan{
		Metric:    "revenue",
		TimeRange: &models.TimeRange{Period: "last_month"},
	}

	require.NoError(t, v.Validate(plan, testContext()))
	require.True(t, plan.TimeRange.Resolved())
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), *plan.TimeRange.Start)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), *plan.TimeRange.End)
}

func TestPlanValidatorTimeRangeRules(t *testing.T) {
	v := newTestPlanValidator()
	sc := testContext()

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	onlyStart := &models.QueryPlan{Metric: "revenue", TimeRange: &models.TimeRange{Start: &start}}
	require.Error(t, v.Validate(onlyStart, sc))

	inverted := &models.QueryPlan{Metric: "revenue", TimeRange: &models.TimeRange{Start: &start, End: &start}}
	require.Error(t, v.Validate(inverted, sc))

	// Metric without a time column cannot take a time filter.
	noTime := &models.QueryPlan{Metric: "customer_count", TimeRange: &models.TimeRange{Period: "last_month"}}
	require.Error(t, v.Validate(noTime, sc))

	// An empty range object normalizes to nil.
	empty := &models.QueryPlan{Metric: "revenue", TimeRange: &models.TimeRange{}}
	require.NoError(t, v.Validate(empty, sc))
	assert.Nil(t, empty.TimeRange)
}

func TestPlanValidatorGrainRules(t *testing.T) {
	v := newTestPlanValidator()
	sc := testContext()

	bad := &models.QueryPlan{Metric: "revenue", TimeGrain: "fortnight"}
	require.Error(t, v.Validate(bad, sc))

	noTimeColumn := &models.QueryPlan{Metric: "customer_count", TimeGrain: models.GrainMonth}
	require.Error(t, v.Validate(noTimeColumn, sc))
}

func TestPlanValidatorLimitCapped(t *testing.T) {
	v := NewPlanValidator(500, func() time.Time { return fixedNow }, zap.NewNop())
	plan := &models.QueryPlan{Metric: "revenue", Limit: 99999, Offset: -3}

	require.NoError(t, v.Validate(plan, testContext()))
	assert.Equal(t, 500, plan.Limit)
	assert.Equal(t, 0, plan.Offset)
	assert.NotEmpty(t, plan.Assumptions)
}
