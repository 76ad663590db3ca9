package services

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/timeperiod"
)

// defaultPlanLimit applies when neither the question nor the caller
// set a row limit.
const defaultPlanLimit = 1000

// PlanValidator checks an extracted plan against the semantic context
// and normalizes it: named time periods become concrete UTC bounds,
// limits are capped, directions are canonicalized.
type PlanValidator interface {
	Validate(plan *models.QueryPlan, sc *models.SemanticContext) error
}

type planValidator struct {
	maxRowLimit int
	now         func() time.Time
	logger      *zap.Logger
}

// NewPlanValidator creates a PlanValidator. now is injectable for
// deterministic tests.
func NewPlanValidator(maxRowLimit int, now func() time.Time, logger *zap.Logger) PlanValidator {
	if now == nil {
		now = time.Now
	}
	return &planValidator{maxRowLimit: maxRowLimit, now: now, logger: logger.Named("planvalidate")}
}

var _ PlanValidator = (*planValidator)(nil)

func (v *planValidator) Validate(plan *models.QueryPlan, sc *models.SemanticContext) error {
	if plan.Metric == "" {
		return NewStageError(KindPlan, StagePlanValidation, "plan has no metric", nil)
	}

	metric := sc.Metric(plan.Metric)
	if metric == nil {
		return NewStageError(KindPlan, StagePlanValidation,
			fmt.Sprintf("unknown metric %q", plan.Metric), nil)
	}

	for _, d := range plan.Dimensions {
		if sc.Dimension(d) == nil {
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("unknown dimension %q", d), nil)
		}
	}

	for i, f := range plan.Filters {
		if sc.Dimension(f.Field) == nil && sc.Metric(f.Field) == nil {
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("filter references unknown field %q", f.Field), nil)
		}
		if f.Operator == "" {
			plan.Filters[i].Operator = "="
		} else if !models.RLSOperators[f.Operator] {
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("filter operator %q is not permitted", f.Operator), nil)
		}
	}

	for i, o := range plan.OrderBy {
		if o.Field != plan.Metric && sc.Dimension(o.Field) == nil {
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("order_by references unknown field %q", o.Field), nil)
		}
		switch o.Direction {
		case "asc", "desc":
		case "ASC":
			plan.OrderBy[i].Direction = "asc"
		case "DESC", "":
			plan.OrderBy[i].Direction = "desc"
		default:
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("invalid order direction %q", o.Direction), nil)
		}
	}

	if err := v.normalizeTimeRange(plan, metric); err != nil {
		return err
	}

	switch plan.TimeGrain {
	case "", models.GrainDay, models.GrainWeek, models.GrainMonth, models.GrainQuarter, models.GrainYear:
	default:
		return NewStageError(KindPlan, StagePlanValidation,
			fmt.Sprintf("invalid time grain %q", plan.TimeGrain), nil)
	}
	if plan.TimeGrain != "" && metric.TimeColumn == "" {
		return NewStageError(KindPlan, StagePlanValidation,
			fmt.Sprintf("metric %q has no time column; time grouping is not possible", metric.Name), nil)
	}

	if plan.Limit <= 0 {
		plan.Limit = defaultPlanLimit
	}
	if plan.Limit > v.maxRowLimit {
		v.logger.Debug("plan limit capped",
			zap.Int("requested", plan.Limit), zap.Int("cap", v.maxRowLimit))
		plan.Limit = v.maxRowLimit
		plan.Assumptions = append(plan.Assumptions,
			fmt.Sprintf("Row limit capped at %d", v.maxRowLimit))
	}
	if plan.Offset < 0 {
		plan.Offset = 0
	}

	return nil
}

// normalizeTimeRange resolves named periods to concrete [start, end)
// UTC bounds and rejects ranges on metrics without a time column.
func (v *planValidator) normalizeTimeRange(plan *models.QueryPlan, metric *models.SemanticField) error {
	tr := plan.TimeRange
	if tr == nil || (tr.Period == "" && tr.Start == nil && tr.End == nil) {
		plan.TimeRange = nil
		return nil
	}

	if metric.TimeColumn == "" {
		return NewStageError(KindPlan, StagePlanValidation,
			fmt.Sprintf("metric %q has no time column; time filtering is not possible", metric.Name), nil)
	}

	if tr.Period != "" {
		start, end, err := timeperiod.Resolve(tr.Period, v.now())
		if err != nil {
			return NewStageError(KindPlan, StagePlanValidation,
				fmt.Sprintf("unknown time period %q", tr.Period), err)
		}
		tr.Start, tr.End = &start, &end
		return nil
	}

	if tr.Start == nil || tr.End == nil {
		return NewStageError(KindPlan, StagePlanValidation,
			"time range must carry both start and end", nil)
	}
	if !tr.End.After(*tr.Start) {
		return NewStageError(KindPlan, StagePlanValidation,
			"time range end must be after start", nil)
	}
	return nil
}
