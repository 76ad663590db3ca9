package services

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Synthesizer turns a validated QueryPlan into a SelectStatement for
// one dialect. All values travel as bound parameters; the rendered SQL
// contains only identifiers, structure and placeholders.
type Synthesizer interface {
	Synthesize(plan *models.QueryPlan, sc *models.SemanticContext, d datasource.Dialect) (*SelectStatement, error)
}

type synthesizer struct {
	registry SchemaRegistry
	logger   *zap.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(registry SchemaRegistry, logger *zap.Logger) Synthesizer {
	return &synthesizer{registry: registry, logger: logger.Named("synth")}
}

var _ Synthesizer = (*synthesizer)(nil)

// timeColumnAlias names the truncated time bucket in results.
const timeColumnAlias = "period"

func (s *synthesizer) Synthesize(plan *models.QueryPlan, sc *models.SemanticContext, d datasource.Dialect) (*SelectStatement, error) {
	metric := sc.Metric(plan.Metric)
	if metric == nil {
		return nil, NewStageError(KindSQLGeneration, StageSQLGeneration,
			fmt.Sprintf("unknown metric %q", plan.Metric), nil)
	}

	stmt := NewSelectStatement(d, metric.Table)

	metricExpr, err := metricExpression(metric, stmt)
	if err != nil {
		return nil, err
	}
	aggregated := metric.Aggregation != models.AggNone

	// Time bucket first so result rows read chronologically.
	var timeExpr string
	if plan.TimeGrain != "" {
		timeExpr = d.DateTrunc(plan.TimeGrain, stmt.QualifiedColumn(metric.Table, metric.TimeColumn))
		stmt.AddColumn(timeExpr, timeColumnAlias)
	}

	// Dimensions join in over the FK graph when they live off-table.
	dimExprs := make(map[string]string, len(plan.Dimensions))
	for _, name := range plan.Dimensions {
		dim := sc.Dimension(name)
		if dim == nil {
			return nil, NewStageError(KindSQLGeneration, StageSQLGeneration,
				fmt.Sprintf("unknown dimension %q", name), nil)
		}
		if err := s.ensureJoined(stmt, sc, dim.Table); err != nil {
			return nil, err
		}
		expr := stmt.QualifiedColumn(dim.Table, dim.Column)
		dimExprs[name] = expr
		stmt.AddColumn(expr, name)
	}

	stmt.AddColumn(metricExpr, metric.Name)

	// Default filters declared on the metric, then the plan's own.
	for _, f := range metric.DefaultFilters {
		if err := addPredicate(stmt, stmt.QualifiedColumn(metric.Table, f.Column), f.Operator, f.Value); err != nil {
			return nil, err
		}
	}
	for _, f := range plan.Filters {
		expr, err := s.filterExpression(stmt, sc, metric, f.Field)
		if err != nil {
			return nil, err
		}
		if err := addPredicate(stmt, expr, f.Operator, f.Value); err != nil {
			return nil, err
		}
	}

	if plan.TimeRange.Resolved() {
		col := stmt.QualifiedColumn(metric.Table, metric.TimeColumn)
		stmt.AddWhere(fmt.Sprintf("%s >= %s", col, stmt.BindParam(*plan.TimeRange.Start)))
		stmt.AddWhere(fmt.Sprintf("%s < %s", col, stmt.BindParam(*plan.TimeRange.End)))
	}

	if aggregated {
		if timeExpr != "" {
			stmt.AddGroupBy(timeExpr)
		}
		for _, name := range plan.Dimensions {
			stmt.AddGroupBy(dimExprs[name])
		}
	}

	// ORDER BY repeats full expressions; aliases are not portable
	// across dialects.
	for _, o := range plan.OrderBy {
		switch {
		case o.Field == plan.Metric:
			stmt.AddOrderBy(metricExpr, o.Direction)
		case dimExprs[o.Field] != "":
			stmt.AddOrderBy(dimExprs[o.Field], o.Direction)
		default:
			return nil, NewStageError(KindSQLGeneration, StageSQLGeneration,
				fmt.Sprintf("order_by field %q is not in the projection", o.Field), nil)
		}
	}
	if !stmt.HasOrderBy() {
		if timeExpr != "" {
			stmt.AddOrderBy(timeExpr, "asc")
		} else if aggregated {
			stmt.AddOrderBy(metricExpr, "desc")
		} else {
			// OFFSET/FETCH dialects require ORDER BY; a stable one.
			stmt.AddOrderBy(metricExpr, "desc")
		}
	}

	stmt.SetLimit(plan.Limit, plan.Offset)

	s.logger.Debug("SQL synthesized",
		zap.String("metric", metric.Name),
		zap.Int("joins", len(stmt.Tables())-1),
		zap.Int("params", len(stmt.Params())))
	return stmt, nil
}

// ensureJoined joins the target table in over the shortest FK path.
func (s *synthesizer) ensureJoined(stmt *SelectStatement, sc *models.SemanticContext, table string) error {
	if stmt.HasJoin(table) {
		return nil
	}
	path, err := s.registry.JoinPath(sc.Schema, stmt.BaseTable(), table)
	if err != nil {
		return NewStageError(KindSQLGeneration, StageSQLGeneration,
			fmt.Sprintf("no join path from %q to %q", stmt.BaseTable(), table), err)
	}
	for _, step := range path {
		if !stmt.HasJoin(step.ToTable) {
			stmt.AddJoin(step)
		}
	}
	return nil
}

// filterExpression resolves a plan filter field to a physical column
// expression, joining its table in when necessary.
func (s *synthesizer) filterExpression(stmt *SelectStatement, sc *models.SemanticContext, metric *models.SemanticField, field string) (string, error) {
	if dim := sc.Dimension(field); dim != nil {
		if err := s.ensureJoined(stmt, sc, dim.Table); err != nil {
			return "", err
		}
		return stmt.QualifiedColumn(dim.Table, dim.Column), nil
	}
	if m := sc.Metric(field); m != nil && !m.IsCalculated() && m.Column != "" {
		// Filtering on a metric filters its raw column, not the
		// aggregate.
		if err := s.ensureJoined(stmt, sc, m.Table); err != nil {
			return "", err
		}
		return stmt.QualifiedColumn(m.Table, m.Column), nil
	}
	return "", NewStageError(KindSQLGeneration, StageSQLGeneration,
		fmt.Sprintf("cannot filter on %q", field), nil)
}

// metricExpression renders the aggregate for the plan's metric.
func metricExpression(metric *models.SemanticField, stmt *SelectStatement) (string, error) {
	if metric.IsCalculated() {
		formula, err := ParseFormula(metric.Formula)
		if err != nil {
			return "", NewStageError(KindSQLGeneration, StageSQLGeneration,
				fmt.Sprintf("formula for %q failed to parse", metric.Name), err)
		}
		return formula.Render(stmt.Dialect()), nil
	}

	col := stmt.QualifiedColumn(metric.Table, metric.Column)
	switch metric.Aggregation {
	case models.AggSum:
		return "SUM(" + col + ")", nil
	case models.AggAvg:
		return "AVG(" + col + ")", nil
	case models.AggMin:
		return "MIN(" + col + ")", nil
	case models.AggMax:
		return "MAX(" + col + ")", nil
	case models.AggCount:
		if metric.Column == "" {
			return "COUNT(*)", nil
		}
		return "COUNT(" + col + ")", nil
	case models.AggNone:
		return col, nil
	default:
		return "", NewStageError(KindSQLGeneration, StageSQLGeneration,
			fmt.Sprintf("unsupported aggregation %q", metric.Aggregation), nil)
	}
}

// addPredicate renders one comparison with bound values. IN and NOT IN
// expand slices to placeholder lists; IS NULL variants bind nothing.
func addPredicate(stmt *SelectStatement, expr, operator string, value any) error {
	op := strings.ToUpper(strings.TrimSpace(operator))
	if op == "" {
		op = "="
	}
	if !models.RLSOperators[op] && op != "=" {
		return NewStageError(KindSQLGeneration, StageSQLGeneration,
			fmt.Sprintf("operator %q is not permitted", operator), nil)
	}

	switch op {
	case "IS NULL", "IS NOT NULL":
		stmt.AddWhere(expr + " " + op)
	case "IN", "NOT IN":
		values, ok := anySlice(value)
		if !ok || len(values) == 0 {
			return NewStageError(KindSQLGeneration, StageSQLGeneration,
				fmt.Sprintf("%s requires a non-empty list", op), nil)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = stmt.BindParam(v)
		}
		stmt.AddWhere(fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(placeholders, ", ")))
	default:
		stmt.AddWhere(fmt.Sprintf("%s %s %s", expr, op, stmt.BindParam(value)))
	}
	return nil
}

// anySlice normalizes []any and []string values from JSON decoding.
func anySlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
