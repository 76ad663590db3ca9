package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

// RLSEngine enforces row-level security on a synthesized statement:
// table read permissions, column visibility and per-user row filters.
// Filters are injected as bound parameters; user values never appear
// in the SQL text.
type RLSEngine interface {
	Apply(stmt *SelectStatement, plan *models.QueryPlan, sc *models.SemanticContext, uc *models.UserContext) error
}

type rlsEngine struct {
	pruneDeniedColumns bool
	logger             *zap.Logger
}

// NewRLSEngine creates an RLSEngine. When pruneDeniedColumns is set,
// denied projection columns are silently removed instead of failing
// the request; columns the query depends on (metric, filters, time)
// always fail.
func NewRLSEngine(pruneDeniedColumns bool, logger *zap.Logger) RLSEngine {
	return &rlsEngine{pruneDeniedColumns: pruneDeniedColumns, logger: logger.Named("rls")}
}

var _ RLSEngine = (*rlsEngine)(nil)

func (e *rlsEngine) Apply(stmt *SelectStatement, plan *models.QueryPlan, sc *models.SemanticContext, uc *models.UserContext) error {
	if uc.IsAdmin {
		return nil
	}

	for _, table := range stmt.Tables() {
		perm, ok := uc.TablePermissions[table]
		if ok && !perm.CanRead {
			return NewStageError(KindAuth, StageRLSInjection,
				fmt.Sprintf("access to table %q is denied", table), nil)
		}
	}

	if err := e.checkColumns(stmt, plan, sc, uc); err != nil {
		return err
	}

	injected := 0
	for _, table := range stmt.Tables() {
		for _, f := range uc.FiltersForTable(table) {
			expr := stmt.QualifiedColumn(f.Table, f.Column)
			if err := addPredicate(stmt, expr, f.Operator, f.Value); err != nil {
				return NewStageError(KindAuth, StageRLSInjection,
					fmt.Sprintf("row filter on %s.%s could not be applied", f.Table, f.Column), err)
			}
			injected++
		}
	}

	if injected > 0 {
		e.logger.Debug("row filters injected",
			zap.String("user_id", uc.UserID),
			zap.Int("filters", injected))
	}
	return nil
}

// columnUse is one physical column the statement depends on, with
// whether it is only projected (prunable) or load-bearing.
type columnUse struct {
	table    string
	column   string
	alias    string // projection alias, set when prunable
	prunable bool
}

func (e *rlsEngine) checkColumns(stmt *SelectStatement, plan *models.QueryPlan, sc *models.SemanticContext, uc *models.UserContext) error {
	uses := collectColumnUses(plan, sc)

	pruned := 0
	for _, u := range uses {
		if columnVisible(uc, u.table, u.column) {
			continue
		}
		if u.prunable && e.pruneDeniedColumns {
			if stmt.RemoveColumn(u.alias) {
				pruned++
				plan.Assumptions = append(plan.Assumptions,
					fmt.Sprintf("Column %q was omitted from the result", u.alias))
				continue
			}
		}
		return NewStageError(KindAuth, StageRLSInjection,
			fmt.Sprintf("access to column %s.%s is denied", u.table, u.column), nil)
	}

	if pruned > 0 {
		if stmt.ColumnCount() == 0 {
			return NewStageError(KindAuth, StageRLSInjection,
				"all requested columns are denied", nil)
		}
		e.logger.Debug("denied columns pruned",
			zap.String("user_id", uc.UserID), zap.Int("pruned", pruned))
	}
	return nil
}

// collectColumnUses lists every physical column the plan touches. The
// metric's columns, filter columns and the time column are load
// bearing; dimension projections can be pruned.
func collectColumnUses(plan *models.QueryPlan, sc *models.SemanticContext) []columnUse {
	var uses []columnUse

	if metric := sc.Metric(plan.Metric); metric != nil {
		if metric.IsCalculated() {
			if formula, err := ParseFormula(metric.Formula); err == nil {
				for _, col := range formula.Columns() {
					uses = append(uses, columnUse{table: formula.BaseTable, column: col})
				}
			}
		} else if metric.Column != "" {
			uses = append(uses, columnUse{table: metric.Table, column: metric.Column})
		}
		if metric.TimeColumn != "" && (plan.TimeGrain != "" || plan.TimeRange != nil) {
			uses = append(uses, columnUse{table: metric.Table, column: metric.TimeColumn})
		}
		for _, f := range metric.DefaultFilters {
			uses = append(uses, columnUse{table: metric.Table, column: f.Column})
		}
	}

	for _, name := range plan.Dimensions {
		if dim := sc.Dimension(name); dim != nil {
			uses = append(uses, columnUse{table: dim.Table, column: dim.Column, alias: name, prunable: true})
		}
	}

	for _, f := range plan.Filters {
		if dim := sc.Dimension(f.Field); dim != nil {
			uses = append(uses, columnUse{table: dim.Table, column: dim.Column})
		} else if m := sc.Metric(f.Field); m != nil && m.Column != "" {
			uses = append(uses, columnUse{table: m.Table, column: m.Column})
		}
	}

	return uses
}

// columnVisible applies the table permission's column lists. A denied
// list wins over an allowed list; no permission entry means visible.
func columnVisible(uc *models.UserContext, table, column string) bool {
	perm, ok := uc.TablePermissions[table]
	if !ok {
		return true
	}
	for _, c := range perm.DeniedColumns {
		if c == column {
			return false
		}
	}
	if len(perm.AllowedColumns) > 0 {
		for _, c := range perm.AllowedColumns {
			if c == column {
				return true
			}
		}
		return false
	}
	return true
}
