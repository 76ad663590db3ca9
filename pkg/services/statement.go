package services

import (
	"fmt"
	"strings"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
)

// SelectStatement is the synthesis intermediate representation: a
// structured SELECT the RLS engine can still mutate before it is
// rendered exactly once. Values never enter the text; BindParam hands
// out dialect placeholders and accumulates the bound values in order.
type SelectStatement struct {
	dialect   datasource.Dialect
	baseTable string

	columns []selectColumn
	joins   []string
	where   []string
	groupBy []string
	orderBy []string
	limit   int
	offset  int

	tables map[string]bool // every physical table referenced
	params []any
}

// NewSelectStatement starts a statement over one base table.
func NewSelectStatement(d datasource.Dialect, baseTable string) *SelectStatement {
	return &SelectStatement{
		dialect:   d,
		baseTable: baseTable,
		tables:    map[string]bool{baseTable: true},
	}
}

// Dialect returns the statement's renderer.
func (s *SelectStatement) Dialect() datasource.Dialect { return s.dialect }

// BaseTable returns the unquoted base table name.
func (s *SelectStatement) BaseTable() string { return s.baseTable }

// Tables returns every physical table the statement touches.
func (s *SelectStatement) Tables() []string {
	out := make([]string, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	return out
}

// QualifiedColumn renders table.column with dialect quoting.
func (s *SelectStatement) QualifiedColumn(table, column string) string {
	return s.dialect.QuoteIdent(table) + "." + s.dialect.QuoteIdent(column)
}

// selectColumn is one projection entry; the alias keeps projections
// addressable after synthesis.
type selectColumn struct {
	expr  string
	alias string
}

// AddColumn appends a projection with an alias.
func (s *SelectStatement) AddColumn(expr, alias string) {
	s.columns = append(s.columns, selectColumn{expr: expr, alias: alias})
}

// ColumnCount returns the number of projected columns.
func (s *SelectStatement) ColumnCount() int { return len(s.columns) }

// RemoveColumn drops a projection by alias, along with any grouping on
// the same expression. It reports whether the alias was present.
func (s *SelectStatement) RemoveColumn(alias string) bool {
	for i, c := range s.columns {
		if c.alias != alias {
			continue
		}
		s.columns = append(s.columns[:i], s.columns[i+1:]...)
		for j := 0; j < len(s.groupBy); j++ {
			if s.groupBy[j] == c.expr {
				s.groupBy = append(s.groupBy[:j], s.groupBy[j+1:]...)
				j--
			}
		}
		return true
	}
	return false
}

// AddJoin appends an inner join on one FK edge and records the table.
func (s *SelectStatement) AddJoin(step JoinStep) {
	s.joins = append(s.joins, fmt.Sprintf("JOIN %s ON %s = %s",
		s.dialect.QuoteIdent(step.ToTable),
		s.QualifiedColumn(step.FromTable, step.FromColumn),
		s.QualifiedColumn(step.ToTable, step.ToColumn)))
	s.tables[step.ToTable] = true
}

// HasJoin reports whether the table is already joined in.
func (s *SelectStatement) HasJoin(table string) bool { return s.tables[table] }

// BindParam registers a value and returns its placeholder.
func (s *SelectStatement) BindParam(v any) string {
	s.params = append(s.params, v)
	return s.dialect.Placeholder(len(s.params))
}

// AddWhere appends one predicate; predicates combine with AND.
func (s *SelectStatement) AddWhere(expr string) {
	s.where = append(s.where, expr)
}

// AddGroupBy appends a grouping expression.
func (s *SelectStatement) AddGroupBy(expr string) {
	s.groupBy = append(s.groupBy, expr)
}

// AddOrderBy appends an ordering expression with direction.
func (s *SelectStatement) AddOrderBy(expr, direction string) {
	s.orderBy = append(s.orderBy, expr+" "+strings.ToUpper(direction))
}

// HasOrderBy reports whether any ordering is present.
func (s *SelectStatement) HasOrderBy() bool { return len(s.orderBy) > 0 }

// SetLimit sets the row window.
func (s *SelectStatement) SetLimit(limit, offset int) {
	s.limit = limit
	s.offset = offset
}

// Limit returns the row limit.
func (s *SelectStatement) Limit() int { return s.limit }

// Params returns the bound values in placeholder order.
func (s *SelectStatement) Params() []any {
	return append([]any(nil), s.params...)
}

// SQL renders the statement. Rendering is pure; it can be called
// before and after RLS injection and reflects the current structure.
func (s *SelectStatement) SQL() string {
	var b strings.Builder

	b.WriteString("SELECT ")
	for i, c := range s.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s AS %s", c.expr, s.dialect.QuoteIdent(c.alias))
	}
	b.WriteString("\nFROM ")
	b.WriteString(s.dialect.QuoteIdent(s.baseTable))

	for _, j := range s.joins {
		b.WriteString("\n")
		b.WriteString(j)
	}
	if len(s.where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(s.where, " AND "))
	}
	if len(s.groupBy) > 0 {
		b.WriteString("\nGROUP BY ")
		b.WriteString(strings.Join(s.groupBy, ", "))
	}
	if len(s.orderBy) > 0 {
		b.WriteString("\nORDER BY ")
		b.WriteString(strings.Join(s.orderBy, ", "))
	}
	if s.limit > 0 {
		b.WriteString("\n")
		b.WriteString(s.dialect.RenderLimit(s.limit, s.offset))
	}
	return b.String()
}
