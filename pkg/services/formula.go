package services

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Aggregate functions accepted in calculated metric formulas.
var formulaAggregates = map[string]bool{
	"SUM": true, "AVG": true, "MIN": true, "MAX": true, "COUNT": true,
}

// FormulaNode is one node of a parsed formula AST.
type FormulaNode struct {
	// Exactly one of the following shapes is populated.
	Agg     string       // aggregate call: Agg + Arg
	Arg     *FormulaNode
	Op      byte         // binary op: Op + Left + Right, one of + - * /
	Left    *FormulaNode
	Right   *FormulaNode
	Column  string       // column ref: Table + Column
	Table   string
	Number  string       // numeric literal, verbatim
	IsValue bool         // distinguishes Number "" from absent
}

// Formula is a parsed calculated-metric expression bound to one base
// table.
type Formula struct {
	Root      *FormulaNode
	BaseTable string
}

// ParseFormula parses an aggregate expression such as
// SUM(transactions.amount - transactions.cost). All column refs must
// be table-qualified and share a single base table; at least one
// aggregate call must be present.
func ParseFormula(input string) (*Formula, error) {
	p := &formulaParser{input: input}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}

	f := &Formula{Root: root}
	if err := f.bindTables(root); err != nil {
		return nil, err
	}
	if f.BaseTable == "" {
		return nil, fmt.Errorf("formula references no columns")
	}
	if !hasAggregate(root) {
		return nil, fmt.Errorf("formula must contain an aggregate call")
	}
	return f, nil
}

// bindTables walks the AST ensuring all column refs share one table.
func (f *Formula) bindTables(n *FormulaNode) error {
	if n == nil {
		return nil
	}
	if n.Column != "" {
		if f.BaseTable == "" {
			f.BaseTable = n.Table
		} else if f.BaseTable != n.Table {
			return fmt.Errorf("formula spans tables %q and %q; a calculated metric binds to one base table", f.BaseTable, n.Table)
		}
	}
	for _, child := range []*FormulaNode{n.Arg, n.Left, n.Right} {
		if err := f.bindTables(child); err != nil {
			return err
		}
	}
	return nil
}

func hasAggregate(n *FormulaNode) bool {
	if n == nil {
		return false
	}
	if n.Agg != "" {
		return true
	}
	return hasAggregate(n.Arg) || hasAggregate(n.Left) || hasAggregate(n.Right)
}

// Validate re-binds every column reference against the schema
// snapshot. A miss yields ErrStaleFormula so callers can mark the
// metric inactive.
func (f *Formula) Validate(schema *models.SchemaSnapshot) error {
	return f.validateNode(f.Root, schema)
}

func (f *Formula) validateNode(n *FormulaNode, schema *models.SchemaSnapshot) error {
	if n == nil {
		return nil
	}
	if n.Column != "" {
		if !schema.HasColumn(n.Table, n.Column) {
			return fmt.Errorf("column %s.%s: %w", n.Table, n.Column, apperrors.ErrStaleFormula)
		}
	}
	for _, child := range []*FormulaNode{n.Arg, n.Left, n.Right} {
		if err := f.validateNode(child, schema); err != nil {
			return err
		}
	}
	return nil
}

// Columns returns the distinct column names the formula references.
func (f *Formula) Columns() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(n *FormulaNode)
	walk = func(n *FormulaNode) {
		if n == nil {
			return
		}
		if n.Column != "" && !seen[n.Column] {
			seen[n.Column] = true
			out = append(out, n.Column)
		}
		walk(n.Arg)
		walk(n.Left)
		walk(n.Right)
	}
	walk(f.Root)
	return out
}

// Render produces the dialect-quoted SQL expression.
func (f *Formula) Render(d datasource.Dialect) string {
	return renderNode(f.Root, d)
}

func renderNode(n *FormulaNode, d datasource.Dialect) string {
	switch {
	case n == nil:
		return ""
	case n.Agg != "":
		return fmt.Sprintf("%s(%s)", n.Agg, renderNode(n.Arg, d))
	case n.Op != 0:
		return fmt.Sprintf("(%s %c %s)", renderNode(n.Left, d), n.Op, renderNode(n.Right, d))
	case n.Column != "":
		return d.QuoteIdent(n.Table) + "." + d.QuoteIdent(n.Column)
	default:
		return n.Number
	}
}

// formulaParser is a recursive-descent parser with the grammar
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := NUMBER | AGG '(' expr ')' | IDENT '.' IDENT | '(' expr ')'
type formulaParser struct {
	input string
	pos   int
}

func (p *formulaParser) parseExpr() (*FormulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &FormulaNode{Op: op, Left: left, Right: right}
	}
}

func (p *formulaParser) parseTerm() (*FormulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &FormulaNode{Op: op, Left: left, Right: right}
	}
}

func (p *formulaParser) parseFactor() (*FormulaNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of formula")
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil

	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		text := p.input[start:p.pos]
		if _, err := strconv.ParseFloat(text, 64); err != nil {
			return nil, fmt.Errorf("invalid number %q", text)
		}
		return &FormulaNode{Number: text, IsValue: true}, nil

	case isFormulaIdentStart(rune(c)):
		ident := p.readIdent()
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '(' {
			agg := strings.ToUpper(ident)
			if !formulaAggregates[agg] {
				return nil, fmt.Errorf("function %q is not allowed in formulas", ident)
			}
			p.pos++
			if agg == "COUNT" && p.peekStar() {
				// COUNT(*) takes no column argument.
				p.pos++
				if err := p.expect(')'); err != nil {
					return nil, err
				}
				return &FormulaNode{Agg: agg, Arg: &FormulaNode{Number: "*", IsValue: true}}, nil
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			return &FormulaNode{Agg: agg, Arg: arg}, nil
		}
		if p.pos >= len(p.input) || p.input[p.pos] != '.' {
			return nil, fmt.Errorf("column reference %q must be table-qualified", ident)
		}
		p.pos++
		column := p.readIdent()
		if column == "" {
			return nil, fmt.Errorf("missing column after %q.", ident)
		}
		return &FormulaNode{Table: ident, Column: column}, nil

	default:
		return nil, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}

func (p *formulaParser) peekStar() bool {
	p.skipSpace()
	return p.pos < len(p.input) && p.input[p.pos] == '*'
}

func (p *formulaParser) readIdent() string {
	start := p.pos
	for p.pos < len(p.input) && isFormulaIdentPart(rune(p.input[p.pos])) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *formulaParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != c {
		return fmt.Errorf("expected %q at position %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func isFormulaIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isFormulaIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
