// Package sqlcheck validates generated SQL before it may reach a
// warehouse: structure, security, schema references, complexity and
// row limits. It fails closed: anything it cannot positively classify
// as a single read-only SELECT is rejected.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Severity of a validation issue.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one validation finding with a stable code.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Location int    `json:"location,omitempty"`
	Context  string `json:"context,omitempty"`
}

// Metadata summarizes the statement's shape.
type Metadata struct {
	HasCTE        bool   `json:"has_cte"`
	HasSubquery   bool   `json:"has_subquery"`
	JoinCount     int    `json:"join_count"`
	Depth         int    `json:"depth"`
	StatementType string `json:"statement_type"`
}

// Result is the validator's verdict.
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []Issue  `json:"errors,omitempty"`
	Warnings []Issue  `json:"warnings,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Config controls validation behavior.
type Config struct {
	Level        string // STRICT, MODERATE or PERMISSIVE
	Dialect      string // affects LIMIT detection
	MaxRowLimit  int
	RequireLimit bool
}

// Validator checks SQL text against the configured policy and a
// schema snapshot.
type Validator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Validator.
func New(cfg Config, logger *zap.Logger) *Validator {
	if cfg.Level == "" {
		cfg.Level = LevelModerate
	}
	if cfg.MaxRowLimit <= 0 {
		cfg.MaxRowLimit = 10000
	}
	return &Validator{cfg: cfg, logger: logger.Named("sqlcheck")}
}

// tautologyPattern matches the classic quoted-string tautology
// ('x'='x' with OR) after comments are stripped.
var tautologyPattern = regexp.MustCompile(`(?i)\bOR\s+'[^']*'\s*=\s*'[^']*'|\bOR\s+1\s*=\s*1\b`)

// Validate runs the full pipeline over one SQL statement. params are
// the bound values that will accompany the statement; they are
// scanned for injection patterns but never appear in the SQL text.
// Validation is idempotent: validating the same text twice (before
// and after RLS injection) yields the same verdict shape.
func (v *Validator) Validate(sqlText string, params []any, schema *models.SchemaSnapshot) Result {
	res := Result{OK: true}

	normalized := normalize(sqlText)
	if normalized == "" {
		return v.fail(res, Issue{Code: CodeEmptyStatement, Message: "empty SQL statement", Severity: SeverityError})
	}

	if hasSemicolonOutsideStrings(normalized) {
		return v.fail(res, Issue{
			Code:     CodeMultipleStatements,
			Message:  "multiple SQL statements not allowed; only single statements are permitted",
			Severity: SeverityError,
		})
	}

	tokens := scan(normalized)
	if len(tokens) == 0 {
		return v.fail(res, Issue{Code: CodeEmptyStatement, Message: "empty SQL statement", Severity: SeverityError})
	}

	res.Metadata = buildMetadata(tokens)

	// Structure: only SELECT or a CTE-rooted SELECT passes.
	if res.Metadata.StatementType != "SELECT" {
		res = v.fail(res, Issue{
			Code:     CodeForbiddenOperation,
			Message:  fmt.Sprintf("statement type %s is not allowed; only SELECT queries are permitted", res.Metadata.StatementType),
			Severity: SeverityError,
			Location: tokens[0].Pos,
		})
	}

	res = v.checkSecurity(res, normalized, tokens, params)
	res = v.checkComplexity(res, tokens)
	if schema != nil {
		res = v.checkSchema(res, tokens, schema)
	}
	res = v.checkLimit(res, tokens)
	res = v.checkPerformance(res, tokens)

	if !res.OK {
		v.logger.Debug("SQL rejected",
			zap.Int("errors", len(res.Errors)),
			zap.String("first_code", res.Errors[0].Code))
	}
	return res
}

func (v *Validator) fail(res Result, issue Issue) Result {
	res.OK = false
	res.Errors = append(res.Errors, issue)
	return res
}

func (v *Validator) warn(res Result, issue Issue) Result {
	issue.Severity = SeverityWarning
	res.Warnings = append(res.Warnings, issue)
	return res
}

// checkSecurity scans for forbidden keywords, denied functions and
// injection patterns on the comment-stripped text plus bound params.
func (v *Validator) checkSecurity(res Result, normalized string, tokens []token, params []any) Result {
	for i, tok := range tokens {
		if tok.Kind != tokenWord {
			continue
		}

		if forbiddenKeywords[tok.Upper] && !isIdentifierUse(tokens, i) {
			res = v.fail(res, Issue{
				Code:     CodeForbiddenOperation,
				Message:  fmt.Sprintf("forbidden keyword %s", tok.Upper),
				Severity: SeverityError,
				Location: tok.Pos,
				Context:  tok.Text,
			})
			continue
		}

		// Function call check: word immediately followed by '('. For
		// qualified calls (dbms_pipe.receive_message) the namespace is
		// checked too.
		if i+1 < len(tokens) && tokens[i+1].Kind == tokenSymbol && tokens[i+1].Text == "(" {
			dangerous := isDangerousFunction(tok.Upper)
			if !dangerous && i >= 2 &&
				tokens[i-1].Kind == tokenSymbol && tokens[i-1].Text == "." &&
				tokens[i-2].Kind == tokenWord {
				dangerous = isDangerousFunction(tokens[i-2].Upper)
			}
			if dangerous {
				res = v.fail(res, Issue{
					Code:     CodeForbiddenFunction,
					Message:  fmt.Sprintf("function %s is not allowed", tok.Text),
					Severity: SeverityError,
					Location: tok.Pos,
					Context:  tok.Text,
				})
			} else if v.cfg.Level == LevelStrict && !strictFunctionAllowlist[tok.Upper] && !isIdentifierUse(tokens, i) {
				res = v.fail(res, Issue{
					Code:     CodeForbiddenFunction,
					Message:  fmt.Sprintf("function %s is not in the STRICT allowlist", tok.Text),
					Severity: SeverityError,
					Location: tok.Pos,
					Context:  tok.Text,
				})
			}
		}
	}

	stripped := stripComments(normalized)
	if tautologyPattern.MatchString(stripped) {
		res = v.fail(res, Issue{
			Code:     CodeInjectionRisk,
			Message:  "tautology pattern detected",
			Severity: SeverityError,
		})
	}
	lower := strings.ToLower(stripped)
	if strings.Contains(lower, "into outfile") || strings.Contains(lower, "into dumpfile") {
		res = v.fail(res, Issue{
			Code:     CodeInjectionRisk,
			Message:  "file export pattern detected",
			Severity: SeverityError,
		})
	}

	for _, issue := range CheckParams(params) {
		res = v.fail(res, issue)
	}

	return res
}

// isIdentifierUse reports whether the token at i is being used as a
// column/alias rather than as a statement keyword: qualified by a dot
// on either side, or introduced by AS.
func isIdentifierUse(tokens []token, i int) bool {
	if i > 0 && tokens[i-1].Kind == tokenSymbol && tokens[i-1].Text == "." {
		return true
	}
	if i+1 < len(tokens) && tokens[i+1].Kind == tokenSymbol && tokens[i+1].Text == "." {
		return true
	}
	if i > 0 && tokens[i-1].Kind == tokenWord && tokens[i-1].Upper == "AS" {
		return true
	}
	return false
}

func (v *Validator) checkComplexity(res Result, tokens []token) Result {
	lim := levelLimits(v.cfg.Level)

	if res.Metadata.JoinCount > lim.MaxJoins {
		res = v.fail(res, Issue{
			Code:     CodeMaxJoinsExceeded,
			Message:  fmt.Sprintf("query uses %d joins; maximum is %d", res.Metadata.JoinCount, lim.MaxJoins),
			Severity: SeverityError,
		})
	}
	if res.Metadata.Depth > lim.MaxDepth {
		res = v.fail(res, Issue{
			Code:     CodeMaxDepthExceeded,
			Message:  fmt.Sprintf("query nesting depth %d exceeds maximum %d", res.Metadata.Depth, lim.MaxDepth),
			Severity: SeverityError,
		})
	}
	return res
}

// checkSchema verifies referenced tables and qualified columns against
// the snapshot. Unknown references are errors except at PERMISSIVE,
// where they are warnings. A UNION that pulls from an unknown table is
// always an injection-risk error.
func (v *Validator) checkSchema(res Result, tokens []token, schema *models.SchemaSnapshot) Result {
	refs := extractReferences(tokens)
	hasUnion := containsWord(tokens, "UNION")

	for _, t := range refs.Tables {
		if refs.CTENames[t.Name] || schema.HasTable(t.Name) {
			continue
		}
		if hasUnion {
			res = v.fail(res, Issue{
				Code:     CodeInjectionRisk,
				Message:  fmt.Sprintf("UNION references unknown table %q", t.Name),
				Severity: SeverityError,
				Location: t.Pos,
				Context:  t.Name,
			})
			continue
		}
		issue := Issue{
			Code:     CodeUnknownTable,
			Message:  fmt.Sprintf("table %q does not exist in schema", t.Name),
			Severity: SeverityError,
			Location: t.Pos,
			Context:  t.Name,
		}
		if v.cfg.Level == LevelPermissive {
			res = v.warn(res, issue)
		} else {
			res = v.fail(res, issue)
		}
	}

	for _, c := range refs.Columns {
		table := refs.Aliases[c.Qualifier]
		if table == "" {
			table = c.Qualifier
		}
		if refs.CTENames[table] || !schema.HasTable(table) {
			// Unknown table already reported; CTE columns not checkable.
			continue
		}
		if schema.HasColumn(table, c.Name) {
			continue
		}
		issue := Issue{
			Code:     CodeUnknownColumn,
			Message:  fmt.Sprintf("column %q does not exist in table %q", c.Name, table),
			Severity: SeverityError,
			Location: c.Pos,
			Context:  c.Qualifier + "." + c.Name,
		}
		if v.cfg.Level == LevelPermissive {
			res = v.warn(res, issue)
		} else {
			res = v.fail(res, issue)
		}
	}

	return res
}

func (v *Validator) checkLimit(res Result, tokens []token) Result {
	limit, found := findLimit(tokens)
	if !found {
		if v.cfg.RequireLimit {
			res = v.fail(res, Issue{
				Code:     CodeLimitRequired,
				Message:  "query must include a row limit",
				Severity: SeverityError,
			})
		}
		return res
	}
	if limit > v.cfg.MaxRowLimit {
		res = v.fail(res, Issue{
			Code:     CodeLimitExceeded,
			Message:  fmt.Sprintf("LIMIT %d exceeds maximum %d", limit, v.cfg.MaxRowLimit),
			Severity: SeverityError,
		})
	}
	return res
}

// checkPerformance emits warn-only findings.
func (v *Validator) checkPerformance(res Result, tokens []token) Result {
	for i, tok := range tokens {
		if tok.Kind == tokenWord && tok.Upper == "SELECT" &&
			i+1 < len(tokens) && tokens[i+1].Kind == tokenSymbol && tokens[i+1].Text == "*" {
			res = v.warn(res, Issue{
				Code:    CodeSelectStar,
				Message: "SELECT * returns all columns; project explicit columns instead",
			})
			break
		}
	}

	if res.Metadata.JoinCount > 0 && !containsWord(tokens, "WHERE") {
		res = v.warn(res, Issue{
			Code:    CodeJoinWithoutWhere,
			Message: "JOIN without WHERE may produce a large intermediate result",
		})
	}

	if res.Metadata.Depth > 3 {
		res = v.warn(res, Issue{
			Code:    CodeDeepNesting,
			Message: fmt.Sprintf("nesting depth %d may be slow", res.Metadata.Depth),
		})
	}

	if _, found := findLimit(tokens); !found && !v.cfg.RequireLimit {
		res = v.warn(res, Issue{
			Code:    CodeLimitRequired,
			Message: "query has no row limit",
		})
	}

	return res
}

// buildMetadata computes the statement shape in one token pass.
func buildMetadata(tokens []token) Metadata {
	md := Metadata{StatementType: statementType(tokens)}

	parenDepth := 0
	maxSelectDepth := 0
	sawSelect := false

	for _, tok := range tokens {
		switch {
		case tok.Kind == tokenSymbol && tok.Text == "(":
			parenDepth++
		case tok.Kind == tokenSymbol && tok.Text == ")":
			if parenDepth > 0 {
				parenDepth--
			}
		case tok.Kind == tokenWord:
			switch tok.Upper {
			case "SELECT":
				sawSelect = true
				if parenDepth > maxSelectDepth {
					maxSelectDepth = parenDepth
				}
				if parenDepth > 0 {
					md.HasSubquery = true
				}
			case "JOIN":
				md.JoinCount++
			}
		}
	}

	if sawSelect {
		md.Depth = maxSelectDepth + 1
	}
	if len(tokens) > 0 && tokens[0].Kind == tokenWord && tokens[0].Upper == "WITH" {
		md.HasCTE = true
	}
	return md
}

// statementType classifies by leading keyword; WITH-rooted statements
// are SELECT only if no data-modifying CTE body is present (that case
// is caught by the forbidden-keyword scan anyway).
func statementType(tokens []token) string {
	if len(tokens) == 0 {
		return "EMPTY"
	}
	first := tokens[0]
	if first.Kind != tokenWord {
		return "UNKNOWN"
	}
	switch first.Upper {
	case "SELECT":
		return "SELECT"
	case "WITH":
		for _, tok := range tokens[1:] {
			if tok.Kind == tokenWord {
				switch tok.Upper {
				case "INSERT", "UPDATE", "DELETE", "MERGE":
					return "UNKNOWN"
				}
			}
		}
		return "SELECT"
	case "INSERT", "UPDATE", "DELETE", "MERGE", "CALL", "EXEC", "EXECUTE":
		return first.Upper
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return "DDL"
	default:
		return "UNKNOWN"
	}
}

// findLimit locates a top-level row limit: LIMIT n (postgres and
// friends), TOP (n) after SELECT, or FETCH NEXT n ROWS (sqlserver).
func findLimit(tokens []token) (int, bool) {
	parenDepth := 0
	for i, tok := range tokens {
		if tok.Kind == tokenSymbol {
			switch tok.Text {
			case "(":
				parenDepth++
			case ")":
				if parenDepth > 0 {
					parenDepth--
				}
			}
			continue
		}
		if tok.Kind != tokenWord || parenDepth != 0 {
			// TOP (n) carries its own parens; handle below.
			if tok.Kind == tokenWord && tok.Upper == "TOP" {
				if n, ok := numberAfter(tokens, i); ok {
					return n, true
				}
			}
			continue
		}
		switch tok.Upper {
		case "LIMIT":
			if i+1 < len(tokens) && tokens[i+1].Kind == tokenNumber {
				n, err := strconv.Atoi(tokens[i+1].Text)
				if err == nil {
					return n, true
				}
			}
		case "TOP":
			if n, ok := numberAfter(tokens, i); ok {
				return n, true
			}
		case "FETCH":
			// FETCH NEXT n ROWS ONLY / FETCH FIRST n ROWS ONLY
			for j := i + 1; j < len(tokens) && j < i+4; j++ {
				if tokens[j].Kind == tokenNumber {
					n, err := strconv.Atoi(tokens[j].Text)
					if err == nil {
						return n, true
					}
				}
			}
		}
	}
	return 0, false
}

// numberAfter finds the first number within the next three tokens,
// skipping an opening paren (for TOP (n)).
func numberAfter(tokens []token, i int) (int, bool) {
	for j := i + 1; j < len(tokens) && j < i+3; j++ {
		if tokens[j].Kind == tokenNumber {
			n, err := strconv.Atoi(tokens[j].Text)
			return n, err == nil
		}
	}
	return 0, false
}

func containsWord(tokens []token, upper string) bool {
	for _, tok := range tokens {
		if tok.Kind == tokenWord && tok.Upper == upper {
			return true
		}
	}
	return false
}
