package sqlcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

func testSchema() *models.SchemaSnapshot {
	return &models.SchemaSnapshot{
		Tables: []models.TableSchema{
			{Name: "orders", Columns: []models.ColumnSchema{
				{Name: "id", DataType: "integer", IsPrimary: true},
				{Name: "customer_id", DataType: "integer"},
				{Name: "region", DataType: "text"},
				{Name: "amount", DataType: "numeric"},
				{Name: "created_at", DataType: "timestamptz"},
			}},
			{Name: "customers", Columns: []models.ColumnSchema{
				{Name: "id", DataType: "integer", IsPrimary: true},
				{Name: "name", DataType: "text"},
				{Name: "segment", DataType: "text"},
			}},
		},
		ForeignKeys: []models.ForeignKey{
			{Table: "orders", Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"},
		},
	}
}

func newTestValidator(level string) *Validator {
	return New(Config{Level: level, Dialect: models.DialectPostgres, MaxRowLimit: 10000, RequireLimit: true}, zap.NewNop())
}

func hasCode(issues []Issue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedSelect(t *testing.T) {
	v := newTestValidator(LevelModerate)
	sql := `SELECT o.region, SUM(o.amount) AS total
FROM orders o
WHERE o.created_at >= $1 AND o.created_at < $2
GROUP BY o.region
ORDER BY SUM(o.amount) DESC
LIMIT 100`

	res := v.Validate(sql, []any{"2026-01-01", "2026-02-01"}, testSchema())

	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, "SELECT", res.Metadata.StatementType)
	assert.Equal(t, 0, res.Metadata.JoinCount)
	assert.Equal(t, 1, res.Metadata.Depth)
	assert.False(t, res.Metadata.HasSubquery)
}

func TestValidateRejectsWriteStatements(t *testing.T) {
	v := newTestValidator(LevelModerate)

	tests := []struct {
		name string
		sql  string
	}{
		{"update", "UPDATE orders SET amount = 0"},
		{"delete", "DELETE FROM orders"},
		{"insert", "INSERT INTO orders (id) VALUES (1)"},
		{"drop", "DROP TABLE orders"},
		{"truncate", "TRUNCATE TABLE orders"},
		{"grant", "GRANT ALL ON orders TO public"},
		{"exec", "EXEC sp_who"},
		{"cte_wrapped_delete", "WITH x AS (DELETE FROM orders RETURNING id) SELECT * FROM x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.sql, nil, testSchema())
			assert.False(t, res.OK)
			assert.True(t, hasCode(res.Errors, CodeForbiddenOperation), "errors: %v", res.Errors)
		})
	}
}

func TestValidateRejectsMultipleStatements(t *testing.T) {
	v := newTestValidator(LevelModerate)

	res := v.Validate("SELECT o.id FROM orders o LIMIT 10; DROP TABLE orders", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeMultipleStatements))

	// Semicolon inside a string literal is fine.
	res = v.Validate("SELECT o.id FROM orders o WHERE o.region = 'a;b' LIMIT 10", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)

	// Single trailing semicolon is stripped, not treated as stacking.
	res = v.Validate("SELECT o.id FROM orders o LIMIT 10;", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateRejectsEmptyStatement(t *testing.T) {
	v := newTestValidator(LevelModerate)
	for _, sql := range []string{"", "   ", ";", "-- just a comment"} {
		res := v.Validate(sql, nil, nil)
		assert.False(t, res.OK, "sql: %q", sql)
		assert.True(t, hasCode(res.Errors, CodeEmptyStatement), "sql: %q errors: %v", sql, res.Errors)
	}
}

func TestValidateDangerousFunctions(t *testing.T) {
	v := newTestValidator(LevelPermissive)

	tests := []string{
		"SELECT pg_sleep(10) LIMIT 1",
		"SELECT xp_cmdshell('dir') LIMIT 1",
		"SELECT load_file('/etc/passwd') LIMIT 1",
		"SELECT dbms_pipe.receive_message('a') LIMIT 1",
	}
	for _, sql := range tests {
		res := v.Validate(sql, nil, nil)
		assert.False(t, res.OK, "sql: %q", sql)
		assert.True(t, hasCode(res.Errors, CodeForbiddenFunction), "sql: %q errors: %v", sql, res.Errors)
	}
}

func TestValidateStrictFunctionAllowlist(t *testing.T) {
	strict := newTestValidator(LevelStrict)
	moderate := newTestValidator(LevelModerate)
	sql := "SELECT STRING_AGG(o.region, ',') FROM orders o LIMIT 10"

	res := strict.Validate(sql, nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeForbiddenFunction))

	res = moderate.Validate(sql, nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateInjectionHeuristics(t *testing.T) {
	v := newTestValidator(LevelModerate)

	res := v.Validate("SELECT o.id FROM orders o WHERE o.region = 'x' OR '1'='1' LIMIT 10", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeInjectionRisk))

	res = v.Validate("SELECT o.id FROM orders o WHERE 1=1 OR 1=1 LIMIT 10", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeInjectionRisk))
}

func TestValidateInjectionInParams(t *testing.T) {
	v := newTestValidator(LevelModerate)
	sql := "SELECT o.id FROM orders o WHERE o.region = $1 LIMIT 10"

	res := v.Validate(sql, []any{"EMEA"}, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)

	res = v.Validate(sql, []any{"' OR '1'='1"}, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeInjectionRisk))
}

func TestValidateUnknownTableAndColumn(t *testing.T) {
	v := newTestValidator(LevelModerate)

	res := v.Validate("SELECT s.id FROM secrets s LIMIT 10", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeUnknownTable))

	res = v.Validate("SELECT o.salary FROM orders o LIMIT 10", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeUnknownColumn))

	// At PERMISSIVE the same findings are warnings.
	p := newTestValidator(LevelPermissive)
	res = p.Validate("SELECT s.id FROM secrets s LIMIT 10", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.True(t, hasCode(res.Warnings, CodeUnknownTable))
}

func TestValidateUnionUnknownTableIsInjectionRisk(t *testing.T) {
	v := newTestValidator(LevelPermissive)
	sql := "SELECT o.id FROM orders o UNION SELECT u.password FROM app_users u LIMIT 10"

	res := v.Validate(sql, nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeInjectionRisk), "errors: %v", res.Errors)
}

func TestValidateComplexityCaps(t *testing.T) {
	strict := newTestValidator(LevelStrict)

	// Depth 3 (subquery in a subquery) exceeds STRICT's cap of 2.
	sql := `SELECT x.id FROM (SELECT o.id FROM (SELECT id FROM orders) o) x LIMIT 10`
	res := strict.Validate(sql, nil, nil)
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeMaxDepthExceeded), "errors: %v", res.Errors)
	assert.Equal(t, 3, res.Metadata.Depth)

	moderate := newTestValidator(LevelModerate)
	res = moderate.Validate(sql, nil, nil)
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateJoinCap(t *testing.T) {
	strict := newTestValidator(LevelStrict)
	sql := `SELECT a.id FROM orders a
JOIN customers b ON a.customer_id = b.id
JOIN customers c ON a.customer_id = c.id
JOIN customers d ON a.customer_id = d.id
JOIN customers e ON a.customer_id = e.id
JOIN customers f ON a.customer_id = f.id
WHERE a.amount > 0
LIMIT 10`

	res := strict.Validate(sql, nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeMaxJoinsExceeded))
	assert.Equal(t, 5, res.Metadata.JoinCount)
}

func TestValidateLimitEnforcement(t *testing.T) {
	v := newTestValidator(LevelModerate)

	res := v.Validate("SELECT o.id FROM orders o", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeLimitRequired))

	res = v.Validate("SELECT o.id FROM orders o LIMIT 50000", nil, testSchema())
	assert.False(t, res.OK)
	assert.True(t, hasCode(res.Errors, CodeLimitExceeded))
}

func TestValidateSQLServerLimitForms(t *testing.T) {
	v := New(Config{Level: LevelModerate, Dialect: models.DialectSQLServer, MaxRowLimit: 10000, RequireLimit: true}, zap.NewNop())

	res := v.Validate("SELECT TOP (100) o.id FROM orders o", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)

	res = v.Validate("SELECT o.id FROM orders o ORDER BY o.id OFFSET 0 ROWS FETCH NEXT 100 ROWS ONLY", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidateCTE(t *testing.T) {
	v := newTestValidator(LevelModerate)
	sql := `WITH regional AS (
  SELECT o.region, SUM(o.amount) AS total FROM orders o GROUP BY o.region
)
SELECT r.region, r.total FROM regional r ORDER BY r.total DESC LIMIT 10`

	res := v.Validate(sql, nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.True(t, res.Metadata.HasCTE)
	assert.True(t, res.Metadata.HasSubquery)
}

func TestValidateCommentedAttack(t *testing.T) {
	v := newTestValidator(LevelModerate)

	// Attack hidden in a comment is inert and must not trip checks,
	// but the surrounding statement is still validated.
	res := v.Validate("SELECT o.id FROM orders o /* DROP TABLE orders */ LIMIT 10", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
}

func TestValidatePerformanceWarnings(t *testing.T) {
	v := New(Config{Level: LevelModerate, Dialect: models.DialectPostgres, MaxRowLimit: 10000}, zap.NewNop())

	res := v.Validate("SELECT * FROM orders JOIN customers ON orders.customer_id = customers.id", nil, testSchema())
	assert.True(t, res.OK, "errors: %v", res.Errors)
	assert.True(t, hasCode(res.Warnings, CodeSelectStar))
	assert.True(t, hasCode(res.Warnings, CodeJoinWithoutWhere))
	assert.True(t, hasCode(res.Warnings, CodeLimitRequired))
}

func TestValidateIdempotent(t *testing.T) {
	v := newTestValidator(LevelModerate)
	sql := "SELECT o.region FROM orders o WHERE o.amount > $1 GROUP BY o.region LIMIT 100"

	first := v.Validate(sql, []any{100}, testSchema())
	second := v.Validate(sql, []any{100}, testSchema())
	assert.Equal(t, first, second)
}
