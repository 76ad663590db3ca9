package sqlcheck

import "strings"

// Validation levels differ only in allowed function sets and
// complexity caps.
const (
	LevelStrict     = "STRICT"
	LevelModerate   = "MODERATE"
	LevelPermissive = "PERMISSIVE"
)

// Stable error codes surfaced to callers.
const (
	CodeEmptyStatement     = "EMPTY_STATEMENT"
	CodeMultipleStatements = "MULTIPLE_STATEMENTS"
	CodeForbiddenOperation = "FORBIDDEN_OPERATION"
	CodeForbiddenFunction  = "FORBIDDEN_FUNCTION"
	CodeInjectionRisk      = "SQL_INJECTION_RISK"
	CodeUnknownTable       = "UNKNOWN_TABLE"
	CodeUnknownColumn      = "UNKNOWN_COLUMN"
	CodeMaxJoinsExceeded   = "MAX_JOINS_EXCEEDED"
	CodeMaxDepthExceeded   = "MAX_DEPTH_EXCEEDED"
	CodeLimitRequired      = "LIMIT_REQUIRED"
	CodeLimitExceeded      = "LIMIT_EXCEEDED"
	CodeSelectStar         = "SELECT_STAR"
	CodeJoinWithoutWhere   = "JOIN_WITHOUT_WHERE"
	CodeDeepNesting        = "DEEP_NESTING"
)

// forbiddenKeywords are statement-level keywords that must never
// appear anywhere in a read-only analytics query: DDL, DML, privilege
// management and procedure invocation.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "CALL": true, "EXEC": true,
	"EXECUTE": true, "COPY": true, "INTO": true, "VACUUM": true,
	"ANALYZE": true, "REINDEX": true, "COMMENT": true, "SET": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true,
}

// dangerousFunctions are denied at every level: file access, command
// execution and timing primitives abused for blind injection.
var dangerousFunctions = map[string]bool{
	"XP_CMDSHELL": true, "LOAD_FILE": true, "PG_READ_FILE": true,
	"PG_LS_DIR": true, "PG_SLEEP": true, "SLEEP": true, "BENCHMARK": true,
	"SYS_EXEC": true, "SYS_EVAL": true, "OPENROWSET": true,
	"OPENDATASOURCE": true, "OPENQUERY": true, "LO_IMPORT": true,
	"LO_EXPORT": true, "UTL_FILE": true, "UTL_HTTP": true,
}

// dangerousFunctionPrefixes deny whole vendor namespaces.
var dangerousFunctionPrefixes = []string{"DBMS_", "XP_", "SP_"}

// strictFunctionAllowlist is the only function set permitted at
// STRICT. Aggregates, date handling, casting and basic scalar math.
var strictFunctionAllowlist = map[string]bool{
	"SUM": true, "AVG": true, "MIN": true, "MAX": true, "COUNT": true,
	"DATE_TRUNC": true, "DATETRUNC": true, "EXTRACT": true, "DATE_PART": true,
	"COALESCE": true, "NULLIF": true, "CAST": true, "CONVERT": true,
	"ABS": true, "ROUND": true, "FLOOR": true, "CEIL": true, "CEILING": true,
	"LOWER": true, "UPPER": true, "TRIM": true, "LENGTH": true, "LEN": true,
	"NOW": true, "CURRENT_DATE": true, "CURRENT_TIMESTAMP": true,
	"TO_CHAR": true, "TO_DATE": true, "CONCAT": true, "SUBSTRING": true,
}

// limits are the complexity caps per level.
type limits struct {
	MaxJoins int
	MaxDepth int
}

func levelLimits(level string) limits {
	switch level {
	case LevelStrict:
		return limits{MaxJoins: 4, MaxDepth: 2}
	case LevelPermissive:
		return limits{MaxJoins: 12, MaxDepth: 5}
	default: // MODERATE
		return limits{MaxJoins: 8, MaxDepth: 3}
	}
}

// nonTableKeywords terminate a FROM/JOIN identifier scan.
var nonTableKeywords = map[string]bool{
	"SELECT": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "ON": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "CROSS": true, "OUTER": true, "UNION": true,
	"AS": true, "AND": true, "OR": true, "NOT": true, "FETCH": true,
	"USING": true, "LATERAL": true, "WITH": true, "TOP": true,
}

func isDangerousFunction(upper string) bool {
	if dangerousFunctions[upper] {
		return true
	}
	for _, prefix := range dangerousFunctionPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}
