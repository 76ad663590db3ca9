package sqlcheck

import (
	"fmt"

	"github.com/corazawaf/libinjection-go"
)

// CheckParams runs SQL injection detection over string-typed bound
// parameters. Parameters are never interpolated into SQL text, but a
// value that is itself an injection payload signals a compromised
// upstream and the query is rejected.
func CheckParams(params []any) []Issue {
	var issues []Issue
	for i, p := range params {
		s, ok := p.(string)
		if !ok || s == "" {
			continue
		}
		if found, fingerprint := libinjection.IsSQLi(s); found {
			issues = append(issues, Issue{
				Code:     CodeInjectionRisk,
				Message:  fmt.Sprintf("parameter %d matches SQL injection fingerprint %s", i+1, fingerprint),
				Severity: SeverityError,
			})
		}
	}
	return issues
}
