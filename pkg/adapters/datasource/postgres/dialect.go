package postgres

import (
	"fmt"
	"strings"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

// dialect renders PostgreSQL fragments.
type dialect struct{}

// Dialect is the shared PostgreSQL renderer.
var Dialect = dialect{}

func (dialect) Name() string {
	return models.DialectPostgres
}

func (dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (dialect) Placeholder(i int) string {
	return fmt.Sprintf("$%d", i)
}

func (dialect) DateTrunc(grain, expr string) string {
	return fmt.Sprintf("date_trunc('%s', %s)", grain, expr)
}

func (dialect) RenderLimit(limit, offset int) string {
	if offset > 0 {
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf("LIMIT %d", limit)
}
