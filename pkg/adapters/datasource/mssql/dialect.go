package mssql

import (
	"fmt"
	"strings"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

// dialect renders SQL Server fragments.
type dialect struct{}

// Dialect is the shared SQL Server renderer.
var Dialect = dialect{}

func (dialect) Name() string {
	return models.DialectSQLServer
}

func (dialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (dialect) Placeholder(i int) string {
	return fmt.Sprintf("@p%d", i)
}

// DateTrunc uses DATETRUNC, available from SQL Server 2022.
func (dialect) DateTrunc(grain, expr string) string {
	return fmt.Sprintf("DATETRUNC(%s, %s)", grain, expr)
}

// RenderLimit uses OFFSET/FETCH, which requires an ORDER BY clause;
// the synthesizer always emits one for this dialect.
func (dialect) RenderLimit(limit, offset int) string {
	return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}
