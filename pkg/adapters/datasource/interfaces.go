// Package datasource defines the adapter contract for target
// warehouses. Adapters own their connections, enforce read-only
// execution with timeouts and row caps, and expose the dialect
// rendering hooks SQL synthesis needs.
package datasource

import (
	"context"
	"time"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Dialect renders the vendor-specific fragments of a SELECT statement.
type Dialect interface {
	// Name returns the dialect identifier (models.DialectPostgres, ...).
	Name() string

	// QuoteIdent quotes an identifier for this dialect.
	QuoteIdent(name string) string

	// Placeholder returns the 1-based positional parameter marker
	// ($1 for postgres, @p1 for sqlserver).
	Placeholder(i int) string

	// DateTrunc renders truncation of expr to the given grain
	// (day, week, month, quarter, year).
	DateTrunc(grain, expr string) string

	// RenderLimit returns the trailing row-limit clause. offset may be
	// zero. For sqlserver this is OFFSET/FETCH and requires ORDER BY.
	RenderLimit(limit, offset int) string
}

// ExecOptions bound a single execution.
type ExecOptions struct {
	// Timeout for the statement. Zero means the caller's context
	// deadline alone applies.
	Timeout time.Duration

	// MaxRows caps the number of rows read from the cursor. Reading
	// stops at MaxRows+1 so the result can be marked truncated.
	MaxRows int
}

// Adapter is one live connection to a target warehouse.
// Each adapter owns its pool and must be closed when done.
type Adapter interface {
	// Dialect returns the rendering hooks for this warehouse.
	Dialect() Dialect

	// TestConnection verifies the warehouse is reachable with valid
	// credentials.
	TestConnection(ctx context.Context) error

	// Introspect reads tables, columns and foreign keys from the
	// warehouse catalog.
	Introspect(ctx context.Context) (*models.SchemaSnapshot, error)

	// Execute runs a single parameterized SELECT and returns the
	// result set. Values never appear in the SQL text; they travel as
	// bound parameters.
	Execute(ctx context.Context, sqlText string, params []any, opts ExecOptions) (*models.ResultSet, error)

	// Close releases the connection pool.
	Close() error
}
