// Package postgres implements the warehouse adapter for PostgreSQL 12+
// using pgx connection pools.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Adapter holds a pgx pool for one warehouse connection.
type Adapter struct {
	pool *pgxpool.Pool
}

var _ datasource.Adapter = (*Adapter)(nil)

// NewAdapter connects to the warehouse described by cfg.
func NewAdapter(ctx context.Context, cfg *Config) (*Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Adapter{pool: pool}, nil
}

// Dialect implements datasource.Adapter.
func (a *Adapter) Dialect() datasource.Dialect {
	return Dialect
}

// TestConnection implements datasource.Adapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close implements datasource.Adapter.
func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

const tablesQuery = `
SELECT t.table_schema, t.table_name
FROM information_schema.tables t
WHERE t.table_type = 'BASE TABLE'
  AND t.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY t.table_schema, t.table_name`

const columnsQuery = `
SELECT c.column_name,
       c.data_type,
       c.is_nullable = 'YES',
       COALESCE(pk.is_primary, false)
FROM information_schema.columns c
LEFT JOIN (
    SELECT kcu.column_name, true AS is_primary
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
      ON tc.constraint_name = kcu.constraint_name
     AND tc.table_schema = kcu.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
      AND tc.table_schema = $1
      AND tc.table_name = $2
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`

const foreignKeysQuery = `
SELECT kcu.table_name,
       kcu.column_name,
       ccu.table_name AS referenced_table,
       ccu.column_name AS referenced_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name
 AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY kcu.table_name, kcu.column_name`

// Introspect implements datasource.Adapter.
func (a *Adapter) Introspect(ctx context.Context) (*models.SchemaSnapshot, error) {
	rows, err := a.pool.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	snapshot := &models.SchemaSnapshot{CapturedAt: time.Now().UTC()}
	for rows.Next() {
		var t models.TableSchema
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		snapshot.Tables = append(snapshot.Tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	for i := range snapshot.Tables {
		t := &snapshot.Tables[i]
		cols, err := a.introspectColumns(ctx, t.Schema, t.Name)
		if err != nil {
			return nil, err
		}
		t.Columns = cols
	}

	fks, err := a.introspectForeignKeys(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.ForeignKeys = fks
	return snapshot, nil
}

func (a *Adapter) introspectColumns(ctx context.Context, schema, table string) ([]models.ColumnSchema, error) {
	rows, err := a.pool.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []models.ColumnSchema
	for rows.Next() {
		var c models.ColumnSchema
		if err := rows.Scan(&c.Name, &c.DataType, &c.IsNullable, &c.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (a *Adapter) introspectForeignKeys(ctx context.Context) ([]models.ForeignKey, error) {
	rows, err := a.pool.Query(ctx, foreignKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []models.ForeignKey
	for rows.Next() {
		var fk models.ForeignKey
		if err := rows.Scan(&fk.Table, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// Execute implements datasource.Adapter. Parameters travel as pgx
// bound values; the statement text is never interpolated.
func (a *Adapter) Execute(ctx context.Context, sqlText string, params []any, opts datasource.ExecOptions) (*models.ResultSet, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rows, err := a.pool.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]models.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = models.ColumnInfo{
			Name: string(fd.Name),
			Type: typeNameFromOID(fd.DataTypeOID),
		}
	}

	result := &models.ResultSet{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if opts.MaxRows > 0 && len(result.Rows) >= opts.MaxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		result.Rows = append(result.Rows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// classifyError maps pg failures onto the adapter error taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &datasource.ExecError{Kind: datasource.ExecErrTimeout, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &datasource.ExecError{Kind: datasource.ExecErrCancelled, Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57014": // query_canceled, raised on statement_timeout
			return &datasource.ExecError{Kind: datasource.ExecErrTimeout, Cause: err}
		case "42501": // insufficient_privilege
			return &datasource.ExecError{Kind: datasource.ExecErrPermissionDenied, Cause: err}
		case "42601", "42703", "42P01": // syntax, undefined column, undefined table
			return &datasource.ExecError{Kind: datasource.ExecErrSyntax, Cause: err}
		case "53300", "57P03", "08006", "08001": // too many conns, starting up, connection failures
			return &datasource.ExecError{Kind: datasource.ExecErrUnavailable, Cause: err}
		}
	}
	return &datasource.ExecError{Kind: datasource.ExecErrUnknown, Cause: err}
}

// typeNameFromOID maps common pg type OIDs to readable names.
// Unknown OIDs fall back to the numeric form.
func typeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "boolean"
	case 20:
		return "bigint"
	case 21:
		return "smallint"
	case 23:
		return "integer"
	case 25:
		return "text"
	case 700:
		return "real"
	case 701:
		return "double precision"
	case 1043:
		return "varchar"
	case 1082:
		return "date"
	case 1114:
		return "timestamp"
	case 1184:
		return "timestamptz"
	case 1700:
		return "numeric"
	case 2950:
		return "uuid"
	case 114, 3802:
		return "json"
	default:
		return fmt.Sprintf("oid:%d", oid)
	}
}
