// Package mssql implements the warehouse adapter for Microsoft SQL
// Server 2019+ via the go-mssqldb driver.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Adapter holds a database/sql pool for one warehouse connection.
type Adapter struct {
	db *sql.DB
}

var _ datasource.Adapter = (*Adapter)(nil)

// NewAdapter connects to the warehouse described by cfg.
func NewAdapter(ctx context.Context, cfg *Config) (*Adapter, error) {
	db, err := sql.Open("sqlserver", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("open sqlserver connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to sqlserver: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Dialect implements datasource.Adapter.
func (a *Adapter) Dialect() datasource.Dialect {
	return Dialect
}

// TestConnection implements datasource.Adapter.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlserver ping: %w", err)
	}
	return nil
}

// Close implements datasource.Adapter.
func (a *Adapter) Close() error {
	return a.db.Close()
}

const tablesQuery = `
SELECT s.name, t.name
FROM sys.tables t
JOIN sys.schemas s ON t.schema_id = s.schema_id
WHERE t.is_ms_shipped = 0
ORDER BY s.name, t.name`

const columnsQuery = `
SELECT c.name,
       ty.name,
       c.is_nullable,
       CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END
FROM sys.columns c
JOIN sys.types ty ON c.user_type_id = ty.user_type_id
JOIN sys.tables t ON c.object_id = t.object_id
JOIN sys.schemas s ON t.schema_id = s.schema_id
LEFT JOIN (
    SELECT ic.object_id, ic.column_id
    FROM sys.index_columns ic
    JOIN sys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
    WHERE i.is_primary_key = 1
) pk ON pk.object_id = c.object_id AND pk.column_id = c.column_id
WHERE s.name = @p1 AND t.name = @p2
ORDER BY c.column_id`

const foreignKeysQuery = `
SELECT tp.name,
       cp.name,
       tr.name,
       cr.name
FROM sys.foreign_key_columns fkc
JOIN sys.tables tp ON fkc.parent_object_id = tp.object_id
JOIN sys.columns cp ON fkc.parent_object_id = cp.object_id AND fkc.parent_column_id = cp.column_id
JOIN sys.tables tr ON fkc.referenced_object_id = tr.object_id
JOIN sys.columns cr ON fkc.referenced_object_id = cr.object_id AND fkc.referenced_column_id = cr.column_id
ORDER BY tp.name, cp.name`

// Introspect implements datasource.Adapter.
func (a *Adapter) Introspect(ctx context.Context) (*models.SchemaSnapshot, error) {
	rows, err := a.db.QueryContext(ctx, tablesQuery)
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
	rows, err := a.db.QueryContext(ctx, columnsQuery, schema, table)
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
	rows, err := a.db.QueryContext(ctx, foreignKeysQuery)
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

// Execute implements datasource.Adapter. go-mssqldb maps ordinal args
// to @p1..@pN.
func (a *Adapter) Execute(ctx context.Context, sqlText string, params []any, opts datasource.ExecOptions) (*models.ResultSet, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rows, err := a.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	columns := make([]models.ColumnInfo, len(colNames))
	for i, name := range colNames {
		columns[i] = models.ColumnInfo{Name: name, Type: colTypes[i].DatabaseTypeName()}
	}

	result := &models.ResultSet{Columns: columns, Rows: make([]map[string]any, 0)}
	values := make([]any, len(colNames))
	scanArgs := make([]any, len(colNames))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if opts.MaxRows > 0 && len(result.Rows) >= opts.MaxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// normalizeValue converts driver byte slices to strings so results
// serialize uniformly across adapters.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// classifyError maps SQL Server failures onto the adapter error
// taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &datasource.ExecError{Kind: datasource.ExecErrTimeout, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &datasource.ExecError{Kind: datasource.ExecErrCancelled, Cause: err}
	}

	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case 229, 230, 300: // SELECT/object/execute permission denied
			return &datasource.ExecError{Kind: datasource.ExecErrPermissionDenied, Cause: err}
		case 102, 105, 156, 207, 208: // syntax errors, invalid column/object
			return &datasource.ExecError{Kind: datasource.ExecErrSyntax, Cause: err}
		case 1204, 1205, 10928, 10929, 40501, 40613: // lock/throttle/availability
			return &datasource.ExecError{Kind: datasource.ExecErrUnavailable, Cause: err}
		}
	}
	return &datasource.ExecError{Kind: datasource.ExecErrUnknown, Cause: err}
}
