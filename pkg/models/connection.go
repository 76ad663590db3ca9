package models

import (
	"time"

	"github.com/google/uuid"
)

// Supported warehouse dialects. Only postgres and sqlserver have full
// adapters; the rest are recognized identifiers awaiting adapters.
const (
	DialectPostgres  = "postgres"
	DialectMySQL     = "mysql"
	DialectSQLServer = "sqlserver"
	DialectOracle    = "oracle"
	DialectSnowflake = "snowflake"
	DialectBigQuery  = "bigquery"
)

// Connection describes a target warehouse reachable with read-only
// credentials. Config keys are dialect-specific (host, port, user,
// password, database, ssl_mode, ...).
type Connection struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Dialect   string            `json:"dialect"`
	Config    map[string]string `json:"config"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableSchema describes one table in a schema snapshot.
type TableSchema struct {
	Schema  string         `json:"schema,omitempty"`
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
	IsPrimary  bool   `json:"is_primary"`
}

// ForeignKey is a declared FK edge between two tables.
type ForeignKey struct {
	Table            string `json:"table"`
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// SchemaSnapshot is a cached introspection result for a connection.
type SchemaSnapshot struct {
	ConnectionID uuid.UUID    `json:"connection_id"`
	Tables       []TableSchema `json:"tables"`
	ForeignKeys  []ForeignKey  `json:"foreign_keys"`
	CapturedAt   time.Time     `json:"captured_at"`
}

// HasTable reports whether the snapshot contains the named table.
func (s *SchemaSnapshot) HasTable(table string) bool {
	return s.Table(table) != nil
}

// Table returns the named table, or nil.
func (s *SchemaSnapshot) Table(table string) *TableSchema {
	for i := range s.Tables {
		if s.Tables[i].Name == table {
			return &s.Tables[i]
		}
	}
	return nil
}

// HasColumn reports whether table.column exists in the snapshot.
func (s *SchemaSnapshot) HasColumn(table, column string) bool {
	t := s.Table(table)
	if t == nil {
		return false
	}
	for _, c := range t.Columns {
		if c.Name == column {
			return true
		}
	}
	return false
}

// ColumnType returns the declared data type of table.column, or "".
func (s *SchemaSnapshot) ColumnType(table, column string) string {
	t := s.Table(table)
	if t == nil {
		return ""
	}
	for _, c := range t.Columns {
		if c.Name == column {
			return c.DataType
		}
	}
	return ""
}
