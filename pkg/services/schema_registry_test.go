package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

func newJoinRegistry() SchemaRegistry {
	return NewSchemaRegistry(nil, nil, time.Minute, zap.NewNop())
}

func TestJoinPathDirect(t *testing.T) {
	reg := newJoinRegistry()
	path, err := reg.JoinPath(testSchema(), "orders", "customers")
	require.NoError(t, err)

	require.Len(t, path, 1)
	assert.Equal(t, "orders", path[0].FromTable)
	assert.Equal(t, "customer_id", path[0].FromColumn)
	assert.Equal(t, "customers", path[0].ToTable)
	assert.Equal(t, "id", path[0].ToColumn)
}

func TestJoinPathReversed(t *testing.T) {
	reg := newJoinRegistry()
	path, err := reg.JoinPath(testSchema(), "customers", "orders")
	require.NoError(t, err)

	require.Len(t, path, 1)
	assert.Equal(t, "customers", path[0].FromTable)
	assert.Equal(t, "id", path[0].FromColumn)
	assert.Equal(t, "orders", path[0].ToTable)
}

func TestJoinPathSameTable(t *testing.T) {
	reg := newJoinRegistry()
	path, err := reg.JoinPath(testSchema(), "orders", "orders")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestJoinPathDisconnected(t *testing.T) {
	reg := newJoinRegistry()
	_, err := reg.JoinPath(testSchema(), "orders", "audit_log")
	assert.ErrorIs(t, err, apperrors.ErrNoJoinPath)
}

func TestJoinPathUnknownTable(t *testing.T) {
	reg := newJoinRegistry()
	_, err := reg.JoinPath(testSchema(), "orders", "payments")
	assert.ErrorIs(t, err, apperrors.ErrNoJoinPath)
}

func TestJoinPathShortestWins(t *testing.T) {
	// orders -> customers directly, and orders -> line_items -> customers.
	schema := &models.SchemaSnapshot{
		Tables: []models.TableSchema{
			{Name: "orders"}, {Name: "customers"}, {Name: "line_items"},
		},
		ForeignKeys: []models.ForeignKey{
			{Table: "line_items", Column: "order_id", ReferencedTable: "orders", ReferencedColumn: "id"},
			{Table: "line_items", Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"},
			{Table: "orders", Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"},
		},
	}

	path, err := newJoinRegistry().JoinPath(schema, "orders", "customers")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "customers", path[0].ToTable)
}
