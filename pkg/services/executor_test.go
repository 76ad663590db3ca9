package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/cache"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

func TestExecutorCacheHit(t *testing.T) {
	results := cache.NewSharded[*models.ResultSet](16, time.Minute)
	exec := NewExecutor(nil, results, time.Second, 1000, zap.NewNop())

	conn := &models.Connection{ID: testConnectionID, Dialect: models.DialectPostgres}
	uc := testUserContext()
	sqlText := `SELECT SUM("orders"."amount") AS "revenue" FROM "orders" LIMIT 1000`
	params := []any{"42"}

	stored := &models.ResultSet{
		Rows:     []map[string]any{{"revenue": float64(100)}},
		RowCount: 1,
	}
	results.Set(resultCacheKey(conn.Dialect, sqlText, params, uc.Digest(), 3), stored)

	rs, err := exec.Execute(context.Background(), conn, sqlText, params, uc, 3, true)
	require.NoError(t, err)

	assert.True(t, rs.Cached)
	assert.Equal(t, 1, rs.RowCount)
	// The cached entry itself is never marked.
	assert.False(t, stored.Cached)
}

func TestResultCacheKeyIsolation(t *testing.T) {
	uc := testUserContext()
	base := resultCacheKey("postgres", "SELECT 1", []any{"a"}, uc.Digest(), 3)

	other := testUserContext()
	other.UserID = "u-200"

	assert.Equal(t, base, resultCacheKey("postgres", "SELECT 1", []any{"a"}, uc.Digest(), 3))
	assert.NotEqual(t, base, resultCacheKey("postgres", "SELECT 1", []any{"a"}, other.Digest(), 3))
	assert.NotEqual(t, base, resultCacheKey("postgres", "SELECT 1", []any{"a"}, uc.Digest(), 4))
	assert.NotEqual(t, base, resultCacheKey("postgres", "SELECT 1", []any{"b"}, uc.Digest(), 3))
	assert.NotEqual(t, base, resultCacheKey("postgres", "SELECT 2", []any{"a"}, uc.Digest(), 3))
	assert.NotEqual(t, base, resultCacheKey("sqlserver", "SELECT 1", []any{"a"}, uc.Digest(), 3))
}
