package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/cache"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

const (
	executeRetries      = 2
	executeRetryBackoff = 200 * time.Millisecond
)

// Executor runs validated SQL against a warehouse connection with a
// per-statement timeout, a hard row cap and a short-lived result cache.
// Cache keys include the user's RLS digest and the semantic layer
// version so results never leak across users or survive semantic
// changes.
type Executor interface {
	Execute(ctx context.Context, conn *models.Connection, sqlText string, params []any, uc *models.UserContext, semanticVersion int64, useCache bool) (*models.ResultSet, error)
}

type executor struct {
	manager      *datasource.ConnectionManager
	results      *cache.Sharded[*models.ResultSet]
	queryTimeout time.Duration
	maxRows      int
	logger       *zap.Logger
}

// NewExecutor creates an Executor backed by the adapter pool.
func NewExecutor(manager *datasource.ConnectionManager, results *cache.Sharded[*models.ResultSet], queryTimeout time.Duration, maxRows int, logger *zap.Logger) Executor {
	return &executor{
		manager:      manager,
		results:      results,
		queryTimeout: queryTimeout,
		maxRows:      maxRows,
		logger:       logger.Named("executor"),
	}
}

var _ Executor = (*executor)(nil)

func (e *executor) Execute(ctx context.Context, conn *models.Connection, sqlText string, params []any, uc *models.UserContext, semanticVersion int64, useCache bool) (*models.ResultSet, error) {
	key := resultCacheKey(conn.Dialect, sqlText, params, uc.Digest(), semanticVersion)
	if useCache {
		if rs, ok := e.results.Get(key); ok {
			copied := *rs
			copied.Cached = true
			return &copied, nil
		}
	}

	adapter, err := e.manager.Acquire(ctx, conn)
	if err != nil {
		return nil, NewStageError(KindExecution, StageQueryExecution,
			fmt.Sprintf("connection %s is unavailable", conn.ID), err)
	}

	opts := datasource.ExecOptions{Timeout: e.queryTimeout, MaxRows: e.maxRows}

	var rs *models.ResultSet
	for attempt := 0; ; attempt++ {
		rs, err = adapter.Execute(ctx, sqlText, params, opts)
		if err == nil {
			break
		}
		if attempt >= executeRetries || !datasource.Retryable(err) || ctx.Err() != nil {
			return nil, e.stageError(err)
		}
		e.logger.Warn("transient execution failure, retrying",
			zap.String("connection_id", conn.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, e.stageError(ctx.Err())
		case <-time.After(executeRetryBackoff * time.Duration(attempt+1)):
		}
	}

	e.logger.Debug("query executed",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("rows", rs.RowCount),
		zap.Bool("truncated", rs.Truncated))

	if useCache {
		e.results.Set(key, rs)
	}
	return rs, nil
}

func (e *executor) stageError(err error) *StageError {
	msg := "query execution failed"
	if kind := datasource.KindOf(err); kind != "" {
		msg = fmt.Sprintf("query execution failed (%s)", kind)
	}
	return NewStageError(KindExecution, StageQueryExecution, msg, err)
}

// resultCacheKey hashes everything that determines the result bytes.
func resultCacheKey(dialect, sqlText string, params []any, rlsDigest string, semanticVersion int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "d=%s;v=%d;rls=%s;sql=%s;", dialect, semanticVersion, rlsDigest, sqlText)
	for _, p := range params {
		b, _ := json.Marshal(p)
		h.Write(b)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
