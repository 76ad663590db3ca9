package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/config"
)

// DB is the engine's metadata store: registered connections, the
// semantic layer, RLS configuration, learned vectors and the audit
// trail. It embeds the pgx pool, so repositories use it directly.
type DB struct {
	*pgxpool.Pool
}

// Connect opens the metadata pool and verifies the database is
// reachable before handing it out.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse metadata database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnLifetime = cfg.ConnLifetime()
	poolCfg.MaxConnIdleTime = cfg.ConnIdle()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open metadata pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMetadataUnavailable, err)
	}

	logger.Info("metadata database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return &DB{Pool: pool}, nil
}

// WithinTx runs fn in a transaction, rolling back when fn errors. Used
// by mutations that must land together with their audit row.
func (db *DB) WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}
