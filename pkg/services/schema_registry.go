package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/cache"
	"github.com/lumenbi/lumen-engine/pkg/models"
	"github.com/lumenbi/lumen-engine/pkg/repositories"
)

// JoinStep is one FK edge on the path between two tables, oriented
// from the query's current table toward the target.
type JoinStep struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

// SchemaRegistry serves schema snapshots with an in-process TTL cache
// and answers join-path queries over the FK graph.
type SchemaRegistry interface {
	// Snapshot returns the schema for a connection: memory cache first,
	// then the persisted snapshot if fresh, then live introspection.
	Snapshot(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error)

	// Refresh introspects the warehouse and replaces the snapshot.
	Refresh(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error)

	// JoinPath finds the shortest FK path between two tables, walking
	// edges in either direction. Returns ErrNoJoinPath when the tables
	// are disconnected.
	JoinPath(schema *models.SchemaSnapshot, from, to string) ([]JoinStep, error)
}

type schemaRegistry struct {
	connRepo repositories.ConnectionRepository
	connMgr  *datasource.ConnectionManager
	cache    *cache.Sharded[*models.SchemaSnapshot]
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSchemaRegistry creates a SchemaRegistry with the given snapshot
// TTL.
func NewSchemaRegistry(
	connRepo repositories.ConnectionRepository,
	connMgr *datasource.ConnectionManager,
	ttl time.Duration,
	logger *zap.Logger,
) SchemaRegistry {
	return &schemaRegistry{
		connRepo: connRepo,
		connMgr:  connMgr,
		cache:    cache.NewSharded[*models.SchemaSnapshot](256, ttl),
		ttl:      ttl,
		logger:   logger.Named("schema"),
	}
}

var _ SchemaRegistry = (*schemaRegistry)(nil)

func (r *schemaRegistry) Snapshot(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error) {
	key := connectionID.String()
	if snapshot, ok := r.cache.Get(key); ok {
		return snapshot, nil
	}

	stored, err := r.connRepo.GetSnapshot(ctx, connectionID)
	if err == nil && time.Since(stored.CapturedAt) < r.ttl {
		r.cache.Set(key, stored)
		return stored, nil
	}

	return r.Refresh(ctx, connectionID)
}

func (r *schemaRegistry) Refresh(ctx context.Context, connectionID uuid.UUID) (*models.SchemaSnapshot, error) {
	conn, err := r.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	adapter, err := r.connMgr.Acquire(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("acquire adapter for introspection: %w", err)
	}

	snapshot, err := adapter.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", conn.Name, err)
	}
	snapshot.ConnectionID = connectionID

	if err := r.connRepo.SaveSnapshot(ctx, snapshot); err != nil {
		r.logger.Warn("failed to persist schema snapshot",
			zap.String("connection_id", connectionID.String()), zap.Error(err))
	}
	r.cache.Set(connectionID.String(), snapshot)

	r.logger.Info("schema refreshed",
		zap.String("connection", conn.Name),
		zap.Int("tables", len(snapshot.Tables)),
		zap.Int("foreign_keys", len(snapshot.ForeignKeys)))
	return snapshot, nil
}

func (r *schemaRegistry) JoinPath(schema *models.SchemaSnapshot, from, to string) ([]JoinStep, error) {
	if from == to {
		return nil, nil
	}
	if !schema.HasTable(from) || !schema.HasTable(to) {
		return nil, fmt.Errorf("join %s to %s: %w", from, to, apperrors.ErrNoJoinPath)
	}

	// Adjacency over FK edges, both directions.
	type edge struct {
		step JoinStep
		next string
	}
	adj := make(map[string][]edge)
	for _, fk := range schema.ForeignKeys {
		adj[fk.Table] = append(adj[fk.Table], edge{
			step: JoinStep{FromTable: fk.Table, FromColumn: fk.Column, ToTable: fk.ReferencedTable, ToColumn: fk.ReferencedColumn},
			next: fk.ReferencedTable,
		})
		adj[fk.ReferencedTable] = append(adj[fk.ReferencedTable], edge{
			step: JoinStep{FromTable: fk.ReferencedTable, FromColumn: fk.ReferencedColumn, ToTable: fk.Table, ToColumn: fk.Column},
			next: fk.Table,
		})
	}

	// BFS yields the shortest path; visited prevents cycles.
	type node struct {
		table string
		path  []JoinStep
	}
	visited := map[string]bool{from: true}
	queue := []node{{table: from}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range adj[current.table] {
			if visited[e.next] {
				continue
			}
			path := append(append([]JoinStep(nil), current.path...), e.step)
			if e.next == to {
				return path, nil
			}
			visited[e.next] = true
			queue = append(queue, node{table: e.next, path: path})
		}
	}

	return nil, fmt.Errorf("join %s to %s: %w", from, to, apperrors.ErrNoJoinPath)
}
