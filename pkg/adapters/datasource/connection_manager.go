package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

const (
	defaultAdapterTTL    = 5 * time.Minute
	defaultSweepInterval = 1 * time.Minute
)

// ConnectionManagerConfig tunes adapter pooling.
type ConnectionManagerConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// ConnectionManager keeps live adapters keyed by connection ID with
// TTL-based expiry. Execution through a stale adapter is avoided by
// a health check on reuse; expired adapters are closed by the sweeper.
type ConnectionManager struct {
	mu       sync.RWMutex
	adapters map[uuid.UUID]*managedAdapter
	ttl      time.Duration
	stopped  bool
	stopChan chan struct{}
	logger   *zap.Logger
}

type managedAdapter struct {
	adapter  Adapter
	lastUsed time.Time
	mu       sync.Mutex
}

// NewConnectionManager creates a manager and starts its sweeper.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultAdapterTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	m := &ConnectionManager{
		adapters: make(map[uuid.UUID]*managedAdapter),
		ttl:      cfg.TTL,
		stopChan: make(chan struct{}),
		logger:   logger.Named("connmgr"),
	}
	go m.sweep(cfg.SweepInterval)
	return m
}

// Acquire returns a live adapter for the connection, reusing a pooled
// one when present and healthy.
func (m *ConnectionManager) Acquire(ctx context.Context, conn *models.Connection) (Adapter, error) {
	m.mu.RLock()
	managed, exists := m.adapters[conn.ID]
	m.mu.RUnlock()

	if exists {
		managed.mu.Lock()
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := managed.adapter.TestConnection(healthCtx)
		cancel()
		if err == nil {
			managed.lastUsed = time.Now()
			managed.mu.Unlock()
			return managed.adapter, nil
		}
		managed.mu.Unlock()

		m.logger.Warn("pooled adapter unhealthy, rebuilding",
			zap.String("connection_id", conn.ID.String()),
			zap.Error(err))
		m.evict(conn.ID)
	}

	adapter, err := New(ctx, conn)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = adapter.Close()
		return nil, context.Canceled
	}
	// Another goroutine may have built one concurrently; keep theirs.
	if existing, ok := m.adapters[conn.ID]; ok {
		m.mu.Unlock()
		_ = adapter.Close()
		existing.mu.Lock()
		existing.lastUsed = time.Now()
		existing.mu.Unlock()
		return existing.adapter, nil
	}
	m.adapters[conn.ID] = &managedAdapter{adapter: adapter, lastUsed: time.Now()}
	m.mu.Unlock()

	m.logger.Debug("adapter created",
		zap.String("connection_id", conn.ID.String()),
		zap.String("dialect", conn.Dialect))
	return adapter, nil
}

// Evict drops and closes the pooled adapter for a connection, if any.
// Called when connection credentials change.
func (m *ConnectionManager) Evict(connectionID uuid.UUID) {
	m.evict(connectionID)
}

func (m *ConnectionManager) evict(connectionID uuid.UUID) {
	m.mu.Lock()
	managed, ok := m.adapters[connectionID]
	if ok {
		delete(m.adapters, connectionID)
	}
	m.mu.Unlock()

	if ok {
		_ = managed.adapter.Close()
	}
}

// Len returns the number of pooled adapters.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.adapters)
}

// Close stops the sweeper and closes all pooled adapters.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopChan)
	adapters := make([]*managedAdapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.adapters = make(map[uuid.UUID]*managedAdapter)
	m.mu.Unlock()

	for _, a := range adapters {
		_ = a.adapter.Close()
	}
}

func (m *ConnectionManager) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *ConnectionManager) sweepExpired() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*managedAdapter
	for id, managed := range m.adapters {
		managed.mu.Lock()
		stale := managed.lastUsed.Before(cutoff)
		managed.mu.Unlock()
		if stale {
			expired = append(expired, managed)
			delete(m.adapters, id)
		}
	}
	m.mu.Unlock()

	for _, managed := range expired {
		_ = managed.adapter.Close()
	}
	if len(expired) > 0 {
		m.logger.Debug("expired adapters closed", zap.Int("count", len(expired)))
	}
}
