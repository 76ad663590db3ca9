package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenbi/lumen-engine/pkg/apperrors"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

// Factory builds an adapter from a connection's config map.
type Factory func(ctx context.Context, config map[string]string) (Adapter, error)

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	Dialect     string `json:"dialect"`
	DisplayName string `json:"display_name"`
}

// Registration is one adapter entry: info, the dialect renderer and
// the factory.
type Registration struct {
	Info    AdapterInfo
	Dialect Dialect
	Factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each adapter package's init().
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Dialect] = reg
}

// RegisteredAdapters returns info for all registered adapters.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	return result
}

// IsRegistered checks whether a dialect has an adapter.
func IsRegistered(dialect string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dialect]
	return ok
}

// DialectFor returns the rendering hooks for a dialect name without
// building an adapter. SQL synthesis runs before any connection is
// acquired.
func DialectFor(name string) (Dialect, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()

	if !ok || reg.Dialect == nil {
		return nil, fmt.Errorf("dialect %q: %w", name, apperrors.ErrDialectUnsupported)
	}
	return reg.Dialect, nil
}

// New builds an adapter for the connection's dialect.
// Dialects without a registered adapter yield ErrDialectUnsupported.
func New(ctx context.Context, conn *models.Connection) (Adapter, error) {
	registryMu.RLock()
	reg, ok := registry[conn.Dialect]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("dialect %q: %w", conn.Dialect, apperrors.ErrDialectUnsupported)
	}
	return reg.Factory(ctx, conn.Config)
}
