// Package multitenant manages one rule engine per tenant over a shared
// database pool and a shared action-handler registry.
package multitenant

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/stockroomhq/flowrules/flowrules"
	"github.com/stockroomhq/flowrules/internal/logger"
)

// Manager holds the engines of all loaded tenants. Each engine wraps a
// tenant-scoped postgres store; all engines dispatch actions through
// the same executor so handlers are registered once, at startup.
type Manager struct {
	db       *sql.DB
	executor *flowrules.Executor
	engines  map[string]*flowrules.Engine
	mu       sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(db *sql.DB, executor *flowrules.Executor) *Manager {
	return &Manager{
		db:       db,
		executor: executor,
		engines:  make(map[string]*flowrules.Engine),
	}
}

// LoadAllTenants initializes an engine for every tenant in the
// database. Called once at startup.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM tenants`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		if err := m.LoadTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	logger.Info("tenants loaded", "count", loaded)
	return nil
}

// LoadTenant builds a fresh engine for a tenant and installs it,
// replacing any existing engine atomically. Also used to reload a
// tenant whose rules were changed outside the engine.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) error {
	store := flowrules.NewPostgresRuleStore(m.db, tenantID)
	engine, err := flowrules.NewEngine(ctx, store, m.executor)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.engines[tenantID] = engine
	m.mu.Unlock()

	logger.Debug("tenant engine installed", "tenant", tenantID)
	return nil
}

// GetEngine retrieves the engine for a tenant.
func (m *Manager) GetEngine(tenantID string) (*flowrules.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	engine, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	return engine, nil
}

// ListTenants returns all loaded tenant IDs.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

// RemoveTenant drops a tenant's engine. The tenant's rows in the
// database are untouched; deletion semantics belong to the store.
func (m *Manager) RemoveTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	delete(m.engines, tenantID)
	return nil
}
