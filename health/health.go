// Package health implements scheduler.HealthCheckManager. Probing tasks
// over HTTP/TCP/command is out of scope (spec non-goal); this package only
// tracks which apps have health checks configured, the seam the scheduler
// core calls into.
package health

import (
	"context"
	"sync"

	"github.com/hgschmie/marathon/scheduler"
)

// Manager is a no-op HealthCheckManager that records the health check
// definitions it was asked to watch, for inspection by a future prober.
type Manager struct {
	mu    sync.RWMutex
	byApp map[string][]scheduler.HealthCheck
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{byApp: make(map[string][]scheduler.HealthCheck)}
}

// ReconcileWith implements scheduler.HealthCheckManager.
func (m *Manager) ReconcileWith(ctx context.Context, app *scheduler.AppDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(app.HealthChecks) == 0 {
		delete(m.byApp, app.ID)
		return nil
	}
	m.byApp[app.ID] = app.HealthChecks
	return nil
}

// RemoveAllFor implements scheduler.HealthCheckManager.
func (m *Manager) RemoveAllFor(ctx context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byApp, appID)
	return nil
}

// Watching reports the health checks currently tracked for appID.
func (m *Manager) Watching(appID string) []scheduler.HealthCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byApp[appID]
}

var _ scheduler.HealthCheckManager = (*Manager)(nil)
