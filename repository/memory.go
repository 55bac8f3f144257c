// Package repository provides scheduler.AppRepository implementations: an
// in-memory store for tests and single-node deployments, and a Postgres-
// backed store for durable multi-node deployments, grounded on the
// teacher's store package (store/memory.go, store/postgres.go).
package repository

import (
	"context"
	"sync"

	"github.com/hgschmie/marathon/scheduler"
)

// Memory is a process-local scheduler.AppRepository keyed by app id,
// retaining only the current version of each app.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]*scheduler.AppDefinition
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{apps: make(map[string]*scheduler.AppDefinition)}
}

// CurrentVersion implements scheduler.AppRepository.
func (m *Memory) CurrentVersion(ctx context.Context, appID string) (*scheduler.AppDefinition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, false, nil
	}
	copied := *app
	return &copied, true, nil
}

// Store implements scheduler.AppRepository.
func (m *Memory) Store(ctx context.Context, app *scheduler.AppDefinition) (*scheduler.AppDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *app
	m.apps[app.ID] = &copied
	return &copied, nil
}

// Expunge implements scheduler.AppRepository. Memory only ever holds one
// version per app, so the result slice always has length 0 or 1.
func (m *Memory) Expunge(ctx context.Context, appID string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.apps[appID]
	if !ok {
		return nil, nil
	}
	delete(m.apps, appID)
	return []bool{true}, nil
}

// AllIDs implements scheduler.AppRepository.
func (m *Memory) AllIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.apps))
	for id := range m.apps {
		ids = append(ids, id)
	}
	return ids, nil
}

var _ scheduler.AppRepository = (*Memory)(nil)
