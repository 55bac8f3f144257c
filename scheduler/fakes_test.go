package scheduler

import (
	"context"
	"sync"
)

// fakeDriver is an in-memory Driver recording every call for assertions.
type fakeDriver struct {
	mu sync.Mutex

	launched []TaskInfo
	declined []string
	killed   []string

	killErr error
}

func newFakeDriver() *fakeDriver { return &fakeDriver{} }

func (d *fakeDriver) LaunchTasks(ctx context.Context, offerID string, tasks []TaskInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched = append(d.launched, tasks...)
	return nil
}

func (d *fakeDriver) DeclineOffer(ctx context.Context, offerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.declined = append(d.declined, offerID)
	return nil
}

func (d *fakeDriver) KillTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, taskID)
	return d.killErr
}

func (d *fakeDriver) ReconcileTasks(ctx context.Context, statuses []TaskStatus) error {
	return nil
}

func (d *fakeDriver) killedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.killed)
}

func (d *fakeDriver) launchedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launched)
}

func (d *fakeDriver) declinedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.declined)
}

// fakeRepository is an in-memory AppRepository keyed by app id, storing only
// the current version.
type fakeRepository struct {
	mu   sync.Mutex
	apps map[string]*AppDefinition
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{apps: make(map[string]*AppDefinition)}
}

func (r *fakeRepository) CurrentVersion(ctx context.Context, appID string) (*AppDefinition, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[appID]
	return app, ok, nil
}

func (r *fakeRepository) Store(ctx context.Context, app *AppDefinition) (*AppDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *app
	r.apps[app.ID] = &copied
	return &copied, nil
}

func (r *fakeRepository) Expunge(ctx context.Context, appID string) ([]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.apps[appID]
	delete(r.apps, appID)
	return []bool{ok}, nil
}

func (r *fakeRepository) AllIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeHealth is a no-op HealthCheckManager that records calls.
type fakeHealth struct {
	mu            sync.Mutex
	reconciled    int
	removedFor    []string
}

func (h *fakeHealth) ReconcileWith(ctx context.Context, app *AppDefinition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconciled++
	return nil
}

func (h *fakeHealth) RemoveAllFor(ctx context.Context, appID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removedFor = append(h.removedFor, appID)
	return nil
}

// fakeEvents collects published events for assertions.
type fakeEvents struct {
	mu     sync.Mutex
	events []Event
}

func (e *fakeEvents) Publish(ctx context.Context, event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEvents) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// fakeCoordinator records abdication requests.
type fakeCoordinator struct {
	mu         sync.Mutex
	abdicated  int
}

func (c *fakeCoordinator) Abdicate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abdicated++
}

// fakeFrameworkIDStore is an in-memory FrameworkIDStore.
type fakeFrameworkIDStore struct {
	mu    sync.Mutex
	value string
	found bool
}

func (s *fakeFrameworkIDStore) Load(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.found, nil
}

func (s *fakeFrameworkIDStore) Save(ctx context.Context, frameworkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = frameworkID
	s.found = true
	return nil
}

func newTestEngine() (*Engine, *fakeDriver, *fakeRepository, *fakeEvents) {
	repo := newFakeRepository()
	events := &fakeEvents{}
	e := NewEngine(repo, &fakeHealth{}, events, &fakeCoordinator{}, nil, DefaultEngineConfig())
	driver := newFakeDriver()
	e.SetDriver(driver)
	return e, driver, repo, events
}
