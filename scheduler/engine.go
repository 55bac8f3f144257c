package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/hgschmie/marathon/metrics"
)

// EngineConfig bundles tunables the Engine needs beyond its collaborators.
type EngineConfig struct {
	// StagingGrace is how long a task may sit in a pre-running stage before
	// CheckStagedTasks reports it as stuck.
	StagingGrace time.Duration
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{StagingGrace: 5 * time.Minute}
}

// Engine is the top-level Scheduler Engine: it wires TaskQueue, TaskTracker,
// RateLimiter, StartupCallbackManager and TaskBuilder to the external Driver
// and emits domain events. See spec.md §4.6.
type Engine struct {
	cfg EngineConfig

	queue     *TaskQueue
	tracker   *TaskTracker
	limiter   *RateLimiter
	callbacks *StartupCallbackManager
	builder   TaskBuilder

	repo         AppRepository
	health       HealthCheckManager
	events       EventPublisher
	coordinator  LeadershipCoordinator
	updateHook   UpdateHook
	frameworkIDs FrameworkIDStore

	driverMu sync.RWMutex
	driver   Driver

	// offerMu serializes resourceOffers invocations: the drain+match+
	// re-enqueue sequence for one offer batch must not interleave with
	// another (spec.md §5).
	offerMu sync.Mutex

	appLocks *KeyedMutex

	scalingMu   sync.Mutex
	scalingApps map[string]bool

	upgrades *UpgradeCoordinator
}

// NewEngine wires the Engine's collaborators. updateHook may be nil, in
// which case updateApp's integration seam is a no-op (spec.md open
// questions).
func NewEngine(
	repo AppRepository,
	health HealthCheckManager,
	events EventPublisher,
	coordinator LeadershipCoordinator,
	updateHook UpdateHook,
	cfg EngineConfig,
) *Engine {
	if updateHook == nil {
		updateHook = noopUpdateHook
	}
	tracker := NewTaskTracker()
	e := &Engine{
		cfg:         cfg,
		queue:       NewTaskQueue(),
		tracker:     tracker,
		limiter:     NewRateLimiter(),
		callbacks:   NewStartupCallbackManager(),
		builder:     NewDefaultTaskBuilder(tracker.NewTaskID),
		repo:        repo,
		health:      health,
		events:      events,
		coordinator: coordinator,
		updateHook:  updateHook,
		appLocks:    NewKeyedMutex(),
		scalingApps: make(map[string]bool),
	}
	e.upgrades = NewUpgradeCoordinator(e)
	return e
}

// SetBuilder overrides the default TaskBuilder, primarily for tests.
func (e *Engine) SetBuilder(b TaskBuilder) { e.builder = b }

// SetFrameworkIDStore installs the collaborator Registered/Reregistered
// persist the framework id through. Optional; with none installed the
// framework id is accepted but not durably remembered across restarts.
func (e *Engine) SetFrameworkIDStore(s FrameworkIDStore) { e.frameworkIDs = s }

// SetDriver installs the active driver, called from the registered/
// reregistered callbacks.
func (e *Engine) SetDriver(d Driver) {
	e.driverMu.Lock()
	defer e.driverMu.Unlock()
	e.driver = d
}

func (e *Engine) currentDriver() Driver {
	e.driverMu.RLock()
	defer e.driverMu.RUnlock()
	return e.driver
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, ev)
}

// ---- offer loop (spec.md §4.6 offerResponse) ----

// ResourceOffers answers every offer in the batch exactly once: it first
// kills tasks stuck in staging, then for each offer drains the queue,
// launches at most one task on the first matching app, and re-queues the
// rest. Any error handling a single offer results in a decline for that
// offer only; the method always answers every offer.
func (e *Engine) ResourceOffers(ctx context.Context, offers []Offer) {
	e.offerMu.Lock()
	defer e.offerMu.Unlock()

	driver := e.currentDriver()
	if driver == nil {
		log.Printf("marathon: resourceOffers called with no driver installed, leaving %d offers unanswered", len(offers))
		return
	}

	for _, stuck := range e.tracker.CheckStagedTasks(e.cfg.StagingGrace) {
		metrics.TasksKilled.WithLabelValues("stuck_staging").Inc()
		if err := driver.KillTask(ctx, stuck.Task.TaskID); err != nil {
			log.Printf("marathon: best-effort kill of staged task %s failed: %v", stuck.Task.TaskID, err)
		}
	}

	for _, offer := range offers {
		e.answerOffer(ctx, driver, offer)
	}
}

func (e *Engine) answerOffer(ctx context.Context, driver Driver, offer Offer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("marathon: panic handling offer %s, declining: %v", offer.ID, r)
			if err := driver.DeclineOffer(ctx, offer.ID); err != nil {
				log.Printf("marathon: decline of offer %s also failed: %v", offer.ID, err)
			}
		}
	}()

	apps := e.queue.RemoveAll()
	if len(apps) == 0 {
		metrics.OffersAnswered.WithLabelValues("declined").Inc()
		if err := driver.DeclineOffer(ctx, offer.ID); err != nil {
			log.Printf("marathon: decline of offer %s failed: %v", offer.ID, err)
		}
		return
	}

	matchedIdx := -1
	var matchedInfo TaskInfo
	for i, app := range apps {
		info, ok := e.builder.BuildIfMatches(app, offer)
		if ok {
			matchedIdx = i
			matchedInfo = info
			break
		}
	}

	if matchedIdx == -1 {
		e.queue.requeueAll(apps)
		metrics.OffersAnswered.WithLabelValues("declined").Inc()
		if err := driver.DeclineOffer(ctx, offer.ID); err != nil {
			log.Printf("marathon: decline of offer %s failed: %v", offer.ID, err)
		}
		return
	}

	matchedApp := apps[matchedIdx]
	e.tracker.Starting(matchedApp.ID, MarathonTask{
		TaskID:    matchedInfo.TaskID,
		AppID:     matchedApp.ID,
		Version:   matchedApp.Version,
		Host:      matchedInfo.Host,
		Ports:     matchedInfo.Ports,
		StartedAt: time.Now(),
	})

	rest := make([]*AppDefinition, 0, len(apps)-1)
	rest = append(rest, apps[:matchedIdx]...)
	rest = append(rest, apps[matchedIdx+1:]...)
	e.queue.requeueAll(rest)

	metrics.OffersAnswered.WithLabelValues("launched").Inc()
	metrics.TrackedTasks.WithLabelValues(matchedApp.ID).Set(float64(e.tracker.Count(matchedApp.ID)))
	if err := driver.LaunchTasks(ctx, offer.ID, []TaskInfo{matchedInfo}); err != nil {
		log.Printf("marathon: launch on offer %s failed: %v", offer.ID, err)
	}
}

// requeueAll re-appends apps to the queue preserving relative order.
func (q *TaskQueue) requeueAll(apps []*AppDefinition) {
	if len(apps) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, apps...)
}

// ---- status update handler (spec.md §4.6 statusUpdate) ----

// StatusUpdate dispatches a single task-status event, mutating the tracker,
// emitting events, and instructing the driver as spec.md §4.6 describes.
func (e *Engine) StatusUpdate(ctx context.Context, status TaskStatus) {
	driver := e.currentDriver()
	appID, ok := AppIDFromTaskID(status.TaskID)
	if !ok {
		log.Printf("marathon: status update for malformed task id %q ignored", status.TaskID)
		return
	}

	metrics.StatusUpdates.WithLabelValues(string(status.State)).Inc()

	switch {
	case status.State.IsTerminal():
		task, known := e.tracker.Terminated(appID, status)
		if known {
			e.publish(ctx, TaskStatusUpdateEvent(appID, task, status))
			if e.limiter.TryAcquire(appID) {
				go e.scaleByID(context.Background(), appID)
			} else {
				log.Printf("marathon: scale after loss of %s throttled for app %s", status.TaskID, appID)
			}
		}

	case status.State == TaskRunning:
		task, known := e.tracker.Running(appID, status)
		if known {
			e.publish(ctx, TaskStatusUpdateEvent(appID, task, status))
		} else if driver != nil {
			metrics.TasksKilled.WithLabelValues("unknown").Inc()
			if err := driver.KillTask(ctx, status.TaskID); err != nil {
				log.Printf("marathon: kill of unobservable running task %s failed: %v", status.TaskID, err)
			}
		}

	case status.State == TaskStaging && !e.tracker.Contains(appID):
		if driver != nil {
			metrics.TasksKilled.WithLabelValues("unknown").Inc()
			if err := driver.KillTask(ctx, status.TaskID); err != nil {
				log.Printf("marathon: kill of staging task %s for unknown app failed: %v", status.TaskID, err)
			}
		}

	default:
		if !e.tracker.StatusUpdate(appID, status) && driver != nil {
			metrics.TasksKilled.WithLabelValues("unknown").Inc()
			if err := driver.KillTask(ctx, status.TaskID); err != nil {
				log.Printf("marathon: kill of unknown task %s failed: %v", status.TaskID, err)
			}
		}
	}

	e.callbacks.Countdown(appID, status.State)
}

// ---- control API (spec.md §4.6 control operations) ----

// StartApp persists app, configures its rate limiter, triggers an initial
// scale, and informs the health-check collaborator.
func (e *Engine) StartApp(ctx context.Context, app *AppDefinition) error {
	if _, found, err := e.repo.CurrentVersion(ctx, app.ID); err != nil {
		return fmt.Errorf("marathon: checking existing app %s: %w", app.ID, err)
	} else if found {
		return fmt.Errorf("%w: %s", ErrAppExists, app.ID)
	}

	stored, err := e.repo.Store(ctx, app)
	if err != nil || stored == nil {
		return fmt.Errorf("%w: storing app %s: %v", ErrStorageFailure, app.ID, err)
	}

	e.limiter.SetPermits(app.ID, app.TaskRateLimit)
	e.scale(context.Background(), stored)

	if e.health != nil {
		if err := e.health.ReconcileWith(ctx, stored); err != nil {
			log.Printf("marathon: health check reconcile for %s failed: %v", app.ID, err)
		}
	}
	return nil
}

// StopApp expunges every version of appID, removes health checks, kills all
// tracked tasks, purges the queue, and shuts down the tracker entry. The
// actual tracker-entry removal happens immediately here (spec.md's
// acknowledged design TODO about deferring removal until kills are
// acknowledged is intentionally not carried into this Go port — the tracker
// entry is transient bookkeeping, not externally visible state).
func (e *Engine) StopApp(ctx context.Context, appID string) error {
	results, err := e.repo.Expunge(ctx, appID)
	if err != nil {
		return fmt.Errorf("%w: expunging app %s: %v", ErrStorageFailure, appID, err)
	}
	for _, ok := range results {
		if !ok {
			return fmt.Errorf("%w: partial expunge of app %s", ErrStorageFailure, appID)
		}
	}

	if e.health != nil {
		if err := e.health.RemoveAllFor(ctx, appID); err != nil {
			log.Printf("marathon: removing health checks for %s failed: %v", appID, err)
		}
	}

	driver := e.currentDriver()
	for _, task := range e.tracker.ListApp(appID) {
		if driver != nil {
			metrics.TasksKilled.WithLabelValues("stop_app").Inc()
			if err := driver.KillTask(ctx, task.TaskID); err != nil {
				log.Printf("marathon: kill of %s during stopApp failed: %v", task.TaskID, err)
			}
		}
	}
	e.queue.Purge(appID)
	e.tracker.ShutDown(appID)
	return nil
}

// UpdateApp loads the current version, applies patch, reconciles health
// checks, persists, and calls the update hook.
func (e *Engine) UpdateApp(ctx context.Context, appID string, patch func(*AppDefinition)) (*AppDefinition, error) {
	current, found, err := e.repo.CurrentVersion(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("marathon: loading app %s: %w", appID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAppUnknown, appID)
	}

	updated := *current
	patch(&updated)
	updated.Version = time.Now().UTC().Format(time.RFC3339Nano)

	if e.health != nil {
		if err := e.health.ReconcileWith(ctx, &updated); err != nil {
			log.Printf("marathon: health check reconcile for %s failed: %v", appID, err)
		}
	}

	stored, err := e.repo.Store(ctx, &updated)
	if err != nil || stored == nil {
		return nil, fmt.Errorf("%w: storing app %s: %v", ErrStorageFailure, appID, err)
	}

	if err := e.updateHook(ctx, stored); err != nil {
		log.Printf("marathon: update hook for %s failed: %v", appID, err)
	}
	return stored, nil
}

// ---- scaling (spec.md §4.6 scale) ----

func (e *Engine) isScaling(appID string) bool {
	e.scalingMu.Lock()
	defer e.scalingMu.Unlock()
	return e.scalingApps[appID]
}

func (e *Engine) beginScalingApp(appID string) {
	e.scalingMu.Lock()
	defer e.scalingMu.Unlock()
	e.scalingApps[appID] = true
}

func (e *Engine) endScalingApp(appID string) {
	e.scalingMu.Lock()
	defer e.scalingMu.Unlock()
	delete(e.scalingApps, appID)
}

// scale reconciles TaskQueue+TaskTracker counts for app towards
// app.Instances. It is a no-op while an upgrade owns scaling for app.ID.
func (e *Engine) scale(ctx context.Context, app *AppDefinition) {
	if e.isScaling(app.ID) {
		metrics.ScaleOperations.WithLabelValues("suppressed").Inc()
		return
	}

	unlock := e.appLocks.Lock(app.ID)
	defer unlock()

	// Re-check under the lock: an upgrade may have started between the
	// fast-path check above and acquiring the lock.
	if e.isScaling(app.ID) {
		metrics.ScaleOperations.WithLabelValues("suppressed").Inc()
		return
	}

	current := e.tracker.Count(app.ID)
	target := app.Instances

	switch {
	case target > current:
		queued := e.queue.Count(app.ID)
		need := target - current - queued
		if need > 0 {
			metrics.ScaleOperations.WithLabelValues("up").Inc()
			e.queue.AddAll(app, need)
		} else {
			metrics.ScaleOperations.WithLabelValues("noop").Inc()
			log.Printf("marathon: scale(%s): already queued enough instances", app.ID)
		}

	case target < current:
		metrics.ScaleOperations.WithLabelValues("down").Inc()
		e.queue.Purge(app.ID)
		surplus := current - target
		driver := e.currentDriver()
		for _, task := range e.tracker.Take(app.ID, surplus) {
			if driver != nil {
				metrics.TasksKilled.WithLabelValues("scale_down").Inc()
				if err := driver.KillTask(ctx, task.TaskID); err != nil {
					log.Printf("marathon: scale-down kill of %s failed: %v", task.TaskID, err)
				}
			}
		}

	default:
		metrics.ScaleOperations.WithLabelValues("noop").Inc()
	}

	metrics.QueueDepth.WithLabelValues(app.ID).Set(float64(e.queue.Count(app.ID)))
	metrics.TrackedTasks.WithLabelValues(app.ID).Set(float64(e.tracker.Count(app.ID)))
}

// scaleByID resolves the latest app version and delegates to scale.
func (e *Engine) scaleByID(ctx context.Context, appID string) {
	app, found, err := e.repo.CurrentVersion(ctx, appID)
	if err != nil {
		log.Printf("marathon: scale(%s): repository error: %v", appID, err)
		return
	}
	if !found {
		log.Printf("marathon: scale(%s): app unknown, skipping", appID)
		return
	}
	e.scale(ctx, app)
}

// UpgradeApp delegates to the UpgradeCoordinator.
func (e *Engine) UpgradeApp(ctx context.Context, app *AppDefinition, keepAlive int) *Result {
	return e.upgrades.Upgrade(ctx, app, keepAlive)
}

// ---- reconciliation (spec.md §4.6 reconcileTasks) ----

// ReconcileTasks realigns the in-memory view with the cluster manager:
// every app known to the repository is rescaled, inconsistent tracker
// entries (apps the repository no longer knows) are killed and expunged,
// and the most recent status of every surviving tracked task is submitted
// to the driver in one batch.
func (e *Engine) ReconcileTasks(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := e.repo.AllIDs(ctx)
	if err != nil {
		log.Printf("marathon: reconcileTasks: enumerating repository failed, skipping: %v", err)
		return
	}

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
		e.scaleByID(ctx, id)
	}

	driver := e.currentDriver()
	var statuses []TaskStatus
	for _, appID := range e.tracker.AppIDs() {
		if known[appID] {
			for _, task := range e.tracker.ListApp(appID) {
				if len(task.History) > 0 {
					statuses = append(statuses, task.History[len(task.History)-1])
				}
			}
			continue
		}

		log.Printf("marathon: reconcileTasks: app %s tracked but absent from repository, expunging", appID)
		for _, task := range e.tracker.ListApp(appID) {
			if driver != nil {
				metrics.TasksKilled.WithLabelValues("reconcile_orphan").Inc()
				if err := driver.KillTask(ctx, task.TaskID); err != nil {
					log.Printf("marathon: reconcileTasks: kill of %s failed: %v", task.TaskID, err)
				}
			}
		}
		e.tracker.Expunge(appID)
	}

	if driver != nil && len(statuses) > 0 {
		if err := driver.ReconcileTasks(ctx, statuses); err != nil {
			log.Printf("marathon: reconcileTasks: driver reconciliation call failed: %v", err)
		}
	}
}

// ---- driver lifecycle callbacks (spec.md §6) ----

// Registered handles the driver's initial registration callback: it
// installs driver as the active driver and persists frameworkID, the
// opaque token the cluster manager wants replayed on any later
// re-registration.
func (e *Engine) Registered(ctx context.Context, driver Driver, frameworkID string) {
	e.SetDriver(driver)
	if e.frameworkIDs == nil {
		return
	}
	if err := e.frameworkIDs.Save(ctx, frameworkID); err != nil {
		log.Printf("marathon: persisting framework id failed: %v", err)
	}
}

// Reregistered handles the driver's re-registration callback: the driver
// is installed again and a reconciliation pass is kicked off, since the
// engine's view of the cluster may now be stale.
func (e *Engine) Reregistered(ctx context.Context, driver Driver) {
	e.SetDriver(driver)
	go e.ReconcileTasks(ctx)
}

// OfferRescinded drops any bookkeeping tied to offerID. The Engine never
// holds offers past a single ResourceOffers call, so there is nothing to
// release beyond logging the event for operators.
func (e *Engine) OfferRescinded(ctx context.Context, offerID string) {
	log.Printf("marathon: offer %s rescinded", offerID)
}

// FrameworkMessage republishes an executor-originated message on the event
// bus; the Engine itself does not interpret message payloads.
func (e *Engine) FrameworkMessage(ctx context.Context, executorID, slaveID string, payload []byte) {
	e.publish(ctx, FrameworkMessageEvent(executorID, slaveID, payload))
}

// SlaveLost logs the loss; any tasks it was running surface individually
// through ordinary TASK_LOST status updates, which StatusUpdate already
// handles.
func (e *Engine) SlaveLost(ctx context.Context, slaveID string) {
	log.Printf("marathon: slave %s lost", slaveID)
}

// ExecutorLost logs the loss; affected tasks are reconciled the same way
// as SlaveLost, through their own status updates.
func (e *Engine) ExecutorLost(ctx context.Context, executorID, slaveID string, status int) {
	log.Printf("marathon: executor %s on slave %s lost, status %d", executorID, slaveID, status)
}

// Disconnected surfaces a disconnect to the surrounding service via the
// injected LeadershipCoordinator; the Engine makes no further driver calls
// until re-registration.
func (e *Engine) Disconnected(ctx context.Context) {
	e.SetDriver(nil)
	if e.coordinator != nil {
		e.coordinator.Abdicate(ctx)
	}
}

// AppSnapshot is one app's view within Snapshot.
type AppSnapshot struct {
	AppID        string   `json:"appId"`
	QueuedCount  int      `json:"queuedCount"`
	TrackedCount int      `json:"trackedCount"`
	TaskIDs      []string `json:"taskIds"`
	Upgrading    bool     `json:"upgrading"`
}

// Snapshot returns a point-in-time view of every app the tracker or queue
// currently knows about, for the debug inspection endpoint.
func (e *Engine) Snapshot() []AppSnapshot {
	seen := make(map[string]bool)
	for _, appID := range e.tracker.AppIDs() {
		seen[appID] = true
	}

	e.queue.mu.Lock()
	for _, app := range e.queue.entries {
		seen[app.ID] = true
	}
	e.queue.mu.Unlock()

	e.scalingMu.Lock()
	for appID := range e.scalingApps {
		seen[appID] = true
	}
	e.scalingMu.Unlock()

	out := make([]AppSnapshot, 0, len(seen))
	for appID := range seen {
		tasks := e.tracker.ListApp(appID)
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.TaskID)
		}
		out = append(out, AppSnapshot{
			AppID:        appID,
			QueuedCount:  e.queue.Count(appID),
			TrackedCount: len(tasks),
			TaskIDs:      ids,
			Upgrading:    e.isScaling(appID),
		})
	}
	return out
}

// FatalError logs msg and schedules process self-termination asynchronously
// so shutdown hooks can run, off the calling goroutine to avoid deadlocking
// with process shutdown (spec.md §5, §7).
func (e *Engine) FatalError(msg string) {
	log.Printf("marathon: fatal driver error, scheduling shutdown: %s", msg)
	go func() {
		time.Sleep(0)
		os.Exit(1)
	}()
}
