package scheduler

import "context"

// Driver is the subset of the cluster-manager driver the Engine consumes.
// Delivery is best-effort; the Engine must answer every offer exactly once.
// Grounded on spec.md §6; kept as a narrow local interface the way the
// teacher's scheduler.StoreInterface/ReconcilerInterface only declare the
// methods the scheduler actually calls, not the full collaborator surface.
type Driver interface {
	LaunchTasks(ctx context.Context, offerID string, tasks []TaskInfo) error
	DeclineOffer(ctx context.Context, offerID string) error
	KillTask(ctx context.Context, taskID string) error
	ReconcileTasks(ctx context.Context, statuses []TaskStatus) error
}

// AppRepository is the persistent application store consumed by the Engine.
// The core never persists AppDefinitions itself (spec.md §1 non-goal).
type AppRepository interface {
	CurrentVersion(ctx context.Context, appID string) (*AppDefinition, bool, error)
	Store(ctx context.Context, app *AppDefinition) (*AppDefinition, error)
	// Expunge removes every stored version of appID and reports a success
	// flag per version removed.
	Expunge(ctx context.Context, appID string) ([]bool, error)
	AllIDs(ctx context.Context) ([]string, error)
}

// HealthCheckManager is the health-check subsystem consumed by the Engine.
// Probing itself is out of scope (spec.md §1 non-goal); the Engine only
// tells the manager what to watch.
type HealthCheckManager interface {
	ReconcileWith(ctx context.Context, app *AppDefinition) error
	RemoveAllFor(ctx context.Context, appID string) error
}

// EventPublisher is the fire-and-forget event bus consumed by the Engine.
// Handlers never feed back into the core (spec.md §5).
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// LeadershipCoordinator is the explicit capability design note 9.1 asks for
// in place of a process-wide disconnect singleton: the Engine calls Abdicate
// when the driver reports a disconnect, asking the surrounding service to
// give up leadership so a peer may take over.
type LeadershipCoordinator interface {
	Abdicate(ctx context.Context)
}

// FrameworkIDStore persists the opaque framework id the cluster manager
// assigns at registration, so it survives process restarts and leader
// handovers and is replayed verbatim on re-registration (spec.md §6).
type FrameworkIDStore interface {
	Load(ctx context.Context) (string, bool, error)
	Save(ctx context.Context, frameworkID string) error
}

// UpdateHook is the update() integration seam spec.md's open questions call
// for: updateApp persists the new definition and reconciles health checks,
// then calls this hook. The default implementation is a no-op and does not
// propagate the change to already-running tasks.
type UpdateHook func(ctx context.Context, app *AppDefinition) error

func noopUpdateHook(context.Context, *AppDefinition) error { return nil }
