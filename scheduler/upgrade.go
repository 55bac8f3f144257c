package scheduler

import (
	"context"
	"log"

	"github.com/hgschmie/marathon/metrics"
)

// UpgradeCoordinator orchestrates app restarts and rolling upgrades. It
// owns scaling for an app for the duration of an upgrade (the Engine's
// scale(app) becomes a no-op for that appID via scalingApps) and composes
// independent kill/start/replace phases with Result/And (design note 9.2/9.3).
//
// Upgrade dispatches on keepAlive and the app's health checks per spec.md
// §4.7: keepAlive == 0 always takes the immediate path (kill everything,
// start app.Instances fresh); keepAlive > 0 requires health checks to know
// when a replacement is actually healthy, and fails the upgrade outright
// if none are configured.
type UpgradeCoordinator struct {
	engine *Engine
}

// NewUpgradeCoordinator binds a coordinator to its owning engine.
func NewUpgradeCoordinator(e *Engine) *UpgradeCoordinator {
	return &UpgradeCoordinator{engine: e}
}

// Upgrade drives app to a fully replaced fleet of app.Instances tasks at
// app's version. It returns a Result that completes once the chosen
// strategy's phases have all resolved.
//
// keepAlive is the number of currently running instances to leave in place
// untouched until their replacements are confirmed; it must be between 0
// and app.Instances inclusive, and the upgrade fails immediately if it is
// not (spec.md's "invalid combination" edge case).
func (u *UpgradeCoordinator) Upgrade(ctx context.Context, app *AppDefinition, keepAlive int) *Result {
	result := NewResult()

	if keepAlive < 0 || keepAlive > app.Instances {
		log.Printf("marathon: upgrade(%s): invalid keepAlive %d for %d instances", app.ID, keepAlive, app.Instances)
		metrics.UpgradeOutcomes.WithLabelValues("failed").Inc()
		u.engine.publish(ctx, RestartFailedEvent(app.ID, "invalid keepAlive for target instance count"))
		result.Complete(false)
		return result
	}
	if keepAlive > 0 && len(app.HealthChecks) == 0 {
		log.Printf("marathon: upgrade(%s): keepAlive %d requires health checks", app.ID, keepAlive)
		metrics.UpgradeOutcomes.WithLabelValues("failed").Inc()
		u.engine.publish(ctx, RestartFailedEvent(app.ID, "keepAlive > 0 requires app.HealthChecks to be set"))
		result.Complete(false)
		return result
	}

	appID := app.ID
	u.engine.beginScalingApp(appID)

	// Kill and start are issued synchronously so that, by the time Upgrade
	// returns, the replacement instances are already queued and any
	// matching ResourceOffers call can pick them up. Only waiting for the
	// barriers (and, for the health-checked path, the replace rollout) to
	// resolve happens off the caller's goroutine.
	var phase *Result
	if keepAlive == 0 {
		phase = u.immediateRestart(ctx, app)
	} else {
		phase = u.restartWithHealthChecks(ctx, app, keepAlive)
	}

	go func() {
		defer u.engine.endScalingApp(appID)

		ok := phase.Wait()
		if ok {
			metrics.UpgradeOutcomes.WithLabelValues("success").Inc()
			u.engine.publish(ctx, RestartSuccessEvent(appID))
		} else {
			metrics.UpgradeOutcomes.WithLabelValues("failed").Inc()
			u.engine.publish(ctx, RestartFailedEvent(appID, "one or more replacement tasks failed to reach running"))
		}
		result.Complete(ok)
	}()

	return result
}

// immediateRestart is spec.md §4.7's keepAlive == 0 branch: every currently
// tracked instance is killed and app.Instances fresh ones are started, with
// no attempt to keep any of the old version alive in the interim.
func (u *UpgradeCoordinator) immediateRestart(ctx context.Context, app *AppDefinition) *Result {
	current := u.engine.tracker.ListApp(app.ID)
	killed := u.killTasks(ctx, current)
	started := u.start(ctx, app, app.Instances)
	return And(killed, started)
}

// restartWithHealthChecks is spec.md §4.7's keepAlive > 0 branch: the
// oldest total-keepAlive tracked tasks are killed immediately, app.Instances
// new instances are started, and the keepAlive newest survivors are rolled
// out by the replace worker as those new instances reach RUNNING.
// PartitionOldest snapshots the kill and replace sets together so they are
// disjoint and their union is the initial tracked set (spec.md §8.5).
func (u *UpgradeCoordinator) restartWithHealthChecks(ctx context.Context, app *AppDefinition, keepAlive int) *Result {
	toKill, survivors := u.engine.tracker.PartitionOldest(app.ID, keepAlive)

	killed := u.killTasks(ctx, toKill)
	started := u.start(ctx, app, app.Instances)
	replaced := u.replace(ctx, app, survivors)

	return And(killed, started, replaced)
}

// killTasks asks the driver to kill every given task and returns a Result
// that completes true once all the kill requests have been issued. Killing
// is fire-and-forget from the cluster manager's perspective — this phase
// only tracks that the requests were issued, not that they were
// acknowledged; actual removal from the TaskTracker happens later via the
// status-update lifecycle.
func (u *UpgradeCoordinator) killTasks(ctx context.Context, tasks []MarathonTask) *Result {
	result := NewResult()
	if len(tasks) == 0 {
		result.Complete(true)
		return result
	}

	driver := u.engine.currentDriver()
	for _, task := range tasks {
		if driver == nil {
			continue
		}
		if err := driver.KillTask(ctx, task.TaskID); err != nil {
			log.Printf("marathon: upgrade kill of %s failed: %v", task.TaskID, err)
		}
	}
	result.Complete(true)
	return result
}

// replace hands survivors to a replaceWorker and returns a Result that
// completes once every one of them has been rolled out (spec.md §4.7's
// Replace Actor, design note 9.2).
func (u *UpgradeCoordinator) replace(ctx context.Context, app *AppDefinition, survivors []MarathonTask) *Result {
	result := NewResult()
	worker := newReplaceWorker(u.engine, app.ID, survivors)
	go func() {
		result.Complete(worker.run(ctx))
	}()
	return result
}

// start enqueues count instances of app's new version and returns a Result
// that completes true once count TASK_RUNNING updates have arrived, or false
// as soon as a single TASK_FAILED arrives first, via a pair of
// StartupCallbackManager barriers (spec.md §4.7).
func (u *UpgradeCoordinator) start(ctx context.Context, app *AppDefinition, count int) *Result {
	result := NewResult()
	if count <= 0 {
		result.Complete(true)
		return result
	}

	u.engine.callbacks.Add(app.ID, TaskRunning, count, func(success bool) {
		result.Complete(success)
	})
	u.engine.callbacks.Add(app.ID, TaskFailed, 1, func(success bool) {
		// Any single failure during the start phase fails the whole batch
		// and cancels the app's pending TaskRunning barriers. Complete keeps
		// only the first outcome, so this has no effect on result if the
		// TaskRunning barrier already reached its count.
		result.Complete(false)
		u.engine.callbacks.Remove(app.ID, TaskRunning)
	})

	u.engine.queue.AddAll(app, count)
	return result
}
