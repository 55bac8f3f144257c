package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestUpgradeCoordinatorInvalidKeepAliveFailsFast(t *testing.T) {
	e, _, _, events := newTestEngine()
	app := testApp("web", 2)

	result := e.UpgradeApp(context.Background(), app, 5)
	if result.Wait() {
		t.Fatal("expected invalid keepAlive to fail the upgrade")
	}

	found := false
	for _, ev := range events.all() {
		if ev.Kind == EventRestartFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected RESTART_FAILED event for invalid keepAlive")
	}
}

func TestUpgradeCoordinatorStartPhaseCompletesOnRunningBarrier(t *testing.T) {
	e, _, _, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 1)

	result := e.UpgradeApp(ctx, app, 0)

	// Drive the queued replacement to RUNNING as the Engine itself would via
	// ResourceOffers, then report it running.
	e.ResourceOffers(ctx, []Offer{{ID: "o1", CPUs: 2, MemMB: 1024, DiskMB: 1024, PortRanges: []PortRange{{Begin: 100, End: 105}}}})

	tasks := e.tracker.ListApp("web")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task launched by upgrade, got %d", len(tasks))
	}
	e.StatusUpdate(ctx, TaskStatus{TaskID: tasks[0].TaskID, State: TaskRunning})

	done := make(chan bool, 1)
	go func() { done <- result.Wait() }()
	select {
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upgrade result")
	case ok := <-done:
		if !ok {
			t.Fatal("expected upgrade to succeed once the replacement reaches running")
		}
	}
}

func TestUpgradeCoordinatorScaleSuppressedDuringUpgrade(t *testing.T) {
	e, _, _, _ := newTestEngine()
	app := testApp("web", 1)
	e.beginScalingApp("web")
	defer e.endScalingApp("web")

	e.scale(context.Background(), app)
	if e.queue.Count("web") != 0 {
		t.Fatal("expected scale to be suppressed while an upgrade owns the app")
	}
}

func appWithHealthChecks(id string, instances int) *AppDefinition {
	app := testApp(id, instances)
	app.HealthChecks = []HealthCheck{{Protocol: "HTTP", Path: "/health", Port: 8080}}
	return app
}

func seedTasks(e *Engine, appID string, n int) {
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		e.tracker.Starting(appID, MarathonTask{
			TaskID:    appID + ".old" + string(rune('0'+i)),
			AppID:     appID,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestUpgradeCoordinatorRejectsKeepAliveWithoutHealthChecks(t *testing.T) {
	e, driver, _, events := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 3)
	seedTasks(e, "web", 3)

	result := e.UpgradeApp(ctx, app, 2)

	if result.Wait() {
		t.Fatal("expected upgrade to fail without health checks")
	}
	if driver.killedCount() != 0 {
		t.Fatalf("expected no kills issued before the upgrade was rejected, got %d", driver.killedCount())
	}
	found := false
	for _, ev := range events.all() {
		if ev.Kind == EventRestartFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a RESTART_FAILED event")
	}
}

// TestUpgradeCoordinatorRestartWithHealthChecksScenario exercises spec.md
// §8.4: keepAlive=2, 3 running, health checks configured, instances=3 — the
// single oldest instance is killed outright, 3 new ones are started, and
// the 2 survivors are replaced one at a time as the new instances reach
// RUNNING, ending with 3 instances total, all at the new version.
func TestUpgradeCoordinatorRestartWithHealthChecksScenario(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	app := appWithHealthChecks("web", 3)
	seedTasks(e, "web", 3)

	result := e.UpgradeApp(ctx, app, 2)

	if driver.killedCount() != 1 {
		t.Fatalf("expected exactly 1 oldest instance killed up front, got %d", driver.killedCount())
	}
	if e.queue.Count("web") != 3 {
		t.Fatalf("expected 3 new instances queued, got %d", e.queue.Count("web"))
	}

	// The oldest task (old0) was already killed above; old1 and old2 are
	// the keepAlive survivors, replaced as new0/new1/new2 come up. Each
	// sleep gives the replace worker's goroutine a chance to register its
	// next single-task barrier before the matching status update arrives,
	// mirroring the real gap between a launch and its next status update.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		e.callbacks.Countdown("web", TaskRunning)
	}

	if !result.Wait() {
		t.Fatal("expected health-checked restart to succeed")
	}
	// 1 upfront kill of the oldest instance plus 2 rolling replace kills.
	if driver.killedCount() != 3 {
		t.Fatalf("expected 1 upfront kill plus 2 replace kills, got %d", driver.killedCount())
	}
}

func TestUpgradeCoordinatorRestartWithHealthChecksAbortsOnFailure(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	app := appWithHealthChecks("web", 3)
	seedTasks(e, "web", 3)

	result := e.UpgradeApp(ctx, app, 2)
	if driver.killedCount() != 1 {
		t.Fatalf("expected 1 upfront kill, got %d", driver.killedCount())
	}

	time.Sleep(20 * time.Millisecond)
	e.callbacks.Countdown("web", TaskFailed)

	if result.Wait() {
		t.Fatal("expected the upgrade to fail once a new instance fails to start")
	}
	if driver.killedCount() != 1 {
		t.Fatalf("expected no further kills once the replace rollout aborts, got %d", driver.killedCount())
	}
}
