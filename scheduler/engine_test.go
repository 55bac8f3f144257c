package scheduler

import (
	"context"
	"testing"
	"time"
)

func testApp(id string, instances int) *AppDefinition {
	return &AppDefinition{
		ID:        id,
		Instances: instances,
		CPUs:      1,
		MemMB:     128,
		DiskMB:    256,
		PortCount: 1,
	}
}

func TestEngineStartAppQueuesInstances(t *testing.T) {
	e, _, repo, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 2)

	if err := e.StartApp(ctx, app); err != nil {
		t.Fatalf("StartApp failed: %v", err)
	}
	if e.queue.Count("web") != 2 {
		t.Fatalf("expected 2 queued instances, got %d", e.queue.Count("web"))
	}
	if _, found, _ := repo.CurrentVersion(ctx, "web"); !found {
		t.Fatal("expected app persisted")
	}
}

func TestEngineStartAppRejectsDuplicate(t *testing.T) {
	e, _, _, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 1)
	if err := e.StartApp(ctx, app); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.StartApp(ctx, app); err == nil {
		t.Fatal("expected second StartApp for same id to fail")
	}
}

func TestEngineResourceOffersMatchesAndLaunches(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 1)
	if err := e.StartApp(ctx, app); err != nil {
		t.Fatalf("StartApp failed: %v", err)
	}

	offer := Offer{ID: "o1", Host: "h1", CPUs: 2, MemMB: 1024, DiskMB: 2048, PortRanges: []PortRange{{Begin: 10000, End: 10005}}}
	e.ResourceOffers(ctx, []Offer{offer})

	if driver.launchedCount() != 1 {
		t.Fatalf("expected 1 launched task, got %d", driver.launchedCount())
	}
	if e.tracker.Count("web") != 1 {
		t.Fatalf("expected tracker to record 1 task, got %d", e.tracker.Count("web"))
	}
	if e.queue.Count("web") != 0 {
		t.Fatalf("expected queue drained for matched app, got %d", e.queue.Count("web"))
	}
}

func TestEngineResourceOffersDeclinesWhenQueueEmpty(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	e.ResourceOffers(context.Background(), []Offer{{ID: "o1", CPUs: 1, MemMB: 1, DiskMB: 1}})
	if driver.declinedCount() != 1 {
		t.Fatalf("expected offer declined, got %d declines", driver.declinedCount())
	}
}

func TestEngineResourceOffersDeclinesWhenNoAppMatches(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 1)
	app.CPUs = 64
	if err := e.StartApp(ctx, app); err != nil {
		t.Fatalf("StartApp failed: %v", err)
	}
	e.ResourceOffers(ctx, []Offer{{ID: "o1", CPUs: 1, MemMB: 1024, DiskMB: 1024}})
	if driver.declinedCount() != 1 {
		t.Fatal("expected decline when no app fits the offer")
	}
	if e.queue.Count("web") != 1 {
		t.Fatal("expected unmatched app requeued")
	}
}

func TestEngineStatusUpdateRunningUnknownTaskKilled(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	e.StatusUpdate(context.Background(), TaskStatus{TaskID: "web.ghost", State: TaskRunning})
	if driver.killedCount() != 1 {
		t.Fatalf("expected unobservable running task to be killed, got %d kills", driver.killedCount())
	}
}

func TestEngineStatusUpdateRunningKnownPublishesEvent(t *testing.T) {
	e, _, _, events := newTestEngine()
	e.tracker.Starting("web", MarathonTask{TaskID: "web.1", AppID: "web", StartedAt: time.Now()})
	e.StatusUpdate(context.Background(), TaskStatus{TaskID: "web.1", State: TaskRunning})

	found := false
	for _, ev := range events.all() {
		if ev.Kind == EventTaskStatusUpdate && ev.TaskID == "web.1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected TASK_STATUS_UPDATE event published")
	}
}

func TestEngineStopAppKillsAndPurges(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 1)
	if err := e.StartApp(ctx, app); err != nil {
		t.Fatalf("StartApp failed: %v", err)
	}
	e.tracker.Starting("web", MarathonTask{TaskID: "web.1", AppID: "web"})

	if err := e.StopApp(ctx, "web"); err != nil {
		t.Fatalf("StopApp failed: %v", err)
	}
	if driver.killedCount() != 1 {
		t.Fatalf("expected running task killed on stop, got %d", driver.killedCount())
	}
	if e.queue.Count("web") != 0 {
		t.Fatal("expected queue purged on stop")
	}
	if e.tracker.Contains("web") {
		t.Fatal("expected tracker entry cleared on stop")
	}
}

func TestEngineScaleDownKillsSurplus(t *testing.T) {
	e, driver, repo, _ := newTestEngine()
	ctx := context.Background()
	app := testApp("web", 3)
	repo.Store(ctx, app)
	for i := 0; i < 3; i++ {
		e.tracker.Starting("web", MarathonTask{TaskID: "web.t" + string(rune('0'+i)), AppID: "web", StartedAt: time.Now()})
	}

	app.Instances = 1
	e.scale(ctx, app)

	if driver.killedCount() != 2 {
		t.Fatalf("expected 2 surplus tasks killed, got %d", driver.killedCount())
	}
}

func TestEngineReconcileExpungesUntrackedApp(t *testing.T) {
	e, driver, _, _ := newTestEngine()
	ctx := context.Background()
	// Tracker knows about "ghost" but the repository does not.
	e.tracker.Starting("ghost", MarathonTask{TaskID: "ghost.1", AppID: "ghost"})

	e.ReconcileTasks(ctx)

	if driver.killedCount() != 1 {
		t.Fatalf("expected orphaned task killed during reconcile, got %d", driver.killedCount())
	}
	if e.tracker.Contains("ghost") {
		t.Fatal("expected orphaned app expunged from tracker")
	}
}

func TestEngineRegisteredPersistsFrameworkID(t *testing.T) {
	e, _, _, _ := newTestEngine()
	store := &fakeFrameworkIDStore{}
	e.SetFrameworkIDStore(store)

	newDriver := newFakeDriver()
	e.Registered(context.Background(), newDriver, "fw-123")

	if e.currentDriver() != newDriver {
		t.Fatal("expected Registered to install the new driver")
	}
	got, found, _ := store.Load(context.Background())
	if !found || got != "fw-123" {
		t.Fatalf("expected framework id fw-123 persisted, got %q found=%v", got, found)
	}
}

func TestEngineReregisteredTriggersReconcile(t *testing.T) {
	e, _, repo, _ := newTestEngine()
	app := testApp("web", 2)
	repo.Store(context.Background(), app)

	newDriver := newFakeDriver()
	e.Reregistered(context.Background(), newDriver)

	if e.currentDriver() != newDriver {
		t.Fatal("expected Reregistered to install the new driver")
	}

	// The reconciliation pass rescales every repository app, queueing web's
	// two instances.
	deadline := time.Now().Add(time.Second)
	for e.queue.Count("web") != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reconciliation to queue 2 instances of web, got %d", e.queue.Count("web"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineFrameworkMessagePublishesEvent(t *testing.T) {
	e, _, _, events := newTestEngine()
	e.FrameworkMessage(context.Background(), "exec-1", "slave-1", []byte("payload"))

	all := events.all()
	if len(all) != 1 || all[0].Kind != EventFrameworkMessage {
		t.Fatalf("expected a FRAMEWORK_MESSAGE event, got %+v", all)
	}
	if all[0].ExecutorID != "exec-1" || all[0].SlaveID != "slave-1" {
		t.Fatalf("unexpected event fields: %+v", all[0])
	}
}
