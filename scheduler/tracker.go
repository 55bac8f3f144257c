package scheduler

import (
	"sort"
	"sync"
	"time"
)

// trackedTask pairs a MarathonTask with the stage marker the tracker
// maintains independently of the cluster manager's own status history.
type trackedTask struct {
	task  MarathonTask
	stage Stage
}

// TaskTracker is the in-memory index of known tasks grouped by application.
// All mutating operations are safe under concurrent status updates and
// scaling calls for the same appID: each app gets its own mutex, created on
// demand and retired when the app's tracker entry is expunged (design note
// 9.4 — no lock is attached to a map node's identity).
type TaskTracker struct {
	locks *KeyedMutex

	mu    sync.RWMutex
	byApp map[string]map[string]*trackedTask
}

// NewTaskTracker returns an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{
		locks: NewKeyedMutex(),
		byApp: make(map[string]map[string]*trackedTask),
	}
}

// NewTaskID generates a task id carrying appID as a prefix.
func (t *TaskTracker) NewTaskID(appID string) string {
	return newTaskID(appID)
}

// Starting records intent for a task before the driver acks the launch.
func (t *TaskTracker) Starting(appID string, task MarathonTask) {
	unlock := t.locks.Lock(appID)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		tasks = make(map[string]*trackedTask)
		t.byApp[appID] = tasks
	}
	tasks[task.TaskID] = &trackedTask{task: task, stage: StageStarting}
}

// Running promotes a starting task to running. Returns the task and true on
// success, or false if the task is unknown to the tracker.
func (t *TaskTracker) Running(appID string, status TaskStatus) (MarathonTask, bool) {
	unlock := t.locks.Lock(appID)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		return MarathonTask{}, false
	}
	tt, ok := tasks[status.TaskID]
	if !ok {
		return MarathonTask{}, false
	}
	tt.stage = StageRunning
	tt.task.History = append(tt.task.History, status)
	return tt.task, true
}

// Terminated removes a task from the tracker. Returns the removed task and
// true if it was known.
func (t *TaskTracker) Terminated(appID string, status TaskStatus) (MarathonTask, bool) {
	unlock := t.locks.Lock(appID)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		return MarathonTask{}, false
	}
	tt, ok := tasks[status.TaskID]
	if !ok {
		return MarathonTask{}, false
	}
	delete(tasks, status.TaskID)
	if len(tasks) == 0 {
		delete(t.byApp, appID)
	}
	return tt.task, true
}

// StatusUpdate appends a non-terminal, non-running status to a task's
// history. Returns true if the task is known, false otherwise — the caller
// is expected to kill unknown tasks via the driver.
func (t *TaskTracker) StatusUpdate(appID string, status TaskStatus) bool {
	unlock := t.locks.Lock(appID)
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		return false
	}
	tt, ok := tasks[status.TaskID]
	if !ok {
		return false
	}
	tt.task.History = append(tt.task.History, status)
	return true
}

// StagedTask describes a task that has sat in a pre-running stage past the
// configured grace window.
type StagedTask struct {
	AppID string
	Task  MarathonTask
}

// CheckStagedTasks returns every tracked task that has remained in
// StageStarting longer than grace. The Engine is expected to kill these.
func (t *TaskTracker) CheckStagedTasks(grace time.Duration) []StagedTask {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	var stuck []StagedTask
	for appID, tasks := range t.byApp {
		for _, tt := range tasks {
			if tt.stage != StageStarting {
				continue
			}
			if tt.task.StartedAt.IsZero() {
				continue
			}
			if now.Sub(tt.task.StartedAt) > grace {
				stuck = append(stuck, StagedTask{AppID: appID, Task: tt.task})
			}
		}
	}
	return stuck
}

// Get returns the task with taskID for appID, if known.
func (t *TaskTracker) Get(appID, taskID string) (MarathonTask, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		return MarathonTask{}, false
	}
	tt, ok := tasks[taskID]
	if !ok {
		return MarathonTask{}, false
	}
	return tt.task, true
}

// Count returns the number of tasks currently tracked for appID.
func (t *TaskTracker) Count(appID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byApp[appID])
}

// Contains reports whether appID has any tracked tasks.
func (t *TaskTracker) Contains(appID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byApp[appID]
	return ok
}

// Take selects n tasks for appID using the scale-down policy: youngest
// first, so that older, presumably healthier tasks survive a scale-down.
func (t *TaskTracker) Take(appID string, n int) []MarathonTask {
	if n <= 0 {
		return nil
	}
	t.mu.RLock()
	tasks, ok := t.byApp[appID]
	if !ok {
		t.mu.RUnlock()
		return nil
	}
	all := make([]MarathonTask, 0, len(tasks))
	for _, tt := range tasks {
		all = append(all, tt.task)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// PartitionOldest splits appID's tracked tasks into the oldest len-keepAlive
// of them (by StartedAt ascending) and the keepAlive newest survivors. Used
// by the upgrade coordinator's health-checked restart (spec.md §4.7) to
// snapshot the kill set and the replace set in one pass, so the two are
// always disjoint and their union is the full tracked set (spec.md §8.5).
func (t *TaskTracker) PartitionOldest(appID string, keepAlive int) (toKill, survivors []MarathonTask) {
	t.mu.RLock()
	tasks, ok := t.byApp[appID]
	if !ok {
		t.mu.RUnlock()
		return nil, nil
	}
	all := make([]MarathonTask, 0, len(tasks))
	for _, tt := range tasks {
		all = append(all, tt.task)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.Before(all[j].StartedAt)
	})
	if keepAlive < 0 {
		keepAlive = 0
	}
	if keepAlive > len(all) {
		keepAlive = len(all)
	}
	cut := len(all) - keepAlive
	return all[:cut], all[cut:]
}

// List returns every tracked task across all apps.
func (t *TaskTracker) List() []MarathonTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var all []MarathonTask
	for _, tasks := range t.byApp {
		for _, tt := range tasks {
			all = append(all, tt.task)
		}
	}
	return all
}

// ListApp returns every tracked task for a single appID.
func (t *TaskTracker) ListApp(appID string) []MarathonTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tasks, ok := t.byApp[appID]
	if !ok {
		return nil
	}
	all := make([]MarathonTask, 0, len(tasks))
	for _, tt := range tasks {
		all = append(all, tt.task)
	}
	return all
}

// AppIDs returns every app id with at least one tracked task.
func (t *TaskTracker) AppIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.byApp))
	for id := range t.byApp {
		ids = append(ids, id)
	}
	return ids
}

// ShutDown clears the tracked tasks for appID without forgetting the app's
// per-app lock (a subsequent scale can still reuse it).
func (t *TaskTracker) ShutDown(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byApp, appID)
}

// Expunge clears tracked tasks for appID and retires its per-app lock.
func (t *TaskTracker) Expunge(appID string) {
	t.mu.Lock()
	delete(t.byApp, appID)
	t.mu.Unlock()
	t.locks.Retire(appID)
}
