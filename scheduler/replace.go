package scheduler

import (
	"context"
	"log"
	"sync"
)

// replaceWorker is the Replace Actor of spec.md §4.7 / design note 9.2: it
// rolls the keepAlive survivors of a health-checked restart out one at a
// time, pairing each survivor's kill with one new instance reaching
// RUNNING. The survivor set is snapshotted by TaskTracker.PartitionOldest
// before any kill is issued, so it never overlaps the set passed to kill
// (spec.md §8.5).
type replaceWorker struct {
	engine    *Engine
	appID     string
	survivors []MarathonTask
}

func newReplaceWorker(engine *Engine, appID string, survivors []MarathonTask) *replaceWorker {
	return &replaceWorker{engine: engine, appID: appID, survivors: survivors}
}

// run kills one survivor for every subsequent new instance that reaches
// RUNNING, in survivor order, and reports true once all of them have been
// replaced. It aborts and returns false the moment any new instance fails
// to start, leaving the remaining survivors in place.
func (w *replaceWorker) run(ctx context.Context) bool {
	if len(w.survivors) == 0 {
		return true
	}

	aborted := make(chan struct{})
	var once sync.Once
	w.engine.callbacks.Add(w.appID, TaskFailed, 1, func(success bool) {
		once.Do(func() { close(aborted) })
	})

	driver := w.engine.currentDriver()
	for _, survivor := range w.survivors {
		notify := make(chan bool, 1)
		w.engine.callbacks.Add(w.appID, TaskRunning, 1, func(success bool) {
			notify <- success
		})

		select {
		case success := <-notify:
			if !success {
				return false
			}
		case <-aborted:
			return false
		}

		if driver == nil {
			continue
		}
		if err := driver.KillTask(ctx, survivor.TaskID); err != nil {
			log.Printf("marathon: replace kill of survivor %s failed: %v", survivor.TaskID, err)
		}
	}
	return true
}
