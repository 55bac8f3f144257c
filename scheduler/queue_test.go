package scheduler

import "testing"

func TestTaskQueueFIFOOrder(t *testing.T) {
	q := NewTaskQueue()
	a := &AppDefinition{ID: "a"}
	b := &AppDefinition{ID: "b"}
	q.Add(a)
	q.Add(b)
	q.Add(a)

	got := q.RemoveAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "a" {
		t.Fatalf("expected FIFO order a,b,a; got %v,%v,%v", got[0].ID, got[1].ID, got[2].ID)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained, got len %d", q.Len())
	}
}

func TestTaskQueueRemoveAllEmptyReturnsNil(t *testing.T) {
	q := NewTaskQueue()
	if got := q.RemoveAll(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestTaskQueueAddAllAndCount(t *testing.T) {
	q := NewTaskQueue()
	app := &AppDefinition{ID: "web"}
	q.AddAll(app, 3)
	if q.Count("web") != 3 {
		t.Fatalf("expected count 3, got %d", q.Count("web"))
	}
	q.AddAll(app, 0)
	if q.Count("web") != 3 {
		t.Fatalf("AddAll with n=0 should not add entries")
	}
}

func TestTaskQueuePurge(t *testing.T) {
	q := NewTaskQueue()
	a := &AppDefinition{ID: "a"}
	b := &AppDefinition{ID: "b"}
	q.AddAll(a, 2)
	q.AddAll(b, 2)
	q.Purge("a")

	if q.Count("a") != 0 {
		t.Fatalf("expected a purged, count %d", q.Count("a"))
	}
	if q.Count("b") != 2 {
		t.Fatalf("expected b untouched, count %d", q.Count("b"))
	}
}
