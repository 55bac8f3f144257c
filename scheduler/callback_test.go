package scheduler

import "testing"

func TestStartupCallbackManagerFiresAfterCount(t *testing.T) {
	m := NewStartupCallbackManager()
	fired := make(chan bool, 1)
	m.Add("app", TaskRunning, 2, func(success bool) { fired <- success })

	m.Countdown("app", TaskRunning)
	select {
	case <-fired:
		t.Fatal("expected barrier not to fire before count reached")
	default:
	}

	m.Countdown("app", TaskRunning)
	select {
	case ok := <-fired:
		if !ok {
			t.Fatal("expected barrier to resolve true")
		}
	default:
		t.Fatal("expected barrier to fire after count reached")
	}
}

func TestStartupCallbackManagerZeroCountFiresImmediately(t *testing.T) {
	m := NewStartupCallbackManager()
	fired := make(chan bool, 1)
	m.Add("app", TaskRunning, 0, func(success bool) { fired <- success })
	select {
	case ok := <-fired:
		if !ok {
			t.Fatal("expected immediate resolution to be true")
		}
	default:
		t.Fatal("expected zero-count barrier to fire synchronously")
	}
}

func TestStartupCallbackManagerRemoveCancels(t *testing.T) {
	m := NewStartupCallbackManager()
	fired := make(chan bool, 1)
	m.Add("app", TaskRunning, 3, func(success bool) { fired <- success })
	m.Remove("app", TaskRunning)

	select {
	case ok := <-fired:
		if ok {
			t.Fatal("expected cancellation to resolve false")
		}
	default:
		t.Fatal("expected Remove to fire the continuation")
	}

	// Countdown after removal must not double-fire.
	m.Countdown("app", TaskRunning)
	select {
	case <-fired:
		t.Fatal("expected no further firing after removal")
	default:
	}
}

func TestStartupCallbackManagerIndependentBarriersSameKey(t *testing.T) {
	m := NewStartupCallbackManager()
	firstFired := make(chan bool, 1)
	secondFired := make(chan bool, 1)
	m.Add("app", TaskRunning, 1, func(success bool) { firstFired <- success })
	m.Add("app", TaskRunning, 2, func(success bool) { secondFired <- success })

	m.Countdown("app", TaskRunning)
	select {
	case <-firstFired:
	default:
		t.Fatal("expected first barrier to fire after one countdown")
	}
	select {
	case <-secondFired:
		t.Fatal("expected second barrier still pending")
	default:
	}

	m.Countdown("app", TaskRunning)
	select {
	case <-secondFired:
	default:
		t.Fatal("expected second barrier to fire after second countdown")
	}
}
