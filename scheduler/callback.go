package scheduler

import "sync"

// barrierResolution is the small idempotent state machine design note 9
// calls for: {Pending, Resolved(success), Resolved(failure)}. Once resolved
// either way, further transitions are no-ops.
type barrierResolution int

const (
	barrierPending barrierResolution = iota
	barrierResolvedSuccess
	barrierResolvedFailure
)

type startupBarrier struct {
	appID        string
	state        TaskState
	remaining    int
	continuation func(success bool)
	resolution   barrierResolution
}

// resolve transitions the barrier exactly once; later calls are no-ops.
// Returns the continuation to invoke (nil if already resolved).
func (b *startupBarrier) resolve(success bool) func(success bool) {
	if b.resolution != barrierPending {
		return nil
	}
	if success {
		b.resolution = barrierResolvedSuccess
	} else {
		b.resolution = barrierResolvedFailure
	}
	return b.continuation
}

func barrierKey(appID string, state TaskState) string {
	return appID + "\x00" + string(state)
}

// StartupCallbackManager is a registry of (appId, awaitedTaskState) barriers.
// A barrier fires its continuation with success=true once `count` matching
// status updates have counted it down, or with success=false if cancelled
// via Remove first. Multiple barriers may share a key; all are driven by the
// same countdown stream.
type StartupCallbackManager struct {
	mu       sync.Mutex
	barriers map[string][]*startupBarrier
}

// NewStartupCallbackManager returns an empty registry.
func NewStartupCallbackManager() *StartupCallbackManager {
	return &StartupCallbackManager{barriers: make(map[string][]*startupBarrier)}
}

// Add enqueues a barrier that fires continuation(true) after count matching
// Countdown calls, or continuation(false) if Remove cancels it first.
func (m *StartupCallbackManager) Add(appID string, state TaskState, count int, continuation func(success bool)) {
	key := barrierKey(appID, state)
	b := &startupBarrier{appID: appID, state: state, remaining: count, continuation: continuation}

	m.mu.Lock()
	if count <= 0 {
		// Already satisfied — fire immediately, still exactly once.
		cont := b.resolve(true)
		m.mu.Unlock()
		if cont != nil {
			cont(true)
		}
		return
	}
	m.barriers[key] = append(m.barriers[key], b)
	m.mu.Unlock()
}

// Countdown decrements every barrier registered for (appID, state) by one,
// triggering completions that reach zero.
func (m *StartupCallbackManager) Countdown(appID string, state TaskState) {
	key := barrierKey(appID, state)

	m.mu.Lock()
	barriers := m.barriers[key]
	var toFire []func(success bool)
	remaining := barriers[:0:0]
	for _, b := range barriers {
		if b.resolution != barrierPending {
			continue
		}
		b.remaining--
		if b.remaining <= 0 {
			if cont := b.resolve(true); cont != nil {
				toFire = append(toFire, cont)
			}
			continue
		}
		remaining = append(remaining, b)
	}
	if len(remaining) == 0 {
		delete(m.barriers, key)
	} else {
		m.barriers[key] = remaining
	}
	m.mu.Unlock()

	for _, cont := range toFire {
		cont(true)
	}
}

// Remove cancels every pending barrier registered for (appID, state),
// firing continuation(false) for each.
func (m *StartupCallbackManager) Remove(appID string, state TaskState) {
	key := barrierKey(appID, state)

	m.mu.Lock()
	barriers := m.barriers[key]
	delete(m.barriers, key)
	var toFire []func(success bool)
	for _, b := range barriers {
		if cont := b.resolve(false); cont != nil {
			toFire = append(toFire, cont)
		}
	}
	m.mu.Unlock()

	for _, cont := range toFire {
		cont(false)
	}
}
