package scheduler

import "errors"

// Sentinel errors for the control API, checked with errors.Is per spec.md
// §7. Grounded on the teacher's single scheduler.ErrQueueFull sentinel plus
// fmt.Errorf(...: %w...) wrapping. ErrUpgradeFailed is not returned by the
// UpgradeCoordinator, which reports failure as a false Result and a
// RESTART_FAILED event.
var (
	ErrAppExists      = errors.New("marathon: app already exists")
	ErrAppUnknown     = errors.New("marathon: app unknown")
	ErrStorageFailure = errors.New("marathon: storage failure")
	ErrUpgradeFailed  = errors.New("marathon: upgrade failed")
)
