package scheduler

import "time"

// EventKind identifies the shape of an Event's payload. Grounded on
// spec.md §6's event bus contract.
type EventKind string

const (
	EventTaskStatusUpdate  EventKind = "TASK_STATUS_UPDATE"
	EventFrameworkMessage  EventKind = "FRAMEWORK_MESSAGE"
	EventRestartSuccess    EventKind = "RESTART_SUCCESS"
	EventRestartFailed     EventKind = "RESTART_FAILED"
)

// Event is the single envelope type published on the event bus. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind
	At   time.Time

	// TASK_STATUS_UPDATE
	SlaveID string
	TaskID  string
	State   TaskState
	AppID   string
	Host    string
	Ports   []int

	// FRAMEWORK_MESSAGE
	ExecutorID string
	Payload    []byte

	// RESTART_SUCCESS / RESTART_FAILED carry AppID and, on failure, Reason.
	Reason string
}

// TaskStatusUpdateEvent builds a TASK_STATUS_UPDATE event from a tracked
// task and the status that triggered it.
func TaskStatusUpdateEvent(appID string, task MarathonTask, status TaskStatus) Event {
	return Event{
		Kind:    EventTaskStatusUpdate,
		At:      time.Now(),
		SlaveID: status.SlaveID,
		TaskID:  status.TaskID,
		State:   status.State,
		AppID:   appID,
		Host:    task.Host,
		Ports:   task.Ports,
	}
}

// FrameworkMessageEvent builds a FRAMEWORK_MESSAGE event from an executor
// message delivered via the driver's frameworkMessage callback.
func FrameworkMessageEvent(executorID, slaveID string, payload []byte) Event {
	return Event{
		Kind:       EventFrameworkMessage,
		At:         time.Now(),
		ExecutorID: executorID,
		SlaveID:    slaveID,
		Payload:    payload,
	}
}

// RestartSuccessEvent builds a RESTART_SUCCESS event for appID.
func RestartSuccessEvent(appID string) Event {
	return Event{Kind: EventRestartSuccess, At: time.Now(), AppID: appID}
}

// RestartFailedEvent builds a RESTART_FAILED event for appID with a reason.
func RestartFailedEvent(appID, reason string) Event {
	return Event{Kind: EventRestartFailed, At: time.Now(), AppID: appID, Reason: reason}
}
