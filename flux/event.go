// Package flux implements the event-sourced execution substrate: the
// append-only event log, the execution context projected from it, the task
// invocation runtime (retry, timeout, fallback, rollback, cache), and the
// workflow runtime that drives registered workflow functions to a resting
// point (completion, failure, pause, or cancellation).
package flux

import "time"

// EventType identifies the kind of state change an Event records.
type EventType string

// Workflow lifecycle events.
const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused    EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed   EventType = "WORKFLOW_RESUMED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
)

// Task attempt events.
const (
	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"
)

// Retry attempt events.
const (
	EventTaskRetryStarted   EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted EventType = "TASK_RETRY_COMPLETED"
	EventTaskRetryFailed    EventType = "TASK_RETRY_FAILED"
)

// Fallback events.
const (
	EventTaskFallbackStarted   EventType = "TASK_FALLBACK_STARTED"
	EventTaskFallbackCompleted EventType = "TASK_FALLBACK_COMPLETED"
	EventTaskFallbackFailed    EventType = "TASK_FALLBACK_FAILED"
)

// Rollback events.
const (
	EventTaskRollbackStarted   EventType = "TASK_ROLLBACK_STARTED"
	EventTaskRollbackCompleted EventType = "TASK_ROLLBACK_COMPLETED"
)

// IsWorkflowTerminal reports whether the event type ends an execution.
func (t EventType) IsWorkflowTerminal() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// isTaskSuccess reports whether the event type records a task value that a
// replayed invocation may return without re-executing the body. A completed
// fallback counts: from the caller's perspective the task succeeded.
func (t EventType) isTaskSuccess() bool {
	switch t {
	case EventTaskCompleted, EventTaskRetryCompleted, EventTaskFallbackCompleted:
		return true
	}
	return false
}

// Event is one immutable record in an execution's append-only log.
//
// Seq numbers are assigned by the single writer (the worker owning the
// execution) and are strictly increasing and contiguous within an execution.
// SourceID identifies the emitting task-or-workflow instance and is stable
// across replays: it is a function of the enclosing scope, the logical name,
// and the positional invocation index.
type Event struct {
	Seq      int64     `json:"seq"`
	Type     EventType `json:"type"`
	SourceID string    `json:"source_id"`
	Name     string    `json:"name"`
	Value    []byte    `json:"value,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// ExecutionState is the lifecycle state of an execution.
//
// CREATED, RUNNING, PAUSED, COMPLETED, FAILED, and CANCELLED are pure
// projections of the event log (see DeriveState). SCHEDULED, CLAIMED, and
// CANCELLING are transport states layered on top by the server and stored on
// the execution record, never as events.
type ExecutionState string

const (
	StateCreated    ExecutionState = "CREATED"
	StateScheduled  ExecutionState = "SCHEDULED"
	StateClaimed    ExecutionState = "CLAIMED"
	StateRunning    ExecutionState = "RUNNING"
	StatePaused     ExecutionState = "PAUSED"
	StateCancelling ExecutionState = "CANCELLING"
	StateCompleted  ExecutionState = "COMPLETED"
	StateFailed     ExecutionState = "FAILED"
	StateCancelled  ExecutionState = "CANCELLED"
)

// Terminal reports whether the state is absorbing.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// DeriveState computes the event-sourced portion of an execution's state as
// a pure function of its log:
//
//   - no events: CREATED
//   - last workflow event is WORKFLOW_PAUSED with no later WORKFLOW_RESUMED: PAUSED
//   - last workflow event is a terminal type: the corresponding terminal state
//   - otherwise: RUNNING
func DeriveState(events []Event) ExecutionState {
	if len(events) == 0 {
		return StateCreated
	}
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case EventWorkflowCompleted:
			return StateCompleted
		case EventWorkflowFailed:
			return StateFailed
		case EventWorkflowCancelled:
			return StateCancelled
		case EventWorkflowPaused:
			return StatePaused
		case EventWorkflowResumed, EventWorkflowStarted:
			return StateRunning
		}
	}
	return StateRunning
}

// Execution is the durable record of one attempt to run a workflow.
// The execution owns its event sequence and its encoded output; the server
// owns the record itself and arbitrates the worker lease.
type Execution struct {
	ID            string         `json:"execution_id"`
	WorkflowName  string         `json:"workflow_name"`
	WorkflowID    string         `json:"workflow_id"`
	Input         []byte         `json:"input,omitempty"`
	State         ExecutionState `json:"state"`
	Worker        string         `json:"current_worker,omitempty"`
	Output        []byte         `json:"output,omitempty"`
	Error         *WireError     `json:"error,omitempty"`
	Events        []Event        `json:"events,omitempty"`
	CheckpointSeq int64          `json:"checkpoint_seq"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
