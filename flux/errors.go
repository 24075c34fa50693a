package flux

import (
	"context"
	"errors"
	"fmt"
)

// ErrExecutionFinished is returned when a mutation is attempted against an
// execution whose log already contains a terminal workflow event. Terminal
// states are absorbing: no further events may be appended.
var ErrExecutionFinished = errors.New("execution already finished")

// ErrCancelled is the cooperative cancellation signal. Task invocations and
// the workflow runtime return it when the execution's cancellation flag is
// observed at a suspension point. The runtime converts it into rollbacks for
// started-but-unfinished tasks followed by WORKFLOW_CANCELLED.
var ErrCancelled = errors.New("execution cancelled")

// ErrAttemptTimeout marks a single task attempt that exceeded its deadline.
// For retry and fallback purposes it is treated exactly like a user error.
var ErrAttemptTimeout = errors.New("task attempt timed out")

// CheckpointError reports a failed persistence round for one appended
// event. It is infrastructure, not workflow failure: the runtime abandons
// the drive without journaling anything, and the server-side journal stays
// authoritative.
type CheckpointError struct {
	Seq   int64
	Cause error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint seq %d: %v", e.Seq, e.Cause)
}

func (e *CheckpointError) Unwrap() error { return e.Cause }

// PauseSignal is the control-flow signal raised by Context.Pause. It unwinds
// through the workflow function (which must propagate it like any other
// error) to the workflow runtime, which journals the pause and suspends the
// execution. Workflow code never handles it.
type PauseSignal struct {
	// Name is the pause point label supplied by the workflow author.
	Name string
}

func (p *PauseSignal) Error() string {
	return fmt.Sprintf("workflow paused at %q", p.Name)
}

// WireError is the durable, transportable form of an error. Errors cross
// process boundaries as (kind, message, details) tuples; stack traces are
// never part of the error identity.
type WireError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *WireError) Error() string {
	if e.Kind == "" || e.Kind == "error" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// NewWireError converts an in-process error into its wire form. Timeouts and
// cancellations map to dedicated kinds so callers can distinguish them
// without string matching.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	kind := "error"
	switch {
	case errors.Is(err, ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		kind = "cancelled"
	}
	return &WireError{Kind: kind, Message: err.Error()}
}
