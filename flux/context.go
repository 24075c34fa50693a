package flux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/codec"
	"github.com/fluxproj/flux/flux/emit"
)

// CheckpointFunc persists one newly-appended event. The workflow runtime
// calls it after every state-changing append; a checkpoint is durable before
// the append returns. Returning an error aborts the append (the event is
// rolled back locally) so the worker never diverges from the server.
type CheckpointFunc func(ctx context.Context, ev Event, state ExecutionState) error

// TaskCache stores successful task outputs keyed by (task name, input
// fingerprint). Entries are immutable once written and survive across
// executions.
type TaskCache interface {
	Get(ctx context.Context, taskName, fingerprint string) (value []byte, ok bool, err error)
	Put(ctx context.Context, taskName, fingerprint string, value []byte) error
}

// SecretSource resolves declared secret names to plaintext values. Values
// are materialized only for the duration of the task that declared them.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Context is the execution context: the single owner of an execution's
// event log on the worker currently holding the lease. It projects current
// state from the log, assigns contiguous sequence numbers, fires the
// checkpoint callback on every mutation, and carries the per-replay
// invocation counters that make source IDs stable.
//
// A Context is safe for use by the cooperative subtasks of Parallel: the
// journal is mutex-guarded and remains single-writer from the outside
// world's perspective.
type Context struct {
	executionID  string
	workflowName string
	input        []byte
	codec        codec.Codec
	logger       *zap.Logger
	emitter      emit.Emitter
	checkpoint   CheckpointFunc
	cache        TaskCache
	secrets      SecretSource
	blobs        BlobStore

	mu sync.Mutex

	// writeMu serializes whole append-checkpoint rounds so cooperative
	// subtasks interleave at event granularity and a failed checkpoint can
	// roll back exactly the event it covered.
	writeMu sync.Mutex

	events []Event

	// run is the drive-scoped context carrying the cooperative cancellation
	// flag. Reset by the runtime on every claim.
	run context.Context

	// counters tracks positional invocation indexes per (scope, name) so a
	// replayed body reproduces identical source IDs. Reset per replay.
	counters map[string]int
	scope    string

	// invoked maps source IDs to their task definitions for the current
	// drive, so cancellation can locate rollbacks for started-but-unfinished
	// tasks.
	invoked map[string]*TaskDef
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithCodec sets the value codec (default JSONCodec).
func WithCodec(c codec.Codec) ContextOption {
	return func(wc *Context) { wc.codec = c }
}

// WithEvents seeds the context with an existing event log, e.g. when a
// worker claims an execution that already has history.
func WithEvents(events []Event) ContextOption {
	return func(wc *Context) { wc.events = append([]Event(nil), events...) }
}

// WithCheckpoint sets the persistence callback fired on every append.
func WithCheckpoint(fn CheckpointFunc) ContextOption {
	return func(wc *Context) { wc.checkpoint = fn }
}

// WithTaskCache sets the shared task-output cache.
func WithTaskCache(cache TaskCache) ContextOption {
	return func(wc *Context) { wc.cache = cache }
}

// WithSecretSource sets the resolver for declared secrets.
func WithSecretSource(src SecretSource) ContextOption {
	return func(wc *Context) { wc.secrets = src }
}

// WithLogger sets the structured logger (default zap.NewNop).
func WithLogger(logger *zap.Logger) ContextOption {
	return func(wc *Context) { wc.logger = logger }
}

// WithEmitter mirrors every appended event to an observability emitter.
func WithEmitter(em emit.Emitter) ContextOption {
	return func(wc *Context) { wc.emitter = em }
}

// NewContext builds an execution context for the given execution.
func NewContext(executionID, workflowName string, input []byte, opts ...ContextOption) *Context {
	wc := &Context{
		executionID:  executionID,
		workflowName: workflowName,
		input:        input,
		codec:        codec.JSONCodec{},
		logger:       zap.NewNop(),
		run:          context.Background(),
		counters:     make(map[string]int),
		scope:        "wf",
		invoked:      make(map[string]*TaskDef),
	}
	for _, opt := range opts {
		opt(wc)
	}
	return wc
}

// ExecutionID returns the execution's globally unique identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowName returns the name of the workflow being executed.
func (c *Context) WorkflowName() string { return c.workflowName }

// Input returns the raw encoded execution input.
func (c *Context) Input() []byte { return c.input }

// InputInto decodes the execution input into v.
func (c *Context) InputInto(v any) error {
	return c.codec.Decode(c.input, v)
}

// InputValue decodes the execution input into a generic value.
func (c *Context) InputValue() (any, error) {
	var v any
	if err := c.codec.Decode(c.input, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Done exposes the drive-scoped context, so task bodies can observe
// cooperative cancellation at their own suspension points.
func (c *Context) Done() context.Context { return c.run }

// Events returns a copy of the ordered event log.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// CheckpointSeq returns the sequence number of the last appended event.
func (c *Context) CheckpointSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return 0
	}
	return c.events[len(c.events)-1].Seq
}

// State derives the current event-sourced state from the log.
func (c *Context) State() ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DeriveState(c.events)
}

// HasStarted reports whether the workflow has begun (any events exist).
func (c *Context) HasStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) > 0
}

// HasFinished reports whether the execution reached a terminal state.
func (c *Context) HasFinished() bool { return c.State().Terminal() }

// HasSucceeded reports whether the execution completed successfully.
func (c *Context) HasSucceeded() bool { return c.State() == StateCompleted }

// HasFailed reports whether the execution failed.
func (c *Context) HasFailed() bool { return c.State() == StateFailed }

// IsPaused reports whether the execution is suspended at a pause point.
func (c *Context) IsPaused() bool { return c.State() == StatePaused }

// IsCancelled reports whether the execution was cancelled.
func (c *Context) IsCancelled() bool { return c.State() == StateCancelled }

// Output returns the encoded workflow return value, if completed.
func (c *Context) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == EventWorkflowCompleted {
			return c.events[i].Value
		}
	}
	return nil
}

// Err returns the journaled workflow error, if failed.
func (c *Context) Err() *WireError {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == EventWorkflowFailed {
			var we WireError
			if err := c.codec.Decode(c.events[i].Value, &we); err == nil {
				return &we
			}
			return &WireError{Kind: "error", Message: "undecodable journaled error"}
		}
	}
	return nil
}

// Start appends WORKFLOW_STARTED. No-op error if the log is terminal.
func (c *Context) Start() error {
	return c.AddEvent(EventWorkflowStarted, c.workflowSourceID(), c.workflowName, c.input)
}

// Complete encodes the return value and appends WORKFLOW_COMPLETED.
func (c *Context) Complete(v any) error {
	data, err := c.encodeValue(v)
	if err != nil {
		return err
	}
	return c.AddEvent(EventWorkflowCompleted, c.workflowSourceID(), c.workflowName, data)
}

// Fail encodes the error and appends WORKFLOW_FAILED.
func (c *Context) Fail(err error) error {
	data, encErr := c.encodeValue(NewWireError(err))
	if encErr != nil {
		return encErr
	}
	return c.AddEvent(EventWorkflowFailed, c.workflowSourceID(), c.workflowName, data)
}

// Resume encodes the resume input and appends WORKFLOW_RESUMED. The input
// becomes the return value of the matching Pause call on replay.
func (c *Context) Resume(input any) error {
	data, err := c.encodeValue(input)
	if err != nil {
		return err
	}
	return c.AddEvent(EventWorkflowResumed, c.workflowSourceID(), c.workflowName, data)
}

// Cancel appends the terminal WORKFLOW_CANCELLED event.
func (c *Context) Cancel() error {
	return c.AddEvent(EventWorkflowCancelled, c.workflowSourceID(), c.workflowName, nil)
}

// Pause suspends the workflow at a named point. On first encounter it
// journals WORKFLOW_PAUSED and returns a *PauseSignal which the workflow
// function must propagate upward; the runtime then parks the execution.
// After the server resumes the execution, replay finds the journaled
// WORKFLOW_PAUSED followed by WORKFLOW_RESUMED and Pause returns the resume
// input instead.
func (c *Context) Pause(name string) (any, error) {
	if err := c.run.Err(); err != nil {
		return nil, ErrCancelled
	}
	sourceID := c.nextSourceID("pause." + name)

	c.mu.Lock()
	pausedIdx := -1
	for i, ev := range c.events {
		if ev.Type == EventWorkflowPaused && ev.SourceID == sourceID {
			pausedIdx = i
			break
		}
	}
	if pausedIdx >= 0 {
		for _, ev := range c.events[pausedIdx+1:] {
			if ev.Type == EventWorkflowResumed {
				c.mu.Unlock()
				var v any
				if err := c.codec.Decode(ev.Value, &v); err != nil {
					return nil, err
				}
				return v, nil
			}
		}
		c.mu.Unlock()
		return nil, &PauseSignal{Name: name}
	}
	c.mu.Unlock()

	if err := c.AddEvent(EventWorkflowPaused, sourceID, name, nil); err != nil {
		return nil, err
	}
	return nil, &PauseSignal{Name: name}
}

// AddEvent appends one event with the next contiguous sequence number,
// persists it through the checkpoint callback, and mirrors it to the
// emitter. Appending to a terminal log returns ErrExecutionFinished.
func (c *Context) AddEvent(t EventType, sourceID, name string, value []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if DeriveState(c.events).Terminal() {
		c.mu.Unlock()
		return ErrExecutionFinished
	}
	var seq int64 = 1
	if n := len(c.events); n > 0 {
		seq = c.events[n-1].Seq + 1
	}
	ev := Event{Seq: seq, Type: t, SourceID: sourceID, Name: name, Value: value, Time: time.Now().UTC()}
	c.events = append(c.events, ev)
	state := DeriveState(c.events)
	c.mu.Unlock()

	if c.checkpoint != nil {
		if err := c.checkpoint(c.run, ev, state); err != nil {
			c.mu.Lock()
			c.events = c.events[:len(c.events)-1]
			c.mu.Unlock()
			return &CheckpointError{Seq: seq, Cause: err}
		}
	}

	if c.emitter != nil {
		c.emitter.Emit(emit.Event{
			ExecutionID: c.executionID,
			Seq:         ev.Seq,
			Type:        string(ev.Type),
			SourceID:    ev.SourceID,
			Name:        ev.Name,
		})
	}
	return nil
}

// beginDrive resets the per-replay invocation counters and installs the
// drive-scoped cancellation context. Called by the runtime at the top of
// every claim so replays reproduce identical source IDs.
func (c *Context) beginDrive(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = ctx
	c.counters = make(map[string]int)
	c.invoked = make(map[string]*TaskDef)
}

// nextSourceID computes the stable identifier for the next invocation of
// name within the current scope: scope/name#index, where index counts only
// invocations that actually happen, so replay reproduces the same counter.
func (c *Context) nextSourceID(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.scope + "/" + name
	n := c.counters[key]
	c.counters[key] = n + 1
	return fmt.Sprintf("%s#%d", key, n)
}

func (c *Context) workflowSourceID() string {
	return c.scope + "/" + c.workflowName
}

func (c *Context) encodeValue(v any) ([]byte, error) {
	return c.codec.Encode(v)
}
