// Package emit provides observability event emission for workflow execution.
package emit

import "context"

// Emitter receives observability events mirrored off an execution's journal.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog.
//   - Distributed tracing: OpenTelemetry.
//   - In-memory capture for tests and dashboards.
//
// Implementations should be:
//   - Non-blocking: never slow down workflow execution.
//   - Thread-safe: may be called concurrently for many executions.
//   - Resilient: handle backend failures without crashing the workflow.
type Emitter interface {
	// Emit sends one observability event to the configured backend.
	// Emit must not panic; errors are handled internally.
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation. Events must be
	// processed in order. Returns an error only on catastrophic failure;
	// individual event failures are logged and skipped.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered or the context is
	// done. Call before shutdown to avoid losing trailing events. Safe to
	// call multiple times.
	Flush(ctx context.Context) error
}

// Event is the observability mirror of one journal record. It carries enough
// context to reconstruct what an execution did without loading the log.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// Seq is the journal sequence number of the mirrored record.
	// Zero for events not backed by a journal record.
	Seq int64

	// Type is the journal event type (e.g. "TASK_STARTED").
	Type string

	// SourceID identifies the emitting task-or-workflow instance.
	SourceID string

	// Name is the logical task or workflow name.
	Name string

	// Meta carries additional structured data. Common keys:
	//   - "attempt": retry attempt number
	//   - "error": error message
	//   - "duration_ms": attempt duration
	Meta map[string]any
}

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*NullEmitter)(nil)
	_ Emitter = (*BufferedEmitter)(nil)
	_ Emitter = (*OTelEmitter)(nil)
)
