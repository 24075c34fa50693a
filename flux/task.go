package flux

import (
	"context"
	"fmt"
	"time"
)

// TaskFunc is the body of a task. It receives a context carrying the
// per-attempt deadline and the cooperative cancellation flag, and the Call
// describing its inputs. Bodies must observe ctx at their suspension points;
// the runtime never kills them forcefully.
type TaskFunc func(ctx context.Context, call *Call) (any, error)

// Call carries the decoded inputs of one task invocation.
type Call struct {
	// Args are the positional arguments.
	Args []any

	// Kwargs are the keyword arguments.
	Kwargs map[string]any

	// Secrets holds the plaintext values of the secrets this task declared,
	// materialized just-in-time and only for the duration of the attempt.
	Secrets map[string]string

	// Meta is populated when the task was defined with WithMetadata.
	Meta *Metadata
}

// Arg returns the i-th positional argument, or nil when out of range.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// StringArg returns the i-th positional argument as a string.
func (c *Call) StringArg(i int) (string, error) {
	v := c.Arg(i)
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, v)
	}
	return s, nil
}

// Metadata describes the invocation to tasks that opted in.
type Metadata struct {
	TaskID      string `json:"task_id"`
	TaskName    string `json:"task_name"`
	Attempt     int    `json:"attempt"`
	ExecutionID string `json:"execution_id"`
}

// TaskOptions configure a task's invocation semantics. Zero values disable
// the corresponding behavior.
type TaskOptions struct {
	// RetryMaxAttempts is the maximum retry count after a failed attempt.
	// Zero disables retry.
	RetryMaxAttempts int

	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration

	// RetryBackoff is the geometric growth factor of the retry delay.
	// Values below 1 are treated as 1.
	RetryBackoff float64

	// Timeout is the cooperative cancellation deadline per attempt.
	// Zero means no deadline.
	Timeout time.Duration

	// Fallback is invoked once when all retries are exhausted; its result
	// replaces the failure.
	Fallback TaskFunc

	// Rollback is invoked when the task ultimately fails (after fallback
	// failure, if any); side-effect compensation. Its errors are swallowed
	// but logged.
	Rollback TaskFunc

	// Cache keys successful outputs by input fingerprint and reuses them
	// across executions.
	Cache bool

	// SecretRequests names the secrets injected into the task's Call.
	SecretRequests []string

	// OutputStorage selects where the output materializes ("inline" or an
	// external by-ref kind). Empty means inline.
	OutputStorage string

	// Metadata passes a Metadata value describing the invocation.
	Metadata bool
}

// TaskDef represents a task as a value: a logical name, a body, and options.
// Invoking it is Context.Invoke(def, args...); there is no dynamic wrapper.
type TaskDef struct {
	Name string
	Fn   TaskFunc
	Opts TaskOptions
}

// TaskOption configures a TaskDef.
type TaskOption func(*TaskOptions)

// WithRetry configures the retry loop: max attempts after the first try,
// initial delay, and geometric backoff multiplier.
func WithRetry(maxAttempts int, delay time.Duration, backoff float64) TaskOption {
	return func(o *TaskOptions) {
		o.RetryMaxAttempts = maxAttempts
		o.RetryDelay = delay
		o.RetryBackoff = backoff
	}
}

// WithTimeout arms a per-attempt deadline.
func WithTimeout(d time.Duration) TaskOption {
	return func(o *TaskOptions) { o.Timeout = d }
}

// WithFallback sets the alternative invoked when all retries are exhausted.
func WithFallback(fn TaskFunc) TaskOption {
	return func(o *TaskOptions) { o.Fallback = fn }
}

// WithRollback sets the compensation invoked when the task ultimately fails.
func WithRollback(fn TaskFunc) TaskOption {
	return func(o *TaskOptions) { o.Rollback = fn }
}

// WithCache enables fingerprint-keyed output caching across executions.
func WithCache() TaskOption {
	return func(o *TaskOptions) { o.Cache = true }
}

// WithSecrets declares the secrets injected just-in-time into the task.
func WithSecrets(names ...string) TaskOption {
	return func(o *TaskOptions) { o.SecretRequests = names }
}

// WithMetadata passes invocation metadata to the task body.
func WithMetadata() TaskOption {
	return func(o *TaskOptions) { o.Metadata = true }
}

// WithOutputStorage selects the output materialization kind.
func WithOutputStorage(kind string) TaskOption {
	return func(o *TaskOptions) { o.OutputStorage = kind }
}

// NewTask builds a task definition.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *TaskDef {
	def := &TaskDef{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
