package flux

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/codec"
)

// Invoke evaluates one task invocation against the event log.
//
// A completed invocation (directly or via fallback) is never executed twice
// within the same execution lineage: replay resolves it from the journal and
// returns the stored value. A journaled terminal failure is re-raised
// without re-execution. Anything else runs the attempt loop with the task's
// retry, timeout, fallback, and rollback semantics, journaling every
// transition.
func (c *Context) Invoke(task *TaskDef, args ...any) (any, error) {
	return c.InvokeKw(task, args, nil)
}

// InvokeKw is Invoke with keyword arguments. Kwargs participate in the input
// fingerprint in sorted key order.
func (c *Context) InvokeKw(task *TaskDef, args []any, kwargs map[string]any) (any, error) {
	sourceID := c.nextSourceID(task.Name)
	return c.invokeAt(sourceID, task, args, kwargs)
}

// invokeAt runs the invocation algorithm for a pre-assigned source ID.
// Parallel assigns source IDs for all its calls up front, in registration
// order, before any body runs; everything else goes through InvokeKw.
func (c *Context) invokeAt(sourceID string, task *TaskDef, args []any, kwargs map[string]any) (any, error) {
	c.mu.Lock()
	c.invoked[sourceID] = task
	c.mu.Unlock()

	history := c.historyFor(sourceID)
	maxRetries := task.Opts.RetryMaxAttempts

	// Journal scan: a recorded outcome wins over re-execution.
	for _, ev := range history {
		if ev.Type.isTaskSuccess() {
			return c.decodeValue(ev.Value)
		}
	}
	if verdict := terminalFailure(history, maxRetries, task.Opts.Fallback != nil); verdict != nil {
		return nil, c.decodeError(verdict.Value)
	}

	retriesUsed := countType(history, EventTaskRetryStarted)
	started := len(history) > 0

	// Cache probe happens only for invocations with no journaled history.
	var fingerprint string
	if task.Opts.Cache {
		fp, err := codec.Fingerprint(task.Name, args, kwargs)
		if err != nil {
			return nil, err
		}
		fingerprint = fp
		if !started && c.cache != nil {
			if value, ok, err := c.cache.Get(c.run, task.Name, fp); err == nil && ok {
				if err := c.AddEvent(EventTaskStarted, sourceID, task.Name, nil); err != nil {
					return nil, err
				}
				if err := c.AddEvent(EventTaskCompleted, sourceID, task.Name, value); err != nil {
					return nil, err
				}
				return c.decodeValue(value)
			} else if err != nil {
				c.logger.Warn("task cache probe failed",
					zap.String("task", task.Name), zap.Error(err))
			}
		}
	}

	if err := c.run.Err(); err != nil {
		return nil, ErrCancelled
	}

	secrets, err := c.resolveSecrets(task.Opts.SecretRequests)
	if err != nil {
		return nil, err
	}
	defer wipeSecrets(secrets)

	out, err := c.attemptLoop(sourceID, task, args, kwargs, secrets, history, retriesUsed, started)
	if err == nil {
		if task.Opts.Cache && c.cache != nil && fingerprint != "" {
			value, encErr := c.encodeValue(out)
			if encErr == nil {
				if putErr := c.cache.Put(c.run, task.Name, fingerprint, value); putErr != nil {
					c.logger.Warn("task cache write failed",
						zap.String("task", task.Name), zap.Error(putErr))
				}
			}
		}
	}
	return out, err
}

// attemptLoop drives attempts 0..RetryMaxAttempts, then the fallback, then
// the rollback. history describes a partially-journaled prior claim: events
// already journaled are not re-emitted, and the loop resumes at the attempt
// the journal left in flight.
func (c *Context) attemptLoop(sourceID string, task *TaskDef, args []any, kwargs map[string]any, secrets map[string]string, history []Event, retriesUsed int, started bool) (any, error) {
	maxRetries := task.Opts.RetryMaxAttempts
	attempt := retriesUsed

	// Resumption bookkeeping: which journal record came last for this task?
	var lastType EventType
	if started {
		lastType = history[len(history)-1].Type
	}
	inFallback := started && lastType == EventTaskFallbackStarted

	lastFailed := started && (lastType == EventTaskFailed || lastType == EventTaskRetryFailed)

	// A journal that already exhausted its attempts skips straight to the
	// fallback stage; only the stored failure is kept for the terminal error.
	exhausted := lastFailed && retriesUsed >= maxRetries

	var lastErr error
	if exhausted {
		lastErr = c.decodeError(history[len(history)-1].Value)
	}
	if !inFallback && !exhausted {
		// needStart is false when the started event for the current attempt
		// was journaled by an aborted prior claim.
		needStart := !started || lastFailed
		if lastFailed {
			// The journal ends on a failed attempt with retry budget left.
			if err := c.sleepRetry(task.Opts, attempt); err != nil {
				return nil, err
			}
			attempt++
		}

		for {
			if err := c.run.Err(); err != nil {
				return nil, ErrCancelled
			}
			if needStart {
				startType := EventTaskStarted
				if attempt > 0 {
					startType = EventTaskRetryStarted
				}
				if err := c.AddEvent(startType, sourceID, task.Name, nil); err != nil {
					return nil, err
				}
			}
			needStart = true

			out, err := c.runAttempt(sourceID, task, task.Fn, attempt, args, kwargs, secrets)
			if err == nil {
				doneType := EventTaskCompleted
				if attempt > 0 {
					doneType = EventTaskRetryCompleted
				}
				value, encErr := c.encodeSuccess(out, task.Opts.OutputStorage)
				if encErr != nil {
					return nil, encErr
				}
				if err := c.AddEvent(doneType, sourceID, task.Name, value); err != nil {
					return nil, err
				}
				return out, nil
			}
			if errors.Is(err, ErrCancelled) {
				return nil, ErrCancelled
			}

			lastErr = err
			failType := EventTaskFailed
			if attempt > 0 {
				failType = EventTaskRetryFailed
			}
			value, encErr := c.encodeValue(NewWireError(err))
			if encErr != nil {
				return nil, encErr
			}
			if err := c.AddEvent(failType, sourceID, task.Name, value); err != nil {
				return nil, err
			}

			if attempt < maxRetries {
				if err := c.sleepRetry(task.Opts, attempt); err != nil {
					return nil, err
				}
				attempt++
				continue
			}
			break
		}
	}

	if task.Opts.Fallback != nil {
		if !inFallback {
			if err := c.AddEvent(EventTaskFallbackStarted, sourceID, task.Name, nil); err != nil {
				return nil, err
			}
		}
		out, err := c.runAttempt(sourceID, task, task.Opts.Fallback, 0, args, kwargs, secrets)
		if err == nil {
			value, encErr := c.encodeSuccess(out, task.Opts.OutputStorage)
			if encErr != nil {
				return nil, encErr
			}
			if err := c.AddEvent(EventTaskFallbackCompleted, sourceID, task.Name, value); err != nil {
				return nil, err
			}
			return out, nil
		}
		if errors.Is(err, ErrCancelled) {
			return nil, ErrCancelled
		}
		lastErr = err
		value, encErr := c.encodeValue(NewWireError(err))
		if encErr != nil {
			return nil, encErr
		}
		if err := c.AddEvent(EventTaskFallbackFailed, sourceID, task.Name, value); err != nil {
			return nil, err
		}
	}

	if err := c.runRollback(sourceID, task, args, kwargs, secrets); err != nil {
		return nil, err
	}

	if lastErr == nil {
		// Resumed past an already-journaled exhausted history.
		lastErr = &WireError{Kind: "error", Message: "task " + task.Name + " failed"}
	}
	return nil, NewWireError(lastErr)
}

// runRollback journals and runs the task's compensation. Rollback errors are
// swallowed but logged; they never mask the task's own failure.
func (c *Context) runRollback(sourceID string, task *TaskDef, args []any, kwargs map[string]any, secrets map[string]string) error {
	if task.Opts.Rollback == nil {
		return nil
	}
	if err := c.AddEvent(EventTaskRollbackStarted, sourceID, task.Name, nil); err != nil {
		return err
	}
	if _, err := c.runAttempt(sourceID, task, task.Opts.Rollback, 0, args, kwargs, secrets); err != nil {
		c.logger.Error("rollback failed",
			zap.String("task", task.Name),
			zap.String("source_id", sourceID),
			zap.Error(err))
	}
	return c.AddEvent(EventTaskRollbackCompleted, sourceID, task.Name, nil)
}

// runAttempt executes one body under the task's per-attempt deadline.
// Timeouts surface as ErrAttemptTimeout; observing the execution-level
// cancellation flag surfaces as ErrCancelled. Panics in user code are
// captured as errors so a misbehaving task cannot take the worker down.
func (c *Context) runAttempt(sourceID string, task *TaskDef, fn TaskFunc, attempt int, args []any, kwargs map[string]any, secrets map[string]string) (out any, err error) {
	ctx := c.run
	if task.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Opts.Timeout)
		defer cancel()
	}

	call := &Call{Args: args, Kwargs: kwargs, Secrets: secrets}
	if task.Opts.Metadata {
		call.Meta = &Metadata{
			TaskID:      sourceID,
			TaskName:    task.Name,
			Attempt:     attempt,
			ExecutionID: c.executionID,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	out, err = fn(ctx, call)

	if c.run.Err() != nil {
		return nil, ErrCancelled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s after %s", ErrAttemptTimeout, task.Name, task.Opts.Timeout)
	}
	return out, err
}

// sleepRetry waits retry_delay × retry_backoff^attempt before the next
// attempt, with jitter capped at 20% of the nominal delay. The wait observes
// cooperative cancellation.
func (c *Context) sleepRetry(opts TaskOptions, attempt int) error {
	d := retryDelay(opts, attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.run.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

// retryDelay computes the nominal geometric delay for the k-th retry plus
// bounded jitter.
func retryDelay(opts TaskOptions, k int) time.Duration {
	backoff := opts.RetryBackoff
	if backoff < 1 {
		backoff = 1
	}
	nominal := float64(opts.RetryDelay) * math.Pow(backoff, float64(k))
	if nominal <= 0 {
		return 0
	}
	jitter := rand.Float64() * 0.2 * nominal // #nosec G404 -- retry timing, not security
	return time.Duration(nominal + jitter)
}

// historyFor returns the journaled events carrying the given source ID.
func (c *Context) historyFor(sourceID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.SourceID == sourceID {
			out = append(out, ev)
		}
	}
	return out
}

// terminalFailure returns the journal record whose error should be re-raised
// without re-execution, or nil when the history is still live. A history is
// terminally failed when its fallback failed, when its rollback ran, or when
// its last attempt failed with no retry budget and no fallback to try.
func terminalFailure(history []Event, maxRetries int, hasFallback bool) *Event {
	var lastFailure *Event
	for i := range history {
		ev := &history[i]
		switch ev.Type {
		case EventTaskFallbackFailed:
			return ev
		case EventTaskFailed, EventTaskRetryFailed:
			lastFailure = ev
		case EventTaskRollbackStarted:
			// Rollback only runs after the terminal failure.
			return lastFailure
		}
	}
	if lastFailure == nil {
		return nil
	}
	if history[len(history)-1].Seq != lastFailure.Seq {
		// Something already ran past the failure (a retry or fallback is in
		// flight); the history is live, not terminal.
		return nil
	}
	retriesUsed := countType(history, EventTaskRetryStarted)
	if retriesUsed >= maxRetries && !hasFallback {
		return lastFailure
	}
	return nil
}

func countType(events []Event, t EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// encodeSuccess encodes a task result and routes it through the blob store
// when the task opted out of inline output storage.
func (c *Context) encodeSuccess(out any, storageKind string) ([]byte, error) {
	value, err := c.encodeValue(out)
	if err != nil {
		return nil, err
	}
	return c.storeValue(value, storageKind)
}

func (c *Context) decodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	data, err := c.maybeResolveBlob(data)
	if err != nil {
		return nil, err
	}
	var v any
	if err := c.codec.Decode(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Context) decodeError(data []byte) error {
	var we WireError
	if err := c.codec.Decode(data, &we); err != nil {
		return &WireError{Kind: "error", Message: "undecodable journaled error"}
	}
	return &we
}

// resolveSecrets materializes declared secrets for the attempt's lifetime.
// An unknown secret name fails the invocation immediately.
func (c *Context) resolveSecrets(names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if c.secrets == nil {
		return nil, fmt.Errorf("task declared secrets %v but no secret source is configured", names)
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := c.secrets.GetSecret(c.run, name)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func wipeSecrets(secrets map[string]string) {
	for k := range secrets {
		delete(secrets, k)
	}
}
