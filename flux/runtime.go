package flux

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// Runtime drives a workflow body to a resting point: completion, failure,
// pause, or cancellation. It owns the control flow only; persistence happens
// through the context's checkpoint callback, never directly.
type Runtime struct {
	logger *zap.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the structured logger.
func WithRuntimeLogger(logger *zap.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// NewRuntime builds a workflow runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resume carries the user-supplied input for resuming a paused execution.
// It becomes the return value of the matching Pause call.
type Resume struct {
	Input any
}

// Execute drives the workflow function against the context's event log and
// returns the resting state. The body is re-run from the top on every call;
// replay of the journal makes already-completed tasks resolve instantly, so
// a resumed or re-claimed execution picks up exactly where the log ends.
//
// ctx carries the cooperative cancellation flag: cancelling it makes the
// drive run rollbacks for started-but-unfinished tasks and journal
// WORKFLOW_CANCELLED at the next suspension point.
func (r *Runtime) Execute(ctx context.Context, def *WorkflowDef, wc *Context, resume *Resume) (ExecutionState, error) {
	wc.beginDrive(ctx)

	if state := wc.State(); state.Terminal() {
		return state, nil
	}

	if !wc.HasStarted() {
		if err := wc.Start(); err != nil {
			return wc.State(), err
		}
	}

	if wc.IsPaused() {
		if resume == nil {
			// Nothing to do: the execution rests at its pause point.
			return StatePaused, nil
		}
		if err := wc.Resume(resume.Input); err != nil {
			return wc.State(), err
		}
	}

	out, err := def.Fn(wc)

	// A failed persistence round is infrastructure, not workflow failure:
	// abandon the drive and let re-dispatch replay from the durable journal.
	var cpErr *CheckpointError
	if errors.As(err, &cpErr) {
		return wc.State(), err
	}

	var pause *PauseSignal
	switch {
	case err == nil:
		if cerr := wc.Complete(out); cerr != nil {
			return wc.State(), cerr
		}
		return StateCompleted, nil

	case errors.As(err, &pause):
		r.logger.Info("workflow paused",
			zap.String("execution_id", wc.ExecutionID()),
			zap.String("pause", pause.Name))
		return StatePaused, nil

	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		return r.cancel(wc)

	default:
		r.logger.Info("workflow failed",
			zap.String("execution_id", wc.ExecutionID()),
			zap.Error(err))
		if ferr := wc.Fail(err); ferr != nil {
			return wc.State(), ferr
		}
		return StateFailed, nil
	}
}

// cancel finishes a cancelled drive: compensation first, terminal event
// last, both journaled on a cancellation-detached context so checkpoints
// still go through.
func (r *Runtime) cancel(wc *Context) (ExecutionState, error) {
	wc.detachCancellation()
	r.runPendingRollbacks(wc)
	if err := wc.Cancel(); err != nil {
		return wc.State(), err
	}
	r.logger.Info("workflow cancelled", zap.String("execution_id", wc.ExecutionID()))
	return StateCancelled, nil
}

// runPendingRollbacks compensates started-but-unfinished tasks in reverse
// start order. Abandoned children are rolled back, not lost.
func (r *Runtime) runPendingRollbacks(wc *Context) {
	pending := wc.pendingRollbacks()
	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		if err := wc.runRollback(p.sourceID, p.task, nil, nil, nil); err != nil {
			r.logger.Error("rollback journaling failed",
				zap.String("execution_id", wc.ExecutionID()),
				zap.String("task", p.task.Name),
				zap.Error(err))
		}
	}
}

// pendingRollback identifies one started-but-unfinished task with a
// configured rollback.
type pendingRollback struct {
	sourceID string
	task     *TaskDef
	startSeq int64
}

// pendingRollbacks lists the tasks invoked during this drive whose journal
// has a start without a settled outcome, in start order.
func (c *Context) pendingRollbacks() []pendingRollback {
	c.mu.Lock()
	invoked := make(map[string]*TaskDef, len(c.invoked))
	for k, v := range c.invoked {
		invoked[k] = v
	}
	c.mu.Unlock()

	var out []pendingRollback
	for sourceID, task := range invoked {
		if task.Opts.Rollback == nil {
			continue
		}
		history := c.historyFor(sourceID)
		if len(history) == 0 {
			continue
		}
		if taskSettled(history, task.Opts.RetryMaxAttempts, task.Opts.Fallback != nil) {
			continue
		}
		out = append(out, pendingRollback{sourceID: sourceID, task: task, startSeq: history[0].Seq})
	}
	// Map iteration order is random; start order is the stable one.
	sort.Slice(out, func(i, j int) bool { return out[i].startSeq < out[j].startSeq })
	return out
}

// taskSettled reports whether a task's journal already reached an outcome:
// a success, a terminal failure, or a started rollback.
func taskSettled(history []Event, maxRetries int, hasFallback bool) bool {
	for _, ev := range history {
		if ev.Type.isTaskSuccess() || ev.Type == EventTaskRollbackStarted {
			return true
		}
	}
	return terminalFailure(history, maxRetries, hasFallback) != nil
}

// detachCancellation strips the cancellation flag from the drive context so
// compensation and the terminal cancel event can still checkpoint.
func (c *Context) detachCancellation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = context.WithoutCancel(c.run)
}
