package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/store"
	"github.com/fluxproj/flux/vault"
)

// Manager owns execution lifecycle on the server side: creation, the claim
// CAS, checkpoint application, resume, cancellation, and fan-out of state
// changes to subscribed streaming clients.
type Manager struct {
	store      store.Store
	vault      *vault.Vault
	logger     *zap.Logger
	metrics    *Metrics
	dispatcher *Dispatcher

	mu           sync.Mutex
	subs         map[string]map[chan StatusUpdate]struct{}
	resumeInputs map[string]json.RawMessage
	scheduledAt  map[string]time.Time
}

// NewManager builds an execution manager. The vault may be nil when no
// encryption key is configured; claims then carry no secrets.
func NewManager(st store.Store, v *vault.Vault, logger *zap.Logger, metrics *Metrics) *Manager {
	return &Manager{
		store:        st,
		vault:        v,
		logger:       logger,
		metrics:      metrics,
		subs:         make(map[string]map[chan StatusUpdate]struct{}),
		resumeInputs: make(map[string]json.RawMessage),
		scheduledAt:  make(map[string]time.Time),
	}
}

// SetDispatcher wires the dispatcher after construction (the two reference
// each other).
func (m *Manager) SetDispatcher(d *Dispatcher) { m.dispatcher = d }

// CreateExecution materializes a CREATED execution for the workflow's
// latest version, transitions it to SCHEDULED, and offers it to a worker.
func (m *Manager) CreateExecution(ctx context.Context, workflowName string, input json.RawMessage) (*flux.Execution, error) {
	wf, err := m.store.LatestWorkflow(ctx, workflowName)
	if err != nil {
		return nil, err
	}

	exec := &flux.Execution{
		ID:           uuid.NewString(),
		WorkflowName: wf.Name,
		WorkflowID:   wf.ID(),
		Input:        input,
		State:        flux.StateCreated,
	}
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	m.metrics.executionState(string(flux.StateCreated))

	if err := m.transition(ctx, exec, flux.StateScheduled); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.scheduledAt[exec.ID] = time.Now()
	m.mu.Unlock()

	if m.dispatcher != nil {
		m.dispatcher.Dispatch(ctx, exec)
	}
	return exec, nil
}

// Claim runs the at-most-one claim CAS for a worker. Only the first claim
// that finds the execution SCHEDULED succeeds; the rest get
// store.ErrConflict. The winner receives the execution with its event log,
// the workflow's declared secrets, and any pending resume input.
func (m *Manager) Claim(ctx context.Context, workerName, execID string) (*ClaimResponse, error) {
	if err := m.store.ClaimExecution(ctx, execID, workerName); err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.metrics.claimConflict()
		}
		return nil, err
	}
	m.metrics.executionState(string(flux.StateClaimed))

	m.mu.Lock()
	if t, ok := m.scheduledAt[execID]; ok {
		m.metrics.observeDispatch(float64(time.Since(t).Milliseconds()))
		delete(m.scheduledAt, execID)
	}
	resumeInput := m.resumeInputs[execID]
	m.mu.Unlock()

	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}

	secrets, err := m.materializeSecrets(ctx, exec.WorkflowName)
	if err != nil {
		return nil, err
	}

	m.logger.Info("execution claimed",
		zap.String("execution_id", execID),
		zap.String("worker", workerName))
	return &ClaimResponse{Execution: exec, Secrets: secrets, ResumeInput: resumeInput}, nil
}

// materializeSecrets decrypts the workflow's declared secrets for the claim
// holder. Secrets exist in plaintext only inside the claim response and the
// worker's memory.
func (m *Manager) materializeSecrets(ctx context.Context, workflowName string) (map[string]string, error) {
	wf, err := m.store.LatestWorkflow(ctx, workflowName)
	if err != nil || len(wf.SecretRequests) == 0 {
		return nil, err
	}
	if m.vault == nil {
		return nil, fmt.Errorf("workflow %s declares secrets but no encryption key is configured", workflowName)
	}
	secrets := make(map[string]string, len(wf.SecretRequests))
	for _, name := range wf.SecretRequests {
		value, err := m.vault.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", name, err)
		}
		secrets[name] = value
	}
	return secrets, nil
}

// Checkpoint applies a batch of newly-journaled events from the claim
// holder. The append is a CAS on checkpoint_seq: stale batches get
// store.ErrConflict and nothing is appended. The execution record's
// transport state is projected from the appended event types.
func (m *Manager) Checkpoint(ctx context.Context, workerName, execID string, req CheckpointRequest) error {
	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Worker != workerName {
		return fmt.Errorf("%w: execution %s is not leased to %s", store.ErrConflict, execID, workerName)
	}

	newState, update := projectCheckpoint(exec, req.Events)

	if err := m.store.AppendEvents(ctx, execID, req.CheckpointSeq, req.Events, update); err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.metrics.checkpointConflict()
		}
		return err
	}

	if newState != exec.State {
		m.metrics.executionState(string(newState))
	}
	if newState.Terminal() {
		m.mu.Lock()
		delete(m.resumeInputs, execID)
		delete(m.scheduledAt, execID)
		m.mu.Unlock()
	}

	m.fanout(StatusUpdate{
		ExecutionID: execID,
		State:       newState,
		Output:      json.RawMessage(update.Output),
		Error:       update.Error,
		Timestamp:   time.Now().UTC(),
	})

	// A pause that lands while cancellation is pending resolves the cancel
	// immediately: the execution has no worker anymore.
	if newState == flux.StatePaused && exec.State == flux.StateCancelling {
		return m.cancelUnclaimed(ctx, execID)
	}
	return nil
}

// projectCheckpoint derives the post-append transport state and record
// update from the batch's event types.
func projectCheckpoint(exec *flux.Execution, events []flux.Event) (flux.ExecutionState, store.ExecutionUpdate) {
	newState := exec.State
	update := store.ExecutionUpdate{}
	clearWorker := ""

	for _, ev := range events {
		switch ev.Type {
		case flux.EventWorkflowCompleted:
			newState = flux.StateCompleted
			update.Output = ev.Value
			update.Worker = &clearWorker
		case flux.EventWorkflowFailed:
			newState = flux.StateFailed
			update.Worker = &clearWorker
			var we flux.WireError
			if err := json.Unmarshal(ev.Value, &we); err == nil {
				update.Error = &we
			}
		case flux.EventWorkflowCancelled:
			newState = flux.StateCancelled
			update.Worker = &clearWorker
		case flux.EventWorkflowPaused:
			newState = flux.StatePaused
			update.Worker = &clearWorker
		case flux.EventWorkflowResumed:
			newState = flux.StateRunning
			update.Worker = nil
		default:
			// Any first activity checkpoint moves CLAIMED to RUNNING.
			if newState == flux.StateClaimed {
				newState = flux.StateRunning
			}
		}
	}

	// Cancellation in flight shadows non-resting projections.
	if exec.State == flux.StateCancelling && !newState.Terminal() && newState != flux.StatePaused {
		newState = flux.StateCancelling
	}
	if newState != exec.State {
		update.State = &newState
	}
	return newState, update
}

// Resume moves a PAUSED execution back to SCHEDULED with the user-supplied
// resume input and offers it to a worker. The input is delivered with the
// winning claim and becomes the return value of the workflow's Pause call.
func (m *Manager) Resume(ctx context.Context, execID string, input json.RawMessage) (*flux.Execution, error) {
	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.State != flux.StatePaused {
		return nil, fmt.Errorf("%w: execution %s is %s, not PAUSED", store.ErrConflict, execID, exec.State)
	}

	m.mu.Lock()
	m.resumeInputs[execID] = input
	m.scheduledAt[execID] = time.Now()
	m.mu.Unlock()

	if err := m.transition(ctx, exec, flux.StateScheduled); err != nil {
		return nil, err
	}
	if m.dispatcher != nil {
		m.dispatcher.DispatchResume(ctx, exec, input)
	}
	return exec, nil
}

// Cancel requests cancellation. Valid from SCHEDULED, CLAIMED, RUNNING, or
// PAUSED. Executions without an active worker cancel immediately; leased
// ones transition to CANCELLING and the owning worker is signalled.
func (m *Manager) Cancel(ctx context.Context, execID string) (flux.ExecutionState, error) {
	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return "", err
	}

	switch exec.State {
	case flux.StateCompleted, flux.StateFailed, flux.StateCancelled:
		return exec.State, nil

	case flux.StateCreated, flux.StateScheduled, flux.StatePaused:
		if err := m.cancelUnclaimed(ctx, execID); err != nil {
			return "", err
		}
		return flux.StateCancelled, nil

	case flux.StateCancelling:
		return flux.StateCancelling, nil

	default: // CLAIMED, RUNNING
		if err := m.transition(ctx, exec, flux.StateCancelling); err != nil {
			return "", err
		}
		m.registrySend(exec.Worker, sseFrame{
			Event: SSEExecutionCancelled,
			Data:  CancelledFrame{ExecutionID: execID},
		})
		return flux.StateCancelling, nil
	}
}

// cancelUnclaimed journals the terminal cancel for an execution that no
// worker owns. With the lease unheld, the server is the arbiter and may
// write the single terminal event itself.
func (m *Manager) cancelUnclaimed(ctx context.Context, execID string) error {
	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	state := flux.StateCancelled
	clearWorker := ""
	ev := flux.Event{
		Seq:      exec.CheckpointSeq + 1,
		Type:     flux.EventWorkflowCancelled,
		SourceID: "server",
		Name:     exec.WorkflowName,
		Time:     time.Now().UTC(),
	}
	err = m.store.AppendEvents(ctx, execID, exec.CheckpointSeq, []flux.Event{ev}, store.ExecutionUpdate{
		State:  &state,
		Worker: &clearWorker,
	})
	if err != nil {
		return err
	}
	m.metrics.executionState(string(flux.StateCancelled))
	m.mu.Lock()
	delete(m.resumeInputs, execID)
	delete(m.scheduledAt, execID)
	m.mu.Unlock()
	m.fanout(StatusUpdate{
		ExecutionID: execID,
		State:       flux.StateCancelled,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// Get loads an execution with its event log.
func (m *Manager) Get(ctx context.Context, execID string) (*flux.Execution, error) {
	return m.store.GetExecution(ctx, execID)
}

// Subscribe registers a channel receiving the execution's state changes.
func (m *Manager) Subscribe(execID string) chan StatusUpdate {
	ch := make(chan StatusUpdate, 16)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[execID] == nil {
		m.subs[execID] = make(map[chan StatusUpdate]struct{})
	}
	m.subs[execID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(execID string, ch chan StatusUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[execID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(m.subs, execID)
		}
	}
}

// Wait blocks until the execution satisfies pred, the timeout elapses, or
// ctx is done; it returns the freshest execution it saw.
func (m *Manager) Wait(ctx context.Context, execID string, timeout time.Duration, pred func(flux.ExecutionState) bool) (*flux.Execution, error) {
	ch := m.Subscribe(execID)
	defer m.Unsubscribe(execID, ch)

	exec, err := m.store.GetExecution(ctx, execID)
	if err != nil {
		return nil, err
	}
	if pred(exec.State) {
		return exec, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-timer.C:
			return m.store.GetExecution(ctx, execID)
		case update := <-ch:
			if pred(update.State) {
				return m.store.GetExecution(ctx, execID)
			}
		}
	}
}

func (m *Manager) fanout(update StatusUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[update.ExecutionID] {
		select {
		case ch <- update:
		default:
			// Slow stream clients miss intermediate updates, never block
			// checkpoint application.
		}
	}
}

func (m *Manager) transition(ctx context.Context, exec *flux.Execution, to flux.ExecutionState) error {
	update := store.ExecutionUpdate{State: &to}
	if to == flux.StateScheduled {
		clearWorker := ""
		update.Worker = &clearWorker
	}
	if err := m.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.State = to
	m.metrics.executionState(string(to))
	return nil
}

func (m *Manager) registrySend(worker string, frame sseFrame) {
	if worker == "" || m.dispatcher == nil {
		return
	}
	m.dispatcher.registry.Send(worker, frame)
}
