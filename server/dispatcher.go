package server

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/store"
)

// Dispatcher matches pending executions to eligible workers. A worker is
// eligible when its reported resources are a superset of the workflow's
// requirements, its package set covers the declared packages, and it hosts
// the workflow's registered code. Ties break on least currently-claimed
// executions, then lowest utilization, then lexicographic worker name.
//
// Dispatch is an offer, not an assignment: the chosen worker still has to
// win the claim CAS, so a raced offer is harmless.
type Dispatcher struct {
	store    store.Store
	registry *Registry
	logger   *zap.Logger
	metrics  *Metrics
}

// NewDispatcher builds a dispatcher over the registry and store.
func NewDispatcher(st store.Store, registry *Registry, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{store: st, registry: registry, logger: logger, metrics: metrics}
}

// Dispatch offers one SCHEDULED execution to the best-fitting live worker.
// Returns false when no worker fits; the execution stays SCHEDULED and is
// retried on the next registration, reconnect, or sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *flux.Execution) bool {
	wf, err := d.store.LatestWorkflow(ctx, exec.WorkflowName)
	if err != nil {
		d.logger.Error("dispatch: workflow lookup failed",
			zap.String("execution_id", exec.ID),
			zap.String("workflow", exec.WorkflowName),
			zap.Error(err))
		return false
	}

	name := d.pickWorker(ctx, wf)
	if name == "" {
		d.logger.Debug("dispatch: no eligible worker",
			zap.String("execution_id", exec.ID),
			zap.String("workflow", exec.WorkflowName))
		return false
	}

	sent := d.registry.Send(name, sseFrame{
		Event: SSEExecutionScheduled,
		Data: ScheduledFrame{
			ExecutionID:  exec.ID,
			WorkflowName: exec.WorkflowName,
			WorkflowID:   exec.WorkflowID,
		},
	})
	if sent {
		d.logger.Info("execution offered",
			zap.String("execution_id", exec.ID),
			zap.String("worker", name))
	}
	return sent
}

// DispatchResume offers a resumed execution, carrying the resume input in
// the execution_resumed frame so an already-listening worker can claim
// without waiting for the sweep.
func (d *Dispatcher) DispatchResume(ctx context.Context, exec *flux.Execution, input json.RawMessage) bool {
	wf, err := d.store.LatestWorkflow(ctx, exec.WorkflowName)
	if err != nil {
		d.logger.Error("dispatch resume: workflow lookup failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return false
	}
	name := d.pickWorker(ctx, wf)
	if name == "" {
		return false
	}
	return d.registry.Send(name, sseFrame{
		Event: SSEExecutionResumed,
		Data:  ResumedFrame{ExecutionID: exec.ID, ResumeInput: input},
	})
}

// DispatchPending sweeps all SCHEDULED executions. Called when a worker
// registers or reconnects and on the periodic re-dispatch tick.
func (d *Dispatcher) DispatchPending(ctx context.Context) {
	pending, err := d.store.ListExecutionsByState(ctx, flux.StateScheduled, 256)
	if err != nil {
		d.logger.Warn("dispatch sweep failed", zap.Error(err))
		return
	}
	for _, exec := range pending {
		d.Dispatch(ctx, exec)
	}
}

// RunSweep re-offers pending executions on an interval until ctx is done.
func (d *Dispatcher) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchPending(ctx)
		}
	}
}

type candidate struct {
	name        string
	claimed     int
	utilization float64
}

// pickWorker selects the eligible live worker with the best tie-break rank.
func (d *Dispatcher) pickWorker(ctx context.Context, wf *store.Workflow) string {
	loads := d.workerLoads(ctx)

	var candidates []candidate
	for _, name := range d.registry.Connected() {
		w, err := d.store.GetWorker(ctx, name)
		if err != nil {
			continue
		}
		if !w.Resources.Satisfies(wf.Resources) {
			continue
		}
		if !hostsWorkflow(w, wf.Name) {
			continue
		}
		claimed := loads[name]
		util := float64(claimed)
		if w.Resources.CPUCount > 0 {
			util = float64(claimed) / float64(w.Resources.CPUCount)
		}
		candidates = append(candidates, candidate{name: name, claimed: claimed, utilization: util})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.claimed != b.claimed {
			return a.claimed < b.claimed
		}
		if a.utilization != b.utilization {
			return a.utilization < b.utilization
		}
		return a.name < b.name
	})
	return candidates[0].name
}

// workerLoads counts currently-claimed executions per worker.
func (d *Dispatcher) workerLoads(ctx context.Context) map[string]int {
	loads := make(map[string]int)
	for _, state := range []flux.ExecutionState{flux.StateClaimed, flux.StateRunning, flux.StateCancelling} {
		execs, err := d.store.ListExecutionsByState(ctx, state, 1024)
		if err != nil {
			continue
		}
		for _, e := range execs {
			if e.Worker != "" {
				loads[e.Worker]++
			}
		}
	}
	return loads
}

// hostsWorkflow reports whether the worker's binary registers the workflow.
// A worker that declares no workflow list is treated as hosting everything,
// which keeps auto-registering development setups working.
func hostsWorkflow(w *store.Worker, name string) bool {
	if len(w.Workflows) == 0 {
		return true
	}
	for _, n := range w.Workflows {
		if n == name {
			return true
		}
	}
	return false
}
