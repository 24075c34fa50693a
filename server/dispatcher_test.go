package server

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/store"
)

func newDispatchHarness(t *testing.T) (*Dispatcher, *Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := NewRegistry(st, time.Minute, zap.NewNop(), nil)
	return NewDispatcher(st, reg, zap.NewNop(), nil), reg, st
}

func addWorker(t *testing.T, st store.Store, reg *Registry, name string, cpu int, workflows ...string) *workerConn {
	t.Helper()
	err := st.SaveWorker(context.Background(), &store.Worker{
		Name:             name,
		SessionTokenHash: "h",
		Resources:        flux.WorkerResources{CPUCount: cpu, MemoryBytes: 1 << 30},
		Workflows:        workflows,
		LastSeen:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg.Connect(context.Background(), name)
}

func scheduleExecution(t *testing.T, st store.Store, id, workflow string) *flux.Execution {
	t.Helper()
	exec := &flux.Execution{ID: id, WorkflowName: workflow, WorkflowID: workflow + ":v1", State: flux.StateScheduled}
	if err := st.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	return exec
}

func TestDispatchOffersToConnectedWorker(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	if _, err := st.SaveWorkflow(context.Background(), &store.Workflow{Name: "etl"}); err != nil {
		t.Fatal(err)
	}
	conn := addWorker(t, st, reg, "w1", 4)
	exec := scheduleExecution(t, st, "e1", "etl")

	if !d.Dispatch(context.Background(), exec) {
		t.Fatal("Dispatch() = false with an eligible worker connected")
	}
	select {
	case frame := <-conn.frames:
		if frame.Event != SSEExecutionScheduled {
			t.Errorf("frame event = %s", frame.Event)
		}
		data := frame.Data.(ScheduledFrame)
		if data.ExecutionID != "e1" || data.WorkflowName != "etl" {
			t.Errorf("frame data = %+v", data)
		}
	default:
		t.Fatal("no frame queued on the worker stream")
	}
}

func TestDispatchNoWorkerLeavesScheduled(t *testing.T) {
	d, _, st := newDispatchHarness(t)
	if _, err := st.SaveWorkflow(context.Background(), &store.Workflow{Name: "etl"}); err != nil {
		t.Fatal(err)
	}
	exec := scheduleExecution(t, st, "e1", "etl")
	if d.Dispatch(context.Background(), exec) {
		t.Error("Dispatch() = true with no workers")
	}
	got, _ := st.GetExecution(context.Background(), "e1")
	if got.State != flux.StateScheduled {
		t.Errorf("state = %s, want SCHEDULED", got.State)
	}
}

func TestDispatchResourceFit(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	_, err := st.SaveWorkflow(context.Background(), &store.Workflow{
		Name:      "heavy",
		Resources: flux.ResourceRequirements{CPUCores: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	smallConn := addWorker(t, st, reg, "small", 2)
	bigConn := addWorker(t, st, reg, "big", 16)

	exec := scheduleExecution(t, st, "e1", "heavy")
	if !d.Dispatch(context.Background(), exec) {
		t.Fatal("Dispatch() = false")
	}
	select {
	case <-smallConn.frames:
		t.Error("under-resourced worker received the offer")
	default:
	}
	select {
	case <-bigConn.frames:
	default:
		t.Error("fitting worker received no offer")
	}
}

func TestDispatchPackageFit(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	_, err := st.SaveWorkflow(context.Background(), &store.Workflow{
		Name:      "needs_pandas",
		Resources: flux.ResourceRequirements{Packages: []string{"pandas"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = st.SaveWorker(context.Background(), &store.Worker{
		Name:             "with-pkg",
		SessionTokenHash: "h",
		Resources:        flux.WorkerResources{CPUCount: 4, Packages: []string{"pandas", "numpy"}},
		LastSeen:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	withPkg := reg.Connect(context.Background(), "with-pkg")
	withoutPkg := addWorker(t, st, reg, "without-pkg", 4)

	exec := scheduleExecution(t, st, "e1", "needs_pandas")
	if !d.Dispatch(context.Background(), exec) {
		t.Fatal("Dispatch() = false")
	}
	select {
	case <-withoutPkg.frames:
		t.Error("worker lacking the package received the offer")
	default:
	}
	select {
	case <-withPkg.frames:
	default:
		t.Error("package-complete worker received no offer")
	}
}

func TestDispatchHostingFilter(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	if _, err := st.SaveWorkflow(context.Background(), &store.Workflow{Name: "etl"}); err != nil {
		t.Fatal(err)
	}
	other := addWorker(t, st, reg, "other", 4, "reporting")
	host := addWorker(t, st, reg, "host", 4, "etl")

	exec := scheduleExecution(t, st, "e1", "etl")
	if !d.Dispatch(context.Background(), exec) {
		t.Fatal("Dispatch() = false")
	}
	select {
	case <-other.frames:
		t.Error("non-hosting worker received the offer")
	default:
	}
	select {
	case <-host.frames:
	default:
		t.Error("hosting worker received no offer")
	}
}

func TestDispatchTieBreaks(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	ctx := context.Background()
	if _, err := st.SaveWorkflow(ctx, &store.Workflow{Name: "etl"}); err != nil {
		t.Fatal(err)
	}

	// busy already holds a claim; idle-a and idle-b are free, equal in
	// utilization, and split lexicographically.
	for _, name := range []string{"busy", "idle-b", "idle-a"} {
		addWorker(t, st, reg, name, 4)
	}
	held := scheduleExecution(t, st, "held", "etl")
	if err := st.ClaimExecution(ctx, held.ID, "busy"); err != nil {
		t.Fatal(err)
	}

	if got := d.pickWorker(ctx, &store.Workflow{Name: "etl"}); got != "idle-a" {
		t.Errorf("pickWorker() = %q, want idle-a (least claimed, then lexicographic)", got)
	}
}

func TestDispatchUtilizationTieBreak(t *testing.T) {
	d, reg, st := newDispatchHarness(t)
	ctx := context.Background()
	if _, err := st.SaveWorkflow(ctx, &store.Workflow{Name: "etl"}); err != nil {
		t.Fatal(err)
	}
	// Both hold one claim; the larger worker has lower utilization.
	addWorker(t, st, reg, "small", 2)
	addWorker(t, st, reg, "large", 16)
	for worker, id := range map[string]string{"small": "e-s", "large": "e-l"} {
		exec := scheduleExecution(t, st, id, "etl")
		if err := st.ClaimExecution(ctx, exec.ID, worker); err != nil {
			t.Fatal(err)
		}
	}

	if got := d.pickWorker(ctx, &store.Workflow{Name: "etl"}); got != "large" {
		t.Errorf("pickWorker() = %q, want large (lowest utilization)", got)
	}
}
