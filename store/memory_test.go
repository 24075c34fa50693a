package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxproj/flux/flux"
)

func newExec(id string) *flux.Execution {
	return &flux.Execution{
		ID:           id,
		WorkflowName: "wf",
		WorkflowID:   "wf:v1",
		State:        flux.StateCreated,
	}
}

func TestWorkflowVersionsAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v1, err := s.SaveWorkflow(ctx, &Workflow{Name: "etl"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.SaveWorkflow(ctx, &Workflow{Name: "etl"})
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", v1, v2)
	}

	latest, err := s.LatestWorkflow(ctx, "etl")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
	if _, err := s.GetWorkflow(ctx, "etl", 1); err != nil {
		t.Errorf("old version unavailable: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, "etl", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version error = %v, want ErrNotFound", err)
	}
}

func TestAppendEventsCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateExecution(ctx, newExec("e1")); err != nil {
		t.Fatal(err)
	}

	events := []flux.Event{{Seq: 1, Type: flux.EventWorkflowStarted, SourceID: "wf/x", Name: "x"}}
	if err := s.AppendEvents(ctx, "e1", 0, events, ExecutionUpdate{}); err != nil {
		t.Fatalf("first append error = %v", err)
	}

	// A stale append must fail and append nothing.
	stale := []flux.Event{{Seq: 1, Type: flux.EventTaskStarted, SourceID: "wf/y", Name: "y"}}
	if err := s.AppendEvents(ctx, "e1", 0, stale, ExecutionUpdate{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale append error = %v, want ErrConflict", err)
	}

	exec, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.Events) != 1 {
		t.Errorf("events = %d, want 1 (stale append must not land)", len(exec.Events))
	}
	if exec.CheckpointSeq != 1 {
		t.Errorf("checkpoint_seq = %d, want 1", exec.CheckpointSeq)
	}
}

func TestConcurrentAppendExactlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateExecution(ctx, newExec("e1")); err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var wins int64
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := []flux.Event{{Seq: 1, Type: flux.EventWorkflowStarted, SourceID: "wf/x", Name: "x"}}
			if err := s.AppendEvents(ctx, "e1", 0, ev, ExecutionUpdate{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winning appends = %d, want exactly 1", wins)
	}
}

func TestClaimExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := newExec("e1")
	exec.State = flux.StateScheduled
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		name := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ClaimExecution(ctx, "e1", name); err == nil {
				winners <- name
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []string
	for name := range winners {
		won = append(won, name)
	}
	if len(won) != 1 {
		t.Fatalf("claim winners = %v, want exactly one", won)
	}
	got, _ := s.GetExecution(ctx, "e1")
	if got.State != flux.StateClaimed || got.Worker != won[0] {
		t.Errorf("claimed execution = %s/%s, want CLAIMED/%s", got.State, got.Worker, won[0])
	}

	// Claims against non-SCHEDULED states conflict.
	if err := s.ClaimExecution(ctx, "e1", "late"); !errors.Is(err, ErrConflict) {
		t.Errorf("late claim error = %v, want ErrConflict", err)
	}
}

func TestReleaseExecutions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		exec := newExec(id)
		exec.State = flux.StateScheduled
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.ClaimExecution(ctx, "e1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimExecution(ctx, "e2", "w1"); err != nil {
		t.Fatal(err)
	}
	running := flux.StateRunning
	if err := s.UpdateExecution(ctx, "e2", ExecutionUpdate{State: &running}); err != nil {
		t.Fatal(err)
	}

	released, err := s.ReleaseExecutions(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 2 {
		t.Fatalf("released = %v, want e1 and e2", released)
	}
	for _, id := range released {
		exec, _ := s.GetExecution(ctx, id)
		if exec.State != flux.StateScheduled || exec.Worker != "" {
			t.Errorf("%s after release = %s/%q, want SCHEDULED with no worker", id, exec.State, exec.Worker)
		}
	}
}

func TestSecretsRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.SetSecret(ctx, "db_password", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	ct, err := s.GetSecret(ctx, "db_password")
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != 3 {
		t.Errorf("ciphertext = %v", ct)
	}
	names, err := s.ListSecrets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "db_password" {
		t.Errorf("names = %v", names)
	}
	if err := s.DeleteSecret(ctx, "db_password"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSecret(ctx, "db_password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted secret error = %v, want ErrNotFound", err)
	}
}

func TestCacheImmutableAndLRU(t *testing.T) {
	s := NewMemoryStore(WithCachePolicy(CachePolicy{MaxEntries: 2}))
	ctx := context.Background()

	if err := s.CachePut(ctx, "t", "fp1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Writing an existing key is a no-op: entries are immutable.
	if err := s.CachePut(ctx, "t", "fp1", []byte("overwrite")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.CacheGet(ctx, "t", "fp1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("CacheGet = %q, %v, %v; want v1", v, ok, err)
	}

	if err := s.CachePut(ctx, "t", "fp2", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	// Touch fp1 so fp2 is the LRU victim when fp3 lands.
	if _, _, err := s.CacheGet(ctx, "t", "fp1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CachePut(ctx, "t", "fp3", []byte("v3")); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.CacheGet(ctx, "t", "fp2"); ok {
		t.Error("LRU victim fp2 survived eviction")
	}
	if _, ok, _ := s.CacheGet(ctx, "t", "fp1"); !ok {
		t.Error("recently-used fp1 was evicted")
	}
	if _, ok, _ := s.CacheGet(ctx, "t", "fp3"); !ok {
		t.Error("new entry fp3 missing")
	}
}

func TestCacheTTL(t *testing.T) {
	s := NewMemoryStore(WithCachePolicy(CachePolicy{TTL: time.Hour}))
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	if err := s.CachePut(ctx, "t", "fp", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.CacheGet(ctx, "t", "fp"); !ok {
		t.Fatal("fresh entry missing")
	}
	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok, _ := s.CacheGet(ctx, "t", "fp"); ok {
		t.Error("expired entry served")
	}
}

func TestWorkerLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	w := &Worker{
		Name:             "w1",
		SessionTokenHash: "hash",
		Resources:        flux.WorkerResources{CPUCount: 8},
		Workflows:        []string{"etl"},
		LastSeen:         time.Now().UTC(),
	}
	if err := s.SaveWorker(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Resources.CPUCount != 8 || len(got.Workflows) != 1 {
		t.Errorf("worker = %+v", got)
	}
	later := time.Now().UTC().Add(time.Minute)
	if err := s.TouchWorker(ctx, "w1", later); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetWorker(ctx, "w1")
	if !got.LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, later)
	}
	if err := s.DeleteWorker(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetWorker(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted worker error = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsByStateBounded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		exec := newExec(string(rune('a' + i)))
		exec.State = flux.StateScheduled
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListExecutionsByState(ctx, flux.StateScheduled, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("bounded list = %d, want 3", len(got))
	}
}
