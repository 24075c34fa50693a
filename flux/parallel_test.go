package flux

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelResultsInCallOrder(t *testing.T) {
	wc := newTestContext(t)
	echo := NewTask("echo", func(_ context.Context, call *Call) (any, error) {
		return call.Arg(0), nil
	})

	results, err := Parallel(wc,
		Par(echo, "a"),
		Par(echo, "b"),
		Par(echo, "c"),
	)
	if err != nil {
		t.Fatalf("Parallel() error = %v", err)
	}
	want := []any{"a", "b", "c"}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %v, want %v", i, results[i], want[i])
		}
	}
}

func TestParallelDistinctSourceIDs(t *testing.T) {
	wc := newTestContext(t)
	noop := NewTask("noop", func(context.Context, *Call) (any, error) { return nil, nil })

	if _, err := Parallel(wc, Par(noop), Par(noop), Par(noop)); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range wc.Events() {
		if ev.Type == EventTaskStarted {
			if seen[ev.SourceID] {
				t.Errorf("duplicate source id %s", ev.SourceID)
			}
			seen[ev.SourceID] = true
		}
	}
	if len(seen) != 3 {
		t.Errorf("distinct started source ids = %d, want 3", len(seen))
	}
}

func TestParallelReplayResolvesBySourceID(t *testing.T) {
	wc := newTestContext(t)
	var calls atomic.Int32
	work := NewTask("work", func(_ context.Context, call *Call) (any, error) {
		calls.Add(1)
		return call.Arg(0), nil
	})
	first, err := Parallel(wc, Par(work, "x"), Par(work, "y"))
	if err != nil {
		t.Fatal(err)
	}

	replay := NewContext("ex-test", "test_workflow", wc.Input(), WithEvents(wc.Events()))
	replay.beginDrive(context.Background())
	second, err := Parallel(replay, Par(work, "x"), Par(work, "y"))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("bodies ran %d times total, want 2 (replay must not re-run)", calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("replay result %d = %v, want %v", i, second[i], first[i])
		}
	}
}

func TestParallelFirstFailureBySeqWins(t *testing.T) {
	wc := newTestContext(t)
	release := make(chan struct{})

	// slow fails only after fast has already journaled its failure, so the
	// first failure by sequence is always fast's.
	fast := NewTask("fast", func(context.Context, *Call) (any, error) {
		defer close(release)
		return nil, errors.New("fast failure")
	})
	slow := NewTask("slow", func(context.Context, *Call) (any, error) {
		<-release
		// release closes as fast's body returns, just before its failure is
		// journaled; wait for that event.
		for {
			failed := false
			for _, ev := range wc.Events() {
				failed = failed || ev.Type == EventTaskFailed
			}
			if failed {
				break
			}
			time.Sleep(time.Millisecond)
		}
		return nil, errors.New("slow failure")
	})
	ok := NewTask("fine", func(context.Context, *Call) (any, error) {
		return "fine", nil
	})

	_, err := Parallel(wc, Par(slow), Par(fast), Par(ok))
	if err == nil {
		t.Fatal("Parallel() expected error")
	}
	var we *WireError
	if !errors.As(err, &we) || we.Message != "fast failure" {
		t.Errorf("Parallel() error = %v, want the first journaled failure", err)
	}

	// Siblings ran to completion and their events are journaled.
	types := map[EventType]int{}
	for _, ev := range wc.Events() {
		types[ev.Type]++
	}
	if types[EventTaskStarted] != 3 {
		t.Errorf("started events = %d, want 3 (siblings run to completion)", types[EventTaskStarted])
	}
	if types[EventTaskCompleted] != 1 {
		t.Errorf("completed events = %d, want 1", types[EventTaskCompleted])
	}
	if types[EventTaskFailed] != 2 {
		t.Errorf("failed events = %d, want 2", types[EventTaskFailed])
	}
}

func TestMapDistinctInvocations(t *testing.T) {
	wc := newTestContext(t)
	double := NewTask("double", func(_ context.Context, call *Call) (any, error) {
		n, ok := call.Arg(0).(float64)
		if !ok {
			if i, okInt := call.Arg(0).(int); okInt {
				n = float64(i)
			}
		}
		return n * 2, nil
	})

	results, err := Map(wc, double, []any{1, 2, 3})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	want := []float64{2, 4, 6}
	for i := range want {
		if results[i] != any(want[i]) {
			t.Errorf("results[%d] = %v, want %v", i, results[i], want[i])
		}
	}
	// Each element is a distinct invocation with its own journal pair.
	if n := len(wc.Events()); n != 6 {
		t.Errorf("events = %d, want 6", n)
	}
}

func TestPipelineChains(t *testing.T) {
	wc := newTestContext(t)
	appendStep := func(tag string) *TaskDef {
		return NewTask("append_"+tag, func(_ context.Context, call *Call) (any, error) {
			s, _ := call.StringArg(0)
			return s + tag, nil
		})
	}

	out, err := Pipeline(wc, "in:", appendStep("a"), appendStep("b"), appendStep("c"))
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	if out != "in:abc" {
		t.Errorf("Pipeline() = %v, want in:abc", out)
	}
}

func TestPipelineStopsOnFailure(t *testing.T) {
	wc := newTestContext(t)
	var thirdRan atomic.Bool
	ok := NewTask("ok", func(_ context.Context, call *Call) (any, error) { return call.Arg(0), nil })
	bad := NewTask("bad", func(context.Context, *Call) (any, error) { return nil, errors.New("mid failure") })
	after := NewTask("after", func(context.Context, *Call) (any, error) {
		thirdRan.Store(true)
		return nil, nil
	})

	_, err := Pipeline(wc, "x", ok, bad, after)
	if err == nil {
		t.Fatal("Pipeline() expected error")
	}
	if thirdRan.Load() {
		t.Error("step after the failure still ran")
	}
}
