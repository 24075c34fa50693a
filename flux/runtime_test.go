package flux

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxproj/flux/codec"
)

func encodeInput(t *testing.T, v any) []byte {
	t.Helper()
	data, err := codec.JSONCodec{}.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRuntimeHelloWorld(t *testing.T) {
	sayHello := NewTask("say_hello", func(_ context.Context, call *Call) (any, error) {
		name, _ := call.StringArg(0)
		return "Hello, " + name, nil
	})
	def := &WorkflowDef{Name: "hello_world", Version: 1, Fn: func(wc *Context) (any, error) {
		input, err := wc.InputValue()
		if err != nil {
			return nil, err
		}
		return wc.Invoke(sayHello, input)
	}}

	wc := NewContext("ex-1", "hello_world", encodeInput(t, "World"))
	state, err := NewRuntime().Execute(context.Background(), def, wc, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("Execute() state = %v, want COMPLETED", state)
	}

	assertEventTypes(t, wc.Events(),
		EventWorkflowStarted,
		EventTaskStarted, EventTaskCompleted,
		EventWorkflowCompleted,
	)
	var out any
	if err := (codec.JSONCodec{}).Decode(wc.Output(), &out); err != nil {
		t.Fatal(err)
	}
	if out != "Hello, World" {
		t.Errorf("output = %v, want Hello, World", out)
	}
}

func TestRuntimeWorkflowFailure(t *testing.T) {
	def := &WorkflowDef{Name: "broken", Fn: func(wc *Context) (any, error) {
		return wc.Invoke(NewTask("explode", func(context.Context, *Call) (any, error) {
			return nil, errors.New("kaboom")
		}))
	}}

	wc := NewContext("ex-2", "broken", encodeInput(t, nil))
	state, err := NewRuntime().Execute(context.Background(), def, wc, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state != StateFailed {
		t.Fatalf("state = %v, want FAILED", state)
	}
	if we := wc.Err(); we == nil || we.Message != "kaboom" {
		t.Errorf("journaled error = %+v, want kaboom", we)
	}
}

func TestRuntimePauseResume(t *testing.T) {
	t1 := NewTask("t1", func(_ context.Context, call *Call) (any, error) {
		s, _ := call.StringArg(0)
		return s + "-processed", nil
	})
	def := &WorkflowDef{Name: "pausing", Fn: func(wc *Context) (any, error) {
		input, err := wc.InputValue()
		if err != nil {
			return nil, err
		}
		a, err := wc.Invoke(t1, input)
		if err != nil {
			return nil, err
		}
		v, err := wc.Pause("manual")
		if err != nil {
			return nil, err
		}
		return []any{a, v}, nil
	}}

	rt := NewRuntime()
	wc := NewContext("ex-3", "pausing", encodeInput(t, "x"))

	state, err := rt.Execute(context.Background(), def, wc, nil)
	if err != nil {
		t.Fatalf("first drive error = %v", err)
	}
	if state != StatePaused {
		t.Fatalf("first drive state = %v, want PAUSED", state)
	}
	assertEventTypes(t, wc.Events(),
		EventWorkflowStarted,
		EventTaskStarted, EventTaskCompleted,
		EventWorkflowPaused,
	)

	// Resume on a fresh context seeded with the journal, as a new claim
	// would do: full replay, then Pause returns the resume input.
	resumed := NewContext("ex-3", "pausing", wc.Input(), WithEvents(wc.Events()))
	state, err = rt.Execute(context.Background(), def, resumed, &Resume{Input: float64(42)})
	if err != nil {
		t.Fatalf("resume drive error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("resume state = %v, want COMPLETED", state)
	}
	assertEventTypes(t, resumed.Events(),
		EventWorkflowStarted,
		EventTaskStarted, EventTaskCompleted,
		EventWorkflowPaused, EventWorkflowResumed,
		EventWorkflowCompleted,
	)

	var out []any
	if err := (codec.JSONCodec{}).Decode(resumed.Output(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != "x-processed" || out[1] != float64(42) {
		t.Errorf("output = %v, want [x-processed 42]", out)
	}
}

func TestRuntimeDoublePause(t *testing.T) {
	def := &WorkflowDef{Name: "twice", Fn: func(wc *Context) (any, error) {
		a, err := wc.Pause("first")
		if err != nil {
			return nil, err
		}
		b, err := wc.Pause("second")
		if err != nil {
			return nil, err
		}
		return []any{a, b}, nil
	}}

	rt := NewRuntime()
	wc := NewContext("ex-4", "twice", encodeInput(t, nil))

	if state, _ := rt.Execute(context.Background(), def, wc, nil); state != StatePaused {
		t.Fatalf("expected first pause, got %v", state)
	}
	wc2 := NewContext("ex-4", "twice", wc.Input(), WithEvents(wc.Events()))
	if state, _ := rt.Execute(context.Background(), def, wc2, &Resume{Input: "one"}); state != StatePaused {
		t.Fatalf("expected second pause, got %v", state)
	}
	wc3 := NewContext("ex-4", "twice", wc.Input(), WithEvents(wc2.Events()))
	state, err := rt.Execute(context.Background(), def, wc3, &Resume{Input: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if state != StateCompleted {
		t.Fatalf("expected completion, got %v", state)
	}
	var out []any
	if err := (codec.JSONCodec{}).Decode(wc3.Output(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != "one" || out[1] != "two" {
		t.Errorf("output = %v, want [one two]", out)
	}
}

func TestRuntimeWorkerDeathReplay(t *testing.T) {
	// Five sequential tasks; the first claim dies after three. The second
	// claim replays the journal, skips the finished three, and runs the
	// remaining two.
	var calls [5]atomic.Int32
	tasks := make([]*TaskDef, 5)
	for i := range tasks {
		i := i
		tasks[i] = NewTask("step", func(context.Context, *Call) (any, error) {
			calls[i].Add(1)
			return i, nil
		})
	}
	def := &WorkflowDef{Name: "five_steps", Fn: func(wc *Context) (any, error) {
		var last any
		for _, task := range tasks {
			v, err := wc.Invoke(task)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	}}

	// First claim: a checkpoint callback that dies after the seventh event
	// (WORKFLOW_STARTED + three start/complete pairs).
	died := errors.New("worker crashed")
	var persisted []Event
	wc1 := NewContext("ex-5", "five_steps", encodeInput(t, nil),
		WithCheckpoint(func(_ context.Context, ev Event, _ ExecutionState) error {
			if len(persisted) >= 7 {
				return died
			}
			persisted = append(persisted, ev)
			return nil
		}))
	if _, err := NewRuntime().Execute(context.Background(), def, wc1, nil); err == nil {
		t.Fatal("first claim should abort on checkpoint failure")
	}

	// Second claim resumes from the durable journal.
	wc2 := NewContext("ex-5", "five_steps", encodeInput(t, nil), WithEvents(persisted))
	state, err := NewRuntime().Execute(context.Background(), def, wc2, nil)
	if err != nil {
		t.Fatalf("second claim error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("second claim state = %v, want COMPLETED", state)
	}
	for i := 0; i < 3; i++ {
		if calls[i].Load() != 1 {
			t.Errorf("task %d ran %d times, want exactly 1", i, calls[i].Load())
		}
	}
	var out any
	if err := (codec.JSONCodec{}).Decode(wc2.Output(), &out); err != nil {
		t.Fatal(err)
	}
	if out != float64(4) {
		t.Errorf("output = %v, want 4", out)
	}
}

func TestRuntimeCancellationRunsRollbacks(t *testing.T) {
	var rolledBack atomic.Bool
	started := make(chan struct{})
	longTask := NewTask("long",
		func(ctx context.Context, _ *Call) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		WithRollback(func(context.Context, *Call) (any, error) {
			rolledBack.Store(true)
			return nil, nil
		}),
	)
	def := &WorkflowDef{Name: "cancellable", Fn: func(wc *Context) (any, error) {
		return wc.Invoke(longTask)
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	wc := NewContext("ex-6", "cancellable", encodeInput(t, nil))
	state, err := NewRuntime().Execute(ctx, def, wc, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("state = %v, want CANCELLED", state)
	}
	if !rolledBack.Load() {
		t.Error("in-flight task was not rolled back")
	}
	assertEventTypes(t, wc.Events(),
		EventWorkflowStarted,
		EventTaskStarted,
		EventTaskRollbackStarted, EventTaskRollbackCompleted,
		EventWorkflowCancelled,
	)
}

func TestRuntimeTerminalIsIdempotent(t *testing.T) {
	def := &WorkflowDef{Name: "noop", Fn: func(*Context) (any, error) { return "done", nil }}
	wc := NewContext("ex-7", "noop", encodeInput(t, nil))
	rt := NewRuntime()

	if state, err := rt.Execute(context.Background(), def, wc, nil); err != nil || state != StateCompleted {
		t.Fatalf("first drive = %v, %v", state, err)
	}
	before := len(wc.Events())
	state, err := rt.Execute(context.Background(), def, wc, nil)
	if err != nil {
		t.Fatalf("re-drive error = %v", err)
	}
	if state != StateCompleted || len(wc.Events()) != before {
		t.Errorf("re-driving a finished execution changed it: state=%v events=%d", state, len(wc.Events()))
	}
}

func TestBuiltinsJournaled(t *testing.T) {
	def := &WorkflowDef{Name: "nondeterministic", Fn: func(wc *Context) (any, error) {
		id, err := wc.Invoke(UUID4)
		if err != nil {
			return nil, err
		}
		n, err := wc.Invoke(RandInt, 1, 1000000)
		if err != nil {
			return nil, err
		}
		return []any{id, n}, nil
	}}

	rt := NewRuntime()
	wc := NewContext("ex-8", "nondeterministic", encodeInput(t, nil))
	if _, err := rt.Execute(context.Background(), def, wc, nil); err != nil {
		t.Fatal(err)
	}
	first := string(wc.Output())

	// Replaying against the journal reproduces the recorded values.
	wc2 := NewContext("ex-8", "nondeterministic", wc.Input(), WithEvents(wc.Events()[:len(wc.Events())-1]))
	if _, err := rt.Execute(context.Background(), def, wc2, nil); err != nil {
		t.Fatal(err)
	}
	if second := string(wc2.Output()); second != first {
		t.Errorf("replay produced different values: %s vs %s", second, first)
	}
}

func TestSleepObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Sleep.Fn(ctx, &Call{Args: []any{60.0}})
	if err == nil {
		t.Fatal("cancelled sleep should error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("sleep ignored cancellation")
	}
}
