package flux

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxproj/flux/codec"
)

func newTestContext(t *testing.T, opts ...ContextOption) *Context {
	t.Helper()
	input, err := codec.JSONCodec{}.Encode("input")
	if err != nil {
		t.Fatal(err)
	}
	wc := NewContext("ex-test", "test_workflow", input, opts...)
	wc.beginDrive(context.Background())
	return wc
}

func TestContextSequenceContiguous(t *testing.T) {
	wc := newTestContext(t)
	if err := wc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := wc.AddEvent(EventTaskStarted, "wf/a#0", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := wc.AddEvent(EventTaskCompleted, "wf/a#0", "a", nil); err != nil {
		t.Fatal(err)
	}
	if err := wc.Complete("done"); err != nil {
		t.Fatal(err)
	}

	events := wc.Events()
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
	if wc.CheckpointSeq() != int64(len(events)) {
		t.Errorf("CheckpointSeq() = %d, want %d", wc.CheckpointSeq(), len(events))
	}
}

func TestContextTerminalAbsorbing(t *testing.T) {
	wc := newTestContext(t)
	if err := wc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := wc.Complete("done"); err != nil {
		t.Fatal(err)
	}

	if err := wc.AddEvent(EventTaskStarted, "wf/late#0", "late", nil); !errors.Is(err, ErrExecutionFinished) {
		t.Errorf("append after terminal = %v, want ErrExecutionFinished", err)
	}
	if err := wc.Fail(errors.New("boom")); !errors.Is(err, ErrExecutionFinished) {
		t.Errorf("Fail after terminal = %v, want ErrExecutionFinished", err)
	}
	if n := len(wc.Events()); n != 2 {
		t.Errorf("terminal log grew to %d events", n)
	}
}

func TestContextPredicates(t *testing.T) {
	wc := newTestContext(t)
	if wc.HasStarted() || wc.HasFinished() {
		t.Error("fresh context must be unstarted and unfinished")
	}
	if err := wc.Start(); err != nil {
		t.Fatal(err)
	}
	if !wc.HasStarted() || wc.HasFinished() {
		t.Error("started context: HasStarted true, HasFinished false")
	}
	if err := wc.Fail(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if !wc.HasFailed() || wc.HasSucceeded() || !wc.HasFinished() {
		t.Error("failed context predicates wrong")
	}
	if we := wc.Err(); we == nil || we.Message != "boom" {
		t.Errorf("Err() = %+v, want boom", we)
	}
}

func TestContextOutput(t *testing.T) {
	wc := newTestContext(t)
	if err := wc.Start(); err != nil {
		t.Fatal(err)
	}
	if err := wc.Complete("the result"); err != nil {
		t.Fatal(err)
	}
	var out any
	if err := wc.codec.Decode(wc.Output(), &out); err != nil {
		t.Fatal(err)
	}
	if out != "the result" {
		t.Errorf("Output() = %v, want the result", out)
	}
	if !wc.HasSucceeded() {
		t.Error("HasSucceeded() = false after Complete")
	}
}

func TestContextCheckpointCallback(t *testing.T) {
	var seen []int64
	wc := newTestContext(t, WithCheckpoint(func(_ context.Context, ev Event, _ ExecutionState) error {
		seen = append(seen, ev.Seq)
		return nil
	}))
	_ = wc.Start()
	_ = wc.Complete("x")
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("checkpoint callback saw %v, want [1 2]", seen)
	}
}

func TestContextCheckpointFailureRollsBack(t *testing.T) {
	boom := errors.New("store down")
	calls := 0
	wc := newTestContext(t, WithCheckpoint(func(context.Context, Event, ExecutionState) error {
		calls++
		if calls > 1 {
			return boom
		}
		return nil
	}))
	if err := wc.Start(); err != nil {
		t.Fatal(err)
	}
	err := wc.AddEvent(EventTaskStarted, "wf/a#0", "a", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("AddEvent error = %v, want wrapped store error", err)
	}
	// The rejected event must not survive locally.
	if n := len(wc.Events()); n != 1 {
		t.Errorf("log has %d events after failed checkpoint, want 1", n)
	}
	if wc.CheckpointSeq() != 1 {
		t.Errorf("CheckpointSeq() = %d, want 1", wc.CheckpointSeq())
	}
}

func TestSourceIDStableAcrossReplay(t *testing.T) {
	wc := newTestContext(t)
	first := []string{
		wc.nextSourceID("fetch"),
		wc.nextSourceID("fetch"),
		wc.nextSourceID("transform"),
	}
	wc.beginDrive(context.Background())
	second := []string{
		wc.nextSourceID("fetch"),
		wc.nextSourceID("fetch"),
		wc.nextSourceID("transform"),
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("source id %d changed across replay: %s vs %s", i, first[i], second[i])
		}
	}
	if first[0] == first[1] {
		t.Error("sibling invocations must get distinct source ids")
	}
}
