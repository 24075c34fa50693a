package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func sample(execID string, seq int64, typ string) Event {
	return Event{
		ExecutionID: execID,
		Seq:         seq,
		Type:        typ,
		SourceID:    "wf/task#0",
		Name:        "task",
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, false)
	em.Emit(sample("ex-1", 2, "TASK_STARTED"))

	out := buf.String()
	for _, want := range []string{"[TASK_STARTED]", "execution=ex-1", "seq=2", "source=wf/task#0"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output %q missing %q", out, want)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, true)
	em.Emit(sample("ex-1", 1, "WORKFLOW_STARTED"))

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if decoded["execution_id"] != "ex-1" || decoded["type"] != "WORKFLOW_STARTED" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestLogEmitterBatchKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, true)
	events := []Event{
		sample("ex-1", 1, "WORKFLOW_STARTED"),
		sample("ex-1", 2, "TASK_STARTED"),
		sample("ex-1", 3, "TASK_COMPLETED"),
	}
	if err := em.EmitBatch(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	for i, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatal(err)
		}
		if int64(decoded["seq"].(float64)) != int64(i+1) {
			t.Errorf("line %d has seq %v", i, decoded["seq"])
		}
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	em := NewBufferedEmitter()
	em.Emit(sample("ex-1", 1, "WORKFLOW_STARTED"))
	em.Emit(sample("ex-1", 2, "TASK_STARTED"))
	em.Emit(sample("ex-2", 1, "WORKFLOW_STARTED"))

	if got := em.GetHistory("ex-1"); len(got) != 2 {
		t.Errorf("GetHistory(ex-1) = %d events, want 2", len(got))
	}
	if got := em.GetHistory("ex-3"); len(got) != 0 {
		t.Errorf("GetHistory(missing) = %d events, want 0", len(got))
	}

	em.Clear("ex-1")
	if got := em.GetHistory("ex-1"); len(got) != 0 {
		t.Errorf("Clear left %d events", len(got))
	}
	if got := em.GetHistory("ex-2"); len(got) != 1 {
		t.Errorf("Clear dropped another execution's events")
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	em := NewBufferedEmitter()
	em.Emit(sample("ex-1", 1, "WORKFLOW_STARTED"))
	em.Emit(sample("ex-1", 2, "TASK_STARTED"))
	em.Emit(sample("ex-1", 3, "TASK_FAILED"))
	em.Emit(sample("ex-1", 4, "TASK_RETRY_STARTED"))

	byType := em.GetHistoryWithFilter("ex-1", HistoryFilter{Type: "TASK_FAILED"})
	if len(byType) != 1 || byType[0].Seq != 3 {
		t.Errorf("type filter = %v", byType)
	}

	min, max := int64(2), int64(3)
	bySeq := em.GetHistoryWithFilter("ex-1", HistoryFilter{MinSeq: &min, MaxSeq: &max})
	if len(bySeq) != 2 {
		t.Errorf("seq range filter = %d events, want 2", len(bySeq))
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	em := NewNullEmitter()
	em.Emit(sample("ex-1", 1, "WORKFLOW_STARTED"))
	if err := em.EmitBatch(context.Background(), []Event{sample("ex-1", 2, "TASK_STARTED")}); err != nil {
		t.Errorf("EmitBatch() error = %v", err)
	}
	if err := em.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}
