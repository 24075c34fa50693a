package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines.
//   - JSON mode: one JSON object per line (JSONL).
//
// Example text output:
//
//	[TASK_STARTED] execution=ex-001 seq=2 source=wf/say_hello#0 name=say_hello
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer
// (os.Stdout if nil). Set jsonMode for JSONL output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		ExecutionID string         `json:"execution_id"`
		Seq         int64          `json:"seq"`
		Type        string         `json:"type"`
		SourceID    string         `json:"source_id"`
		Name        string         `json:"name"`
		Meta        map[string]any `json:"meta"`
	}{event.ExecutionID, event.Seq, event.Type, event.SourceID, event.Name, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] execution=%s seq=%d source=%s name=%s",
		event.Type, event.ExecutionID, event.Seq, event.SourceID, event.Name)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes all events in order.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes directly without buffering. Wrap the
// writer with bufio.Writer and flush that if buffering is needed.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
