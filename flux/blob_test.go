package flux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
)

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := "mem://" + hex.EncodeToString(sum[:8])
	m.mu.Lock()
	m.blobs[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return ref, nil
}

func (m *memBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[ref], nil
}

func TestExternalOutputStorage(t *testing.T) {
	blobs := newMemBlobs()
	wc := newTestContext(t, WithBlobStore(blobs))

	big := strings.Repeat("payload-", 512)
	task := NewTask("bulky", func(context.Context, *Call) (any, error) {
		return big, nil
	}, WithOutputStorage(OutputStorageLocal))

	out, err := wc.Invoke(task)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out != big {
		t.Error("external storage changed the returned value")
	}

	// The journal carries a reference, not the payload.
	completed := wc.Events()[1]
	if strings.Contains(string(completed.Value), "payload-") {
		t.Error("payload journaled inline despite external storage")
	}
	if !strings.Contains(string(completed.Value), "$blobref") {
		t.Errorf("journaled value = %s, want a blob reference", completed.Value)
	}

	// Replay resolves the reference back to the payload.
	replay := NewContext("ex-test", "test_workflow", wc.Input(),
		WithEvents(wc.Events()), WithBlobStore(blobs))
	replay.beginDrive(context.Background())
	replayed, err := replay.Invoke(task)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != big {
		t.Error("replay did not resolve the blob reference")
	}
}

func TestInlineStorageUntouched(t *testing.T) {
	wc := newTestContext(t, WithBlobStore(newMemBlobs()))
	task := NewTask("small", func(context.Context, *Call) (any, error) {
		return "tiny", nil
	})
	if _, err := wc.Invoke(task); err != nil {
		t.Fatal(err)
	}
	if string(wc.Events()[1].Value) != `"tiny"` {
		t.Errorf("inline value = %s", wc.Events()[1].Value)
	}
}
