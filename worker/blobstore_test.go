package worker

import (
	"context"
	"strings"
	"testing"
)

func TestFileBlobStoreRoundTrip(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("blob-content"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("ref = %q", ref)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "blob-content" {
		t.Errorf("Get = %q", got)
	}

	// Identical payloads are content-addressed to the same ref.
	ref2, err := s.Put(ctx, []byte("blob-content"))
	if err != nil {
		t.Fatal(err)
	}
	if ref2 != ref {
		t.Errorf("refs differ for identical payloads: %s vs %s", ref, ref2)
	}
}

func TestFileBlobStoreRejectsTraversal(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "file://../escape"); err == nil {
		t.Error("path traversal ref accepted")
	}
}
