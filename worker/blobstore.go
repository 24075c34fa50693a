package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBlobStore implements flux.BlobStore over a local directory: payloads
// are content-addressed files under the configured local storage path.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates (if needed) the storage directory.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

// Put implements flux.BlobStore. Identical payloads share one file.
func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return "file://" + name, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return "file://" + name, nil
}

// Get implements flux.BlobStore.
func (s *FileBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	name := strings.TrimPrefix(ref, "file://")
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	return os.ReadFile(filepath.Join(s.dir, name))
}
