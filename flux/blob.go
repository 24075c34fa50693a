package flux

import (
	"context"
	"encoding/json"
)

// BlobStore materializes large encoded values outside the event log. Tasks
// opting into external output storage journal a small reference instead of
// the payload; reads resolve the reference transparently.
type BlobStore interface {
	// Put stores the payload and returns a stable reference to it.
	Put(ctx context.Context, data []byte) (ref string, err error)

	// Get resolves a reference produced by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// OutputStorageInline is the default: values live in the event log.
const OutputStorageInline = "inline"

// OutputStorageLocal materializes values in the worker's local blob store.
const OutputStorageLocal = "local"

// blobRef is the journaled stand-in for an externally-stored value.
type blobRef struct {
	Ref string `json:"$blobref"`
}

// WithBlobStore sets the store backing external output storage.
func WithBlobStore(blobs BlobStore) ContextOption {
	return func(wc *Context) { wc.blobs = blobs }
}

// storeValue routes an encoded value through the blob store when the task
// opted out of inline storage.
func (c *Context) storeValue(value []byte, storageKind string) ([]byte, error) {
	if storageKind == "" || storageKind == OutputStorageInline || c.blobs == nil {
		return value, nil
	}
	ref, err := c.blobs.Put(c.run, value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blobRef{Ref: ref})
}

// maybeResolveBlob dereferences a journaled blob reference; any other
// payload passes through untouched.
func (c *Context) maybeResolveBlob(value []byte) ([]byte, error) {
	if c.blobs == nil || len(value) == 0 {
		return value, nil
	}
	var ref blobRef
	if err := json.Unmarshal(value, &ref); err != nil || ref.Ref == "" {
		return value, nil
	}
	return c.blobs.Get(c.run, ref.Ref)
}
