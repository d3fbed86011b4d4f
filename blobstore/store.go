// Package blobstore abstracts access to the immutable search artifacts: the
// serialized spatial index, the location table, feature-store partitions, the
// catalog snapshot and the manifest.
//
// Artifacts are written once per build and never mutated, so the read side is
// the interesting one: LocalStore maps files for zero-copy access, HTTPStore
// fetches from a static host, and the minio subpackage serves S3-compatible
// object storage.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an artifact does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is read-side access to immutable artifact blobs.
type Store interface {
	// Open opens an artifact for reading.
	Open(ctx context.Context, name string) (Blob, error)
}

// PutStore is the optional write side, used by the builder and by mirroring.
type PutStore interface {
	// Put writes an artifact atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
}

// Blob is a read-only handle to an artifact.
type Blob interface {
	io.ReaderAt
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// Mappable is an optional interface for Blobs that expose their full
// contents without copying.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll returns the complete contents of a blob, using the zero-copy path
// when the implementation supports it.
func ReadAll(b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		return m.Bytes()
	}
	data := make([]byte, b.Size())
	if _, err := b.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}
