// Package catalog implements the compressed catalogue snapshot: the full
// definition of every asset, keyed by asset key, published as one
// zstd-compressed blob alongside the spatial artifacts.
//
// The snapshot is the fallback detail source for assets that carry no
// location and therefore never appear in a feature-store partition.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/codec"
)

var (
	// ErrMalformedCatalog is returned when the snapshot blob fails to decode.
	ErrMalformedCatalog = errors.New("malformed catalog snapshot")

	// ErrNotInCatalog is returned for keys absent from the snapshot.
	ErrNotInCatalog = errors.New("key not in catalog")
)

// Writer assembles a catalogue snapshot.
type Writer struct {
	c    codec.Codec
	defs map[string]gojson.RawMessage
}

// NewWriter creates an empty snapshot writer.
func NewWriter(c codec.Codec) *Writer {
	if c == nil {
		c = codec.Default
	}
	return &Writer{c: c, defs: make(map[string]gojson.RawMessage)}
}

// Add encodes and stores one asset definition. Re-adding a key replaces the
// previous definition.
func (w *Writer) Add(key string, def any) error {
	data, err := w.c.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %q: %w", key, err)
	}
	w.defs[key] = data
	return nil
}

// Count returns the number of definitions added.
func (w *Writer) Count() int { return len(w.defs) }

// Finalize serializes and compresses the snapshot.
func (w *Writer) Finalize() ([]byte, error) {
	raw, err := w.c.Marshal(w.defs)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/3)), nil
}

// Manager serves definitions out of a loaded snapshot. The outer map is
// decoded once at load time; individual definitions are decoded on first
// request and cached.
type Manager struct {
	c codec.Codec

	mu      sync.Mutex
	defs    map[string]gojson.RawMessage
	decoded map[string]map[string]any
}

// Open loads and decompresses the named snapshot from the artifact store.
func Open(ctx context.Context, store blobstore.Store, name string, c codec.Codec) (*Manager, error) {
	if c == nil {
		c = codec.Default
	}

	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	compressed, err := blobstore.ReadAll(blob)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCatalog, err)
	}

	var defs map[string]gojson.RawMessage
	if err := c.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCatalog, err)
	}

	return &Manager{
		c:       c,
		defs:    defs,
		decoded: make(map[string]map[string]any),
	}, nil
}

// Count returns the number of definitions in the snapshot.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.defs)
}

// Has reports whether key exists in the snapshot.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.defs[key]
	return ok
}

// Definition returns the decoded definition of key.
func (m *Manager) Definition(_ context.Context, key string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if def, ok := m.decoded[key]; ok {
		return def, nil
	}
	raw, ok := m.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotInCatalog, key)
	}

	var def map[string]any
	if err := m.c.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: definition %q: %w", ErrMalformedCatalog, key, err)
	}
	m.decoded[key] = def
	return def, nil
}

// Keys returns all keys in the snapshot, in no particular order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.defs))
	for k := range m.defs {
		keys = append(keys, k)
	}
	return keys
}
