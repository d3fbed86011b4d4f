package searchctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/harwick/siteatlas/codec"
)

// ErrNoContext is returned by Load when nothing has been persisted yet.
var ErrNoContext = errors.New("no search context stored")

// Store persists one search context.
type Store interface {
	Load(ctx context.Context) (Context, error)
	Save(ctx context.Context, c Context) error
}

// MemoryStore keeps the context in memory, scoped to the process.
type MemoryStore struct {
	mu      sync.Mutex
	current Context
	set     bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Load returns the stored context.
func (s *MemoryStore) Load(context.Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Context{}, ErrNoContext
	}
	return s.current, nil
}

// Save replaces the stored context.
func (s *MemoryStore) Save(_ context.Context, c Context) error {
	s.mu.Lock()
	s.current = c
	s.set = true
	s.mu.Unlock()
	return nil
}

// FileStore persists the context as a JSON file, written atomically.
type FileStore struct {
	path string
	c    codec.Codec
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path. The parent directory must exist.
func NewFileStore(path string, c codec.Codec) *FileStore {
	if c == nil {
		c = codec.Default
	}
	return &FileStore{path: path, c: c}
}

// Load reads and decodes the persisted context.
func (s *FileStore) Load(context.Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Context{}, ErrNoContext
	}
	if err != nil {
		return Context{}, err
	}

	var c Context
	if err := s.c.Unmarshal(data, &c); err != nil {
		return Context{}, fmt.Errorf("decode search context: %w", err)
	}
	return c, nil
}

// Save writes the context via a temp file and rename.
func (s *FileStore) Save(_ context.Context, c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.c.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode search context: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".searchctx-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
