// Package manifest describes one immutable build of the spatial search
// artifacts and tracks which build is current.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/codec"
)

const (
	// ManifestPrefix is the artifact-name prefix of versioned manifest blobs.
	ManifestPrefix = "MANIFEST"
	// CurrentName is the pointer blob naming the current manifest.
	CurrentName = "CURRENT"
	// CurrentVersion is the manifest schema version this code writes.
	CurrentVersion = 1
)

// ErrNoManifest is returned by Load when no build has been published yet.
var ErrNoManifest = errors.New("no manifest published")

// Artifact identifies one published blob of a build.
type Artifact struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex sha-256
}

// Partition identifies one feature-store partition of a build.
type Partition struct {
	Artifact
	Registry string `json:"registry,omitempty"` // empty for the combined partition
	Count    int    `json:"count"`
}

// Manifest is the authoritative description of one artifact build. Builds
// are immutable; a new deployment publishes a fresh manifest and flips the
// CURRENT pointer.
type Manifest struct {
	Version      int       `json:"version"`
	BuildID      uuid.UUID `json:"build_id"`
	CreatedAt    time.Time `json:"created_at"`
	FeatureCount int       `json:"feature_count"`

	// Registries is the sorted registry name list. Region codes are derived
	// from the position in this list, so the order is part of the format.
	Registries []string `json:"registries"`

	SpatialIndex  Artifact    `json:"spatial_index"`
	LocationTable Artifact    `json:"location_table"`
	Catalog       Artifact    `json:"catalog"`
	Partitions    []Partition `json:"partitions"`
}

// RegionCode returns the single-bit code of the named registry, or 0 when
// the registry is not part of this build.
func (m *Manifest) RegionCode(registry string) uint32 {
	for i, name := range m.Registries {
		if name == registry {
			return 1 << uint32(i)
		}
	}
	return 0
}

// RegionMask returns the combined code of the named registries.
func (m *Manifest) RegionMask(registries []string) uint32 {
	var mask uint32
	for _, name := range registries {
		mask |= m.RegionCode(name)
	}
	return mask
}

// Store publishes and loads manifests through an artifact store. Writing is
// two-step: the versioned manifest blob first, the CURRENT pointer second,
// so a reader following CURRENT always sees a complete build.
type Store struct {
	store blobstore.Store
	put   blobstore.PutStore
	c     codec.Codec

	mu sync.Mutex
}

// NewStore creates a manifest store. put may be nil for read-only use.
func NewStore(store blobstore.Store, put blobstore.PutStore, c codec.Codec) *Store {
	if c == nil {
		c = codec.Default
	}
	return &Store{store: store, put: put, c: c}
}

// Load resolves the CURRENT pointer and loads the manifest it names.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(ctx, CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(string(current))
	data, err := s.read(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load manifest %q: %w", name, err)
	}

	var m Manifest
	if err := s.c.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %q: %w", name, err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// Save publishes m under a build-scoped name and flips the CURRENT pointer.
// A zero BuildID and CreatedAt are filled in.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	if s.put == nil {
		return errors.New("manifest store is read-only")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	if m.BuildID == uuid.Nil {
		m.BuildID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	data, err := s.c.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", ManifestPrefix, m.BuildID)
	if err := s.put.Put(ctx, name, data); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	if err := s.put.Put(ctx, CurrentName, []byte(name)); err != nil {
		return fmt.Errorf("update current pointer: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, name string) ([]byte, error) {
	blob, err := s.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	return blobstore.ReadAll(blob)
}
