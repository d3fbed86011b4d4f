// Package builder turns a catalogue of heritage assets into the immutable
// artifact set the runtime consumes: the packed spatial index, the
// position-aligned location table, one feature-store partition per registry
// plus a combined one, the compressed catalogue snapshot, and the manifest
// describing them all.
package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/catalog"
	"github.com/harwick/siteatlas/codec"
	"github.com/harwick/siteatlas/featurestore"
	"github.com/harwick/siteatlas/geo"
	"github.com/harwick/siteatlas/manifest"
	"github.com/harwick/siteatlas/spatial"
)

// Artifact names within a build. Partition names are derived per registry
// under PartitionPrefix.
const (
	IndexArtifact   = "assets.sidx"
	TableArtifact   = "assets.locations.json"
	CatalogArtifact = "assets.catalog.zst"
	PartitionPrefix = "features/"

	combinedPartition = PartitionPrefix + "assets.bin"
)

var (
	// ErrTooManyRegistries is returned when the catalogue spans more
	// registries than fit the 32-bit region code.
	ErrTooManyRegistries = errors.New("more than 32 registries")

	// ErrDuplicateKey is returned when two assets share a key.
	ErrDuplicateKey = errors.New("duplicate asset key")
)

// Asset is one catalogue entry handed to the builder. Geometry may be nil
// for assets without a recorded location; those appear in the catalogue
// snapshot only.
type Asset struct {
	Key        string              `json:"key"`
	Registries []string            `json:"registries"`
	Excerpt    string              `json:"excerpt,omitempty"`
	Filters    map[string][]string `json:"filters,omitempty"`
	Geometry   *geojson.Geometry   `json:"geometry,omitempty"`
	Properties map[string]any      `json:"properties,omitempty"`
}

// Artifacts is the output of one build: every blob by artifact name, plus
// the manifest describing them.
type Artifacts struct {
	Blobs    map[string][]byte
	Manifest *manifest.Manifest
}

// Publish writes every blob of the build to the artifact store. The
// manifest itself is published separately, after the blobs it names.
func (a *Artifacts) Publish(ctx context.Context, store blobstore.PutStore) error {
	names := make([]string, 0, len(a.Blobs))
	for name := range a.Blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := store.Put(ctx, name, a.Blobs[name]); err != nil {
			return fmt.Errorf("publish %q: %w", name, err)
		}
	}
	return nil
}

// Builder assembles artifact builds.
type Builder struct {
	c      codec.Codec
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithCodec sets the codec used for records and the location table.
func WithCodec(c codec.Codec) Option {
	return func(b *Builder) {
		if c != nil {
			b.c = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{c: codec.Default, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs one full build over the catalogue. Assets are processed in key
// order so identical input yields identical artifacts.
func (b *Builder) Build(ctx context.Context, assets []Asset) (*Artifacts, error) {
	sorted := make([]Asset, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Key == sorted[i-1].Key {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, sorted[i].Key)
		}
	}

	registries, codes, err := regionCodes(sorted)
	if err != nil {
		return nil, err
	}

	located := make([]Asset, 0, len(sorted))
	for _, a := range sorted {
		if a.Geometry != nil {
			located = append(located, a)
		}
	}

	b.logger.InfoContext(ctx, "building artifacts",
		"assets", len(sorted),
		"located", len(located),
		"registries", len(registries),
	)

	indexData, tableData, err := b.buildIndex(located, codes)
	if err != nil {
		return nil, err
	}
	catalogData, err := b.buildCatalog(sorted, codes)
	if err != nil {
		return nil, err
	}
	partitions, err := b.buildPartitions(ctx, located, registries, codes)
	if err != nil {
		return nil, err
	}

	blobs := map[string][]byte{
		IndexArtifact:   indexData,
		TableArtifact:   tableData,
		CatalogArtifact: catalogData,
	}
	m := &manifest.Manifest{
		FeatureCount:  len(located),
		Registries:    registries,
		SpatialIndex:  describe(IndexArtifact, indexData),
		LocationTable: describe(TableArtifact, tableData),
		Catalog:       describe(CatalogArtifact, catalogData),
	}
	for _, p := range partitions {
		blobs[p.name] = p.data
		m.Partitions = append(m.Partitions, manifest.Partition{
			Artifact: describe(p.name, p.data),
			Registry: p.registry,
			Count:    p.count,
		})
	}

	return &Artifacts{Blobs: blobs, Manifest: m}, nil
}

// regionCodes derives the bit code of every registry from the sorted name
// list, then the combined mask of every asset.
func regionCodes(assets []Asset) ([]string, map[string]uint32, error) {
	seen := make(map[string]struct{})
	for _, a := range assets {
		for _, r := range a.Registries {
			seen[r] = struct{}{}
		}
	}
	registries := make([]string, 0, len(seen))
	for r := range seen {
		registries = append(registries, r)
	}
	sort.Strings(registries)
	if len(registries) > 32 {
		return nil, nil, fmt.Errorf("%w: %d", ErrTooManyRegistries, len(registries))
	}

	bits := make(map[string]uint32, len(registries))
	for i, r := range registries {
		bits[r] = 1 << uint32(i)
	}

	codes := make(map[string]uint32, len(assets))
	for _, a := range assets {
		var mask uint32
		for _, r := range a.Registries {
			mask |= bits[r]
		}
		codes[a.Key] = mask
	}
	return registries, codes, nil
}

func (b *Builder) buildIndex(located []Asset, codes map[string]uint32) (indexData, tableData []byte, err error) {
	ib := spatial.NewIndexBuilder(len(located), spatial.DefaultNodeSize)
	table := make(spatial.Table, 0, len(located))

	for _, a := range located {
		p, ok := assetPoint(a)
		if !ok {
			return nil, nil, fmt.Errorf("asset %q: %w", a.Key, featurestore.ErrNoLocation)
		}
		if _, err := ib.Add(p); err != nil {
			return nil, nil, err
		}
		table = append(table, spatial.Entry{Key: a.Key, RegionCode: codes[a.Key]})
	}

	index, err := ib.Finish()
	if err != nil {
		return nil, nil, err
	}
	tableData, err = table.Bytes(b.c)
	if err != nil {
		return nil, nil, err
	}
	return index.Bytes(), tableData, nil
}

func (b *Builder) buildCatalog(assets []Asset, codes map[string]uint32) ([]byte, error) {
	w := catalog.NewWriter(b.c)
	for _, a := range assets {
		def := map[string]any{
			"key":        a.Key,
			"registries": a.Registries,
			"excerpt":    a.Excerpt,
			"regcode":    codes[a.Key],
		}
		if len(a.Filters) > 0 {
			def["filters"] = a.Filters
		}
		if a.Geometry != nil {
			def["geometry"] = a.Geometry
		}
		for k, v := range a.Properties {
			def[k] = v
		}
		if err := w.Add(a.Key, def); err != nil {
			return nil, err
		}
	}
	return w.Finalize()
}

type builtPartition struct {
	name     string
	registry string
	count    int
	data     []byte
}

// positionSets returns, parallel to registries, the set of located-asset
// positions whose region code carries that registry's bit. The positions are
// the shared row numbering of the index, table and combined partition.
func positionSets(located []Asset, registries []string, codes map[string]uint32) []*roaring.Bitmap {
	sets := make([]*roaring.Bitmap, len(registries))
	for i := range sets {
		sets[i] = roaring.New()
	}
	for pos, a := range located {
		code := codes[a.Key]
		for i := range registries {
			if code&(1<<uint32(i)) != 0 {
				sets[i].Add(uint32(pos))
			}
		}
	}
	return sets
}

// buildPartitions writes the combined partition plus one per registry,
// fanning the per-registry work out across goroutines. Each partition sees
// its position set in ascending order, so records stay in key order.
func (b *Builder) buildPartitions(ctx context.Context, located []Asset, registries []string, codes map[string]uint32) ([]builtPartition, error) {
	partitions := make([]builtPartition, 1+len(registries))
	sets := positionSets(located, registries, codes)

	all := roaring.New()
	all.AddRange(0, uint64(len(located)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := b.writePartition(combinedPartition, "", "all located assets", located, codes, all)
		if err != nil {
			return err
		}
		partitions[0] = p
		return nil
	})
	for i, registry := range registries {
		i, registry := i, registry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := PartitionPrefix + slugify(registry) + ".bin"
			p, err := b.writePartition(name, registry, registry, located, codes, sets[i])
			if err != nil {
				return err
			}
			partitions[1+i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return partitions, nil
}

// writePartition writes one partition over the assets at the given
// positions.
func (b *Builder) writePartition(name, registry, description string, located []Asset, codes map[string]uint32, set *roaring.Bitmap) (builtPartition, error) {
	w := featurestore.NewWriter(description, b.c)
	for it := set.Iterator(); it.HasNext(); {
		a := located[it.Next()]
		rec := &featurestore.Record{
			ID:         a.Key,
			Excerpt:    a.Excerpt,
			Filters:    a.Filters,
			RegionCode: codes[a.Key],
			Geometry:   a.Geometry,
			Properties: a.Properties,
		}
		if err := w.Append(rec); err != nil {
			return builtPartition{}, fmt.Errorf("partition %q: %w", name, err)
		}
	}
	data, err := w.Finalize()
	if err != nil {
		return builtPartition{}, fmt.Errorf("partition %q: %w", name, err)
	}
	return builtPartition{name: name, registry: registry, count: w.Count(), data: data}, nil
}

func assetPoint(a Asset) (geo.Point, bool) {
	if a.Geometry == nil {
		return geo.Point{}, false
	}
	switch g := a.Geometry.Geometry().(type) {
	case orb.Point:
		return geo.Point{X: g[0], Y: g[1]}, true
	default:
		c := g.Bound().Center()
		return geo.Point{X: c[0], Y: c[1]}, true
	}
}

func describe(name string, data []byte) manifest.Artifact {
	sum := sha256.Sum256(data)
	return manifest.Artifact{
		Name:     name,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}
}

// slugify reduces a registry name to a safe artifact-name segment.
func slugify(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
