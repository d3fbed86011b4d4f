package spatial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/codec"
	"github.com/harwick/siteatlas/featurestore"
	"github.com/harwick/siteatlas/geo"
)

// DefaultNearestRadius is the fixed half-width, in degrees, of the box
// streamed for nearest-feature lookups. A miss at this radius is a
// definitive miss; there is no growth retry.
const DefaultNearestRadius = 0.03

// ErrUnavailable is returned when the spatial artifacts failed to load and
// the manager is degraded to "no spatial narrowing".
var ErrUnavailable = errors.New("spatial index unavailable")

// Indicator receives the "map filter active" UI side effect. Rendering is
// external; the manager only reports state transitions.
type Indicator interface {
	SetFilterActive(active bool)
}

type noopIndicator struct{}

func (noopIndicator) SetFilterActive(bool) {}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIndicator sets the filter-active indicator.
func WithIndicator(ind Indicator) ManagerOption {
	return func(m *Manager) {
		if ind != nil {
			m.indicator = ind
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNearestRadius overrides the nearest-lookup radius in degrees.
func WithNearestRadius(radius float64) ManagerOption {
	return func(m *Manager) { m.radius = radius }
}

// WithCodec sets the codec used to decode the location table.
func WithCodec(c codec.Codec) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.c = c
		}
	}
}

// Manager is the runtime wrapper around the spatial artifacts. It loads the
// serialized index and location table, answers bounding-box filters, and
// owns the currently filtered key set and its cached metadata view.
type Manager struct {
	store        blobstore.Store
	indexName    string
	tableName    string
	featuresName string
	c            codec.Codec
	logger       *slog.Logger
	indicator    Indicator
	radius       float64

	mu            sync.Mutex
	index         *Index
	table         Table
	features      *featurestore.Reader
	available     bool
	filtered      FilteredSet
	bounds        *geo.BBox
	metaCache     []featurestore.Result
	totalFeatures int
}

// NewManager creates a Manager reading the named artifacts from store.
// Initialize must be called before queries.
func NewManager(store blobstore.Store, indexName, tableName, featuresName string, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		indexName:    indexName,
		tableName:    tableName,
		featuresName: featuresName,
		c:            codec.Default,
		logger:       slog.Default(),
		indicator:    noopIndicator{},
		radius:       DefaultNearestRadius,
		filtered:     Unset(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the index, the location table and the feature store. All
// loads must succeed or the manager reports ErrUnavailable and every
// dependent becomes a no-op: search degrades to text-only, it never crashes
// the host. If bounds is non-nil an initial Filter is performed.
func (m *Manager) Initialize(ctx context.Context, bounds *geo.BBox) error {
	index, table, features, err := m.load(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "spatial artifacts unavailable", "error", err)
		m.mu.Lock()
		m.available = false
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.Lock()
	m.index = index
	m.table = table
	m.features = features
	m.totalFeatures = features.Header().Count
	m.available = true
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "spatial index loaded",
		"points", index.NumItems(),
		"features", features.Header().Count,
	)

	if bounds != nil {
		return m.Filter(*bounds)
	}
	m.SetFiltered(Unset())
	return nil
}

func (m *Manager) load(ctx context.Context) (*Index, Table, *featurestore.Reader, error) {
	indexBlob, err := m.store.Open(ctx, m.indexName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load %q: %w", m.indexName, err)
	}
	defer indexBlob.Close()
	indexData, err := blobstore.ReadAll(indexBlob)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load %q: %w", m.indexName, err)
	}
	index, err := FromBytes(indexData)
	if err != nil {
		return nil, nil, nil, err
	}

	tableBlob, err := m.store.Open(ctx, m.tableName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load %q: %w", m.tableName, err)
	}
	defer tableBlob.Close()
	tableData, err := blobstore.ReadAll(tableBlob)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load %q: %w", m.tableName, err)
	}
	table, err := TableFromBytes(tableData, m.c)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(table) != index.NumItems() {
		return nil, nil, nil, fmt.Errorf("%w: table has %d rows for %d indexed points",
			ErrMalformedTable, len(table), index.NumItems())
	}

	features, err := featurestore.Open(ctx, m.store, m.featuresName)
	if err != nil {
		return nil, nil, nil, err
	}
	// Index positions double as feature-store positions, so the store must
	// be the combined partition of the same build.
	if features.Header().Count != index.NumItems() {
		features.Close()
		return nil, nil, nil, fmt.Errorf("%w: store has %d features for %d indexed points",
			featurestore.ErrMalformedStore, features.Header().Count, index.NumItems())
	}
	return index, table, features, nil
}

// Available reports whether the spatial artifacts loaded successfully.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// TotalFeatures returns the feature count of the backing store, used as the
// unfiltered total when searching without a term.
func (m *Manager) TotalFeatures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalFeatures
}

// Bounds returns the currently filtered bounding box, or nil.
func (m *Manager) Bounds() *geo.BBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bounds == nil {
		return nil
	}
	b := *m.bounds
	return &b
}

// Filter queries the index with box, maps the matching positions through the
// location table and installs the resulting key set as the active filter.
func (m *Manager) Filter(box geo.BBox) error {
	if err := box.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return ErrUnavailable
	}
	positions := m.index.Search(box)
	table := m.table
	m.mu.Unlock()

	keys := make(map[string]struct{}, len(positions))
	bitmap := roaring.New()
	for _, pos := range positions {
		if pos >= 0 && pos < len(table) {
			keys[table[pos].Key] = struct{}{}
			bitmap.Add(uint32(pos))
		}
	}

	m.mu.Lock()
	m.setFilteredLocked(Filtered(keys, bitmap))
	b := box
	m.bounds = &b
	m.mu.Unlock()

	m.logger.Debug("viewport filter applied", "matches", len(keys))
	return nil
}

// SetFiltered is the single mutation point for the filtered set. Unset
// clears the bounds and hides the indicator; the other states show it. Any
// cached metadata view is invalidated: the underlying key set has changed.
func (m *Manager) SetFiltered(fs FilteredSet) {
	m.mu.Lock()
	m.setFilteredLocked(fs)
	m.mu.Unlock()
}

func (m *Manager) setFilteredLocked(fs FilteredSet) {
	if !fs.Active() {
		m.bounds = nil
	}
	m.filtered = fs
	m.metaCache = nil
	m.indicator.SetFilterActive(fs.Narrowing())
}

// GetFiltered returns the bare filtered set.
func (m *Manager) GetFiltered() FilteredSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filtered
}

// GetFilteredMetadata returns lazy result descriptors for every feature
// inside the current bounds, streaming the feature store on first call and
// caching until the next SetFiltered/Filter. Without active bounds it
// returns nil. An active filter matching zero features yields an empty,
// non-nil slice.
func (m *Manager) GetFilteredMetadata(ctx context.Context) ([]featurestore.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metaCache != nil {
		return m.metaCache, nil
	}
	if m.bounds == nil {
		return nil, nil
	}
	if !m.available {
		return nil, ErrUnavailable
	}

	var stream *featurestore.Stream
	if pb := m.filtered.Positions(); pb != nil {
		// The filter already carries the exact matched positions; stream
		// those instead of re-running containment over the whole table.
		positions := make([]int, 0, pb.GetCardinality())
		it := pb.Iterator()
		for it.HasNext() {
			positions = append(positions, int(it.Next()))
		}
		m.totalFeatures = m.features.Header().Count
		stream = m.features.Select(positions, nil)
	} else {
		stream = m.features.Query(*m.bounds, func(h featurestore.Header) {
			m.totalFeatures = h.Count
		})
	}
	results, err := m.features.Results(stream)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []featurestore.Result{}
	}
	m.metaCache = results

	m.logger.DebugContext(ctx, "filtered metadata assembled", "count", len(results))
	return results, nil
}

// Nearest streams all features within the fixed radius around loc and
// returns the closest one, optionally restricted to features whose region
// code intersects regionMask (0 means no restriction). It returns nil when
// nothing qualifies inside the radius.
func (m *Manager) Nearest(ctx context.Context, loc geo.Point, regionMask uint32) (*featurestore.Record, error) {
	m.mu.Lock()
	features := m.features
	available := m.available
	radius := m.radius
	m.mu.Unlock()

	if !available {
		return nil, ErrUnavailable
	}

	stream := features.Query(geo.Around(loc, radius), nil)

	var best *featurestore.Record
	bestDist := 0.0
	for {
		rec, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if regionMask != 0 && rec.RegionCode&regionMask == 0 {
			continue
		}
		p, ok := rec.Point()
		if !ok {
			continue
		}
		if d := p.DistSq(loc); best == nil || d < bestDist {
			best = rec
			bestDist = d
		}
	}

	if best != nil {
		m.logger.DebugContext(ctx, "nearest feature resolved", "id", best.ID)
	}
	return best, nil
}
