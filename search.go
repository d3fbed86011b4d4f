package siteatlas

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/harwick/siteatlas/featurestore"
)

// Results is the outcome of one search pass.
type Results struct {
	// Generation orders passes; appliers drop anything at or below the
	// last generation they rendered.
	Generation uint64

	// Gated reports that the pass was refused: the map was zoomed too far
	// out and the term too short to stand on its own.
	Gated bool

	// Stale reports that a newer pass started while this one ran.
	Stale bool

	// Term and Filters are the effective parameters of the pass.
	Term    string
	Filters map[string][]string

	// Results after spatial narrowing and truncation, in engine order for
	// term searches and store order otherwise.
	Results []featurestore.Result

	// GeofilteredCount is len(Results); UnfilteredCount is the match count
	// before spatial narrowing (or the whole catalogue without a term).
	GeofilteredCount int
	UnfilteredCount  int
}

// Summary renders the result-count line and reports whether the flat
// all-assets base layer should stay visible.
func (r *Results) Summary(maxMapPoints int) (string, bool) {
	switch {
	case r.GeofilteredCount == 0:
		return "", true
	case r.GeofilteredCount == r.UnfilteredCount:
		return fmt.Sprintf("Showing all %d search results", r.UnfilteredCount), true
	case r.UnfilteredCount == 0 && r.GeofilteredCount < maxMapPoints:
		return fmt.Sprintf("Showing all %d search results", r.GeofilteredCount), true
	case r.GeofilteredCount > r.UnfilteredCount:
		// No term: the spatial set is the only criterion, so the base
		// layer would duplicate every marker.
		return fmt.Sprintf("Showing first %d search results", r.GeofilteredCount), false
	default:
		return fmt.Sprintf("Showing first %d / %d search results", r.GeofilteredCount, r.UnfilteredCount), true
	}
}

// SearchOption configures a SearchManager.
type SearchOption func(*SearchManager)

// WithSearchLogger sets the logger.
func WithSearchLogger(l *Logger) SearchOption {
	return func(m *SearchManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// SearchManager runs search passes: it gates on zoom and term length,
// fetches text matches, narrows them by the spatial filter, and caches the
// last engine response so viewport-only changes skip the engine entirely.
type SearchManager struct {
	registry *Registry
	cfg      Config
	logger   *Logger

	gen atomic.Uint64
	sf  singleflight.Group

	mu          sync.Mutex
	lastTerm    string
	hasLast     bool
	lastFilters map[string][]string
	cached      *EngineResponse
	closed      bool
}

// NewSearchManager creates a SearchManager over the registry's services.
func NewSearchManager(registry *Registry, cfg Config, opts ...SearchOption) *SearchManager {
	m := &SearchManager{
		registry: registry,
		cfg:      cfg,
		logger:   NoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generation returns the generation of the newest pass started.
func (m *SearchManager) Generation() uint64 { return m.gen.Load() }

// Close stops the manager; further searches return ErrShutdown.
func (m *SearchManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cached = nil
	m.mu.Unlock()
}

// Search runs one pass with the given term and facet settings. An empty
// term searches by the spatial filter alone.
func (m *SearchManager) Search(ctx context.Context, term string, settings EngineSettings) (*Results, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.mu.Unlock()

	myGen := m.gen.Add(1)

	surface, err := m.registry.GetMap(ctx)
	if err != nil {
		return nil, err
	}
	mapMgr, err := m.registry.GetMapManager(ctx)
	if err != nil {
		return nil, err
	}

	var zoom float64
	if surface != nil {
		zoom = surface.Zoom()
	}

	trimmed := strings.TrimSpace(term)
	hasFilters := anyFilterValues(settings.Filters)
	log := m.logger.WithGeneration(myGen).WithTerm(trimmed)

	// An active facet selection stands on its own; only an unqualified
	// search is refused at low zoom.
	if zoom < m.cfg.MinSearchZoom && len([]rune(trimmed)) < m.cfg.MinSearchLength && !hasFilters {
		if mapMgr != nil {
			mapMgr.SetMapCover(true)
		}
		log.LogGate(ctx, zoom)
		return &Results{Generation: myGen, Gated: true}, nil
	}
	if mapMgr != nil {
		mapMgr.SetMapCover(false)
	}

	spatialMgr, err := m.registry.GetSpatial(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	filtersChanged := m.filtersChangedLocked(settings.Filters, hasFilters)
	cached := m.cached
	lastTerm := m.lastTerm
	hasLast := m.hasLast
	m.mu.Unlock()

	res := &Results{
		Generation: myGen,
		Term:       trimmed,
		Filters:    copyFilters(settings.Filters),
	}

	if trimmed == "" {
		// Spatial-only pass: the bounding box is the whole criterion, plus
		// any facets applied locally.
		if spatialMgr != nil {
			metadata, err := spatialMgr.GetFilteredMetadata(ctx)
			if err != nil {
				log.LogSearch(ctx, 0, 0, err)
				return nil, err
			}
			res.Results = metadata
			res.UnfilteredCount = spatialMgr.TotalFeatures()
		}
		if hasFilters {
			res.Results = narrowByFacets(res.Results, settings.Filters)
		}
	} else {
		engine, err := m.registry.GetEngine(ctx)
		if err != nil {
			return nil, err
		}
		if engine == nil {
			return nil, ErrNoEngine
		}

		resp := cached
		if resp == nil || !hasLast || lastTerm != trimmed || filtersChanged {
			resp, err = m.engineSearch(ctx, engine, trimmed, settings)
			if err != nil {
				log.LogSearch(ctx, 0, 0, err)
				return nil, err
			}
			m.mu.Lock()
			m.cached = resp
			m.mu.Unlock()
		}

		res.Results = resp.Results
		res.UnfilteredCount = resp.Total
		if spatialMgr != nil {
			if fs := spatialMgr.GetFiltered(); fs.Narrowing() {
				narrowed := make([]featurestore.Result, 0, len(res.Results))
				for _, r := range res.Results {
					if fs.Has(r.ID) {
						narrowed = append(narrowed, r)
					}
				}
				res.Results = narrowed
			}
		}
	}

	m.mu.Lock()
	m.lastTerm = trimmed
	m.hasLast = true
	m.lastFilters = copyFilters(settings.Filters)
	m.mu.Unlock()

	if len(res.Results) > m.cfg.MaxMapPoints {
		res.Results = res.Results[:m.cfg.MaxMapPoints]
	}
	res.GeofilteredCount = len(res.Results)

	if m.gen.Load() != myGen {
		res.Stale = true
	}

	log.LogSearch(ctx, res.GeofilteredCount, res.UnfilteredCount, nil)
	return res, nil
}

// engineSearch runs the engine query, collapsing concurrent identical
// queries into one.
func (m *SearchManager) engineSearch(ctx context.Context, engine Engine, term string, settings EngineSettings) (*EngineResponse, error) {
	v, err, _ := m.sf.Do(searchKey(term, settings.Filters), func() (any, error) {
		return engine.Search(ctx, term, settings)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EngineResponse), nil
}

// filtersChangedLocked reports whether the facet selection differs from the
// previous pass. Value order within a facet is not significant.
func (m *SearchManager) filtersChangedLocked(filters map[string][]string, hasFilters bool) bool {
	hadFilters := anyFilterValues(m.lastFilters)
	if hasFilters != hadFilters {
		return true
	}
	if !hasFilters {
		return false
	}
	return !facetsEqual(filters, m.lastFilters)
}

func anyFilterValues(filters map[string][]string) bool {
	for _, vals := range filters {
		if len(vals) > 0 {
			return true
		}
	}
	return false
}

func facetsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		as := append([]string(nil), av...)
		bs := append([]string(nil), bv...)
		sort.Strings(as)
		sort.Strings(bs)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
	}
	return true
}

// narrowByFacets keeps results matching every facet, where a facet matches
// if the result shares at least one of its values.
func narrowByFacets(results []featurestore.Result, filters map[string][]string) []featurestore.Result {
	kept := make([]featurestore.Result, 0, len(results))
	for _, r := range results {
		if matchesFacets(r, filters) {
			kept = append(kept, r)
		}
	}
	return kept
}

func matchesFacets(r featurestore.Result, filters map[string][]string) bool {
	for name, vals := range filters {
		if len(vals) == 0 {
			continue
		}
		have := r.Filters[name]
		matched := false
		for _, v := range vals {
			for _, h := range have {
				if v == h {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func copyFilters(filters map[string][]string) map[string][]string {
	if filters == nil {
		return nil
	}
	out := make(map[string][]string, len(filters))
	for k, v := range filters {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func searchKey(term string, filters map[string][]string) string {
	var sb strings.Builder
	sb.WriteString(term)
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vals := append([]string(nil), filters[name]...)
		sort.Strings(vals)
		sb.WriteByte('\x00')
		sb.WriteString(name)
		for _, v := range vals {
			sb.WriteByte('\x01')
			sb.WriteString(v)
		}
	}
	return sb.String()
}
