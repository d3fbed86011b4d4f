package siteatlas

import (
	"context"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/harwick/siteatlas/featurestore"
	"github.com/harwick/siteatlas/searchctx"
)

// payloadWorkers bounds concurrent lazy payload resolution per pass.
const payloadWorkers = 8

// Applier renders search results onto the map surface and persists them to
// the search context. It keeps the applied marker set between passes so
// unchanged markers are not rebuilt, and it refuses stale passes.
type Applier struct {
	registry *Registry
	cfg      Config
	logger   *Logger

	mu      sync.Mutex
	applied map[string]*geojson.Feature
	lastGen uint64
}

// NewApplier creates an Applier over the registry's services.
func NewApplier(registry *Registry, cfg Config, logger *Logger) *Applier {
	if logger == nil {
		logger = NoopLogger()
	}
	return &Applier{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		applied:  make(map[string]*geojson.Feature),
	}
}

// Apply renders one pass. Gated and stale passes are ignored; a pass older
// than the newest applied one is ignored too, so late-arriving results can
// never overwrite fresher ones.
func (a *Applier) Apply(ctx context.Context, res *Results) error {
	if res == nil || res.Gated || res.Stale {
		return nil
	}

	a.mu.Lock()
	if res.Generation <= a.lastGen {
		a.mu.Unlock()
		return nil
	}
	a.lastGen = res.Generation
	a.mu.Unlock()

	surface, err := a.registry.GetMap(ctx)
	if err != nil {
		return err
	}

	log := a.logger.WithGeneration(res.Generation)

	var failed int
	if surface != nil {
		failed, err = a.applyMarkers(ctx, log, surface, res)
		if err != nil {
			return err
		}
	}

	a.saveContext(ctx, res)
	log.LogApply(ctx, len(res.Results), 0, failed)
	return nil
}

// applyMarkers diffs the result set against the currently applied markers:
// new results gain a marker, results seen again keep theirs, and markers
// whose result disappeared are removed.
func (a *Applier) applyMarkers(ctx context.Context, log *Logger, surface MapSurface, res *Results) (int, error) {
	limit := len(res.Results)
	if limit > a.cfg.MaxMapPoints {
		limit = a.cfg.MaxMapPoints
	}
	subset := res.Results[:limit]

	a.mu.Lock()
	existing := make(map[string]bool, len(a.applied))
	for id := range a.applied {
		existing[id] = true
	}
	a.mu.Unlock()

	features := make([]*geojson.Feature, len(subset))
	var failures counter

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(payloadWorkers)
	for i, r := range subset {
		if r.Location == nil || existing[r.ID] {
			continue
		}
		i, r := i, r
		g.Go(func() error {
			f, err := a.buildMarker(ctx, r)
			if err != nil {
				// A single unreadable payload must not sink the pass.
				failures.add()
				log.DebugContext(ctx, "result payload unavailable", "id", r.ID, "error", err)
				return nil
			}
			features[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failures.load(), err
	}

	seen := make(map[string]bool, len(subset))
	for _, r := range subset {
		seen[r.ID] = true
	}

	a.mu.Lock()
	var removed int
	for id := range a.applied {
		if !seen[id] {
			delete(a.applied, id)
			removed++
		}
	}
	for _, f := range features {
		if f != nil {
			a.applied[f.Properties.MustString("slug")] = f
		}
	}
	fc := geojson.NewFeatureCollection()
	for _, f := range a.applied {
		fc.Append(f)
	}
	a.mu.Unlock()

	sort.Slice(fc.Features, func(i, j int) bool {
		return fc.Features[i].Properties.MustString("slug") < fc.Features[j].Properties.MustString("slug")
	})

	if err := surface.SetFeatureData(fc); err != nil {
		return failures.load(), err
	}
	if res.GeofilteredCount > 0 {
		_, showBase := res.Summary(a.cfg.MaxMapPoints)
		surface.SetBaseLayerVisible(showBase)
	}
	return failures.load(), nil
}

// buildMarker resolves the result payload into one map feature.
func (a *Applier) buildMarker(ctx context.Context, r featurestore.Result) (*geojson.Feature, error) {
	f := geojson.NewFeature(orb.Point{r.Location.X, r.Location.Y})
	f.Properties["slug"] = r.ID
	f.Properties["description"] = r.Excerpt

	if r.Data != nil {
		data, err := r.Data(ctx)
		if err != nil {
			return nil, err
		}
		if title, ok := data["title"].(string); ok {
			f.Properties["title"] = title
		}
		if desc, ok := data["excerpt"].(string); ok && desc != "" {
			f.Properties["description"] = desc
		}
	}
	return f, nil
}

// saveContext persists the pass for previous/next navigation. Failures are
// already swallowed by the context manager.
func (a *Applier) saveContext(ctx context.Context, res *Results) {
	ctxMgr, err := a.registry.GetSearchContext(ctx)
	if err != nil || ctxMgr == nil {
		return
	}

	ids := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		ids = append(ids, r.ID)
	}

	params := searchctx.Params{
		Term:    res.Term,
		Filters: copyFilters(res.Filters),
	}
	if spatialMgr, err := a.registry.GetSpatial(ctx); err == nil && spatialMgr != nil {
		params.GeoBounds = spatialMgr.Bounds()
	}

	ctxMgr.SaveResults(ctx, ids, params)
}

func (a *Applier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
