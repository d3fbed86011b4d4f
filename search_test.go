package siteatlas

import (
	"context"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/builder"
	"github.com/harwick/siteatlas/featurestore"
	"github.com/harwick/siteatlas/geo"
	"github.com/harwick/siteatlas/searchctx"
	"github.com/harwick/siteatlas/spatial"
)

type fakeMap struct {
	mu          sync.Mutex
	zoom        float64
	fc          *geojson.FeatureCollection
	baseVisible []bool
}

func (m *fakeMap) Zoom() float64 { return m.zoom }

func (m *fakeMap) SetFeatureData(fc *geojson.FeatureCollection) error {
	m.mu.Lock()
	m.fc = fc
	m.mu.Unlock()
	return nil
}

func (m *fakeMap) SetBaseLayerVisible(visible bool) {
	m.mu.Lock()
	m.baseVisible = append(m.baseVisible, visible)
	m.mu.Unlock()
}

func (m *fakeMap) features() *geojson.FeatureCollection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fc
}

type fakeCover struct {
	mu     sync.Mutex
	states []bool
}

func (c *fakeCover) SetMapCover(covered bool) {
	c.mu.Lock()
	c.states = append(c.states, covered)
	c.mu.Unlock()
}

func (c *fakeCover) last(t *testing.T) bool {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.states)
	return c.states[len(c.states)-1]
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	resp  *EngineResponse
	err   error
}

func (e *fakeEngine) Search(context.Context, string, EngineSettings) (*EngineResponse, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.resp, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func engineResults(ids ...string) *EngineResponse {
	resp := &EngineResponse{Total: len(ids)}
	for _, id := range ids {
		resp.Results = append(resp.Results, featurestore.Result{ID: id})
	}
	return resp
}

func spatialFixture(t *testing.T, assets []builder.Asset) *spatial.Manager {
	t.Helper()
	ctx := context.Background()

	arts, err := builder.New().Build(ctx, assets)
	require.NoError(t, err)
	store := blobstore.NewMemoryStore()
	require.NoError(t, arts.Publish(ctx, store))

	m := spatial.NewManager(store, builder.IndexArtifact, builder.TableArtifact, "features/assets.bin")
	require.NoError(t, m.Initialize(ctx, nil))
	return m
}

func defaultAssets() []builder.Asset {
	return []builder.Asset{
		{
			Key:        "castle",
			Registries: []string{"monuments"},
			Excerpt:    "a ruined castle",
			Filters:    map[string][]string{"period": {"medieval"}},
			Geometry:   geojson.NewGeometry(orb.Point{-3.0, 53.0}),
		},
		{
			Key:        "abbey",
			Registries: []string{"monuments"},
			Filters:    map[string][]string{"period": {"medieval", "post-medieval"}},
			Geometry:   geojson.NewGeometry(orb.Point{-3.1, 53.1}),
		},
		{
			Key:        "hillfort",
			Registries: []string{"monuments"},
			Filters:    map[string][]string{"period": {"iron age"}},
			Geometry:   geojson.NewGeometry(orb.Point{-3.05, 53.05}),
		},
		{
			Key:        "wreck",
			Registries: []string{"wrecks"},
			Geometry:   geojson.NewGeometry(orb.Point{1.4, 51.0}),
		},
	}
}

type testHarness struct {
	registry *Registry
	search   *SearchManager
	surface  *fakeMap
	cover    *fakeCover
	engine   *fakeEngine
	spatial  *spatial.Manager
	sctx     searchctx.Manager
}

func newHarness(t *testing.T, zoom float64, engine *fakeEngine, spatialMgr *spatial.Manager) *testHarness {
	t.Helper()
	registry := NewRegistry()
	cfg := DefaultConfig()

	surface := &fakeMap{zoom: zoom}
	cover := &fakeCover{}
	sctx := searchctx.NewStoredManager(searchctx.NewMemoryStore(), nil)

	require.NoError(t, registry.Config.Resolve(cfg))
	require.NoError(t, registry.Map.Resolve(surface))
	require.NoError(t, registry.MapManager.Resolve(cover))
	require.NoError(t, registry.SearchContext.Resolve(sctx))
	require.NoError(t, registry.Spatial.Resolve(spatialMgr))
	if engine != nil {
		require.NoError(t, registry.Engine.Resolve(engine))
	} else {
		require.NoError(t, registry.Engine.Resolve(nil))
	}

	sm := NewSearchManager(registry, cfg)
	require.NoError(t, registry.Search.Resolve(sm))

	return &testHarness{
		registry: registry,
		search:   sm,
		surface:  surface,
		cover:    cover,
		engine:   engine,
		spatial:  spatialMgr,
		sctx:     sctx,
	}
}

func TestSearchGatedWhenZoomedOutAndTermShort(t *testing.T) {
	h := newHarness(t, 5, &fakeEngine{resp: engineResults("a")}, nil)

	res, err := h.search.Search(context.Background(), "ab", EngineSettings{})
	require.NoError(t, err)
	assert.True(t, res.Gated)
	assert.Empty(t, res.Results)
	assert.True(t, h.cover.last(t))
	assert.Zero(t, h.engine.callCount())
}

func TestSearchPassesGateOnActiveFilters(t *testing.T) {
	sm := spatialFixture(t, defaultAssets())
	h := newHarness(t, 5, nil, sm)
	ctx := context.Background()

	require.NoError(t, sm.Filter(geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}))

	// Zoomed out, no term, but a facet selection stands on its own.
	res, err := h.search.Search(ctx, "", EngineSettings{
		Filters: map[string][]string{"period": {"medieval"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.False(t, h.cover.last(t))

	ids := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"castle", "abbey"}, ids)

	// A facet map with only empty value lists does not count as active.
	res, err = h.search.Search(ctx, "", EngineSettings{
		Filters: map[string][]string{"period": {}},
	})
	require.NoError(t, err)
	assert.True(t, res.Gated)
}

func TestSearchPassesGateOnTermLength(t *testing.T) {
	h := newHarness(t, 5, &fakeEngine{resp: engineResults("a", "b")}, nil)

	res, err := h.search.Search(context.Background(), "castle", EngineSettings{})
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.False(t, h.cover.last(t))
	assert.Equal(t, 2, res.GeofilteredCount)
	assert.Equal(t, 2, res.UnfilteredCount)
}

func TestSearchPassesGateOnZoom(t *testing.T) {
	h := newHarness(t, 14, &fakeEngine{resp: engineResults("a")}, nil)

	res, err := h.search.Search(context.Background(), "", EngineSettings{})
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.Zero(t, h.engine.callCount())
}

func TestSearchCacheReuse(t *testing.T) {
	engine := &fakeEngine{resp: engineResults("a", "b")}
	h := newHarness(t, 14, engine, nil)
	ctx := context.Background()

	filters := map[string][]string{"period": {"medieval"}}
	_, err := h.search.Search(ctx, "castle", EngineSettings{Filters: filters})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.callCount())

	// Same term, same filters in a different value order: cache hit.
	_, err = h.search.Search(ctx, "castle", EngineSettings{Filters: map[string][]string{"period": {"medieval"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.callCount())

	// Changed filters: engine queried again.
	_, err = h.search.Search(ctx, "castle", EngineSettings{Filters: map[string][]string{"period": {"roman"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.callCount())

	// Changed term: engine queried again.
	_, err = h.search.Search(ctx, "abbey ruins", EngineSettings{Filters: map[string][]string{"period": {"roman"}}})
	require.NoError(t, err)
	assert.Equal(t, 3, engine.callCount())
}

func TestSearchSpatialNarrowing(t *testing.T) {
	sm := spatialFixture(t, defaultAssets())
	h := newHarness(t, 14, &fakeEngine{resp: engineResults("castle", "wreck", "unlocated")}, sm)
	ctx := context.Background()

	// Viewport over the castle cluster: the wreck and the unlocated asset
	// fall out of the term results.
	require.NoError(t, sm.Filter(geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}))
	res, err := h.search.Search(ctx, "castle", EngineSettings{})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "castle", res.Results[0].ID)
	assert.Equal(t, 3, res.UnfilteredCount)

	// Explicitly-empty keeps suppressing everything.
	sm.SetFiltered(spatial.ExplicitlyEmpty())
	res, err = h.search.Search(ctx, "castle", EngineSettings{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	// Unset releases the narrowing entirely.
	sm.SetFiltered(spatial.Unset())
	res, err = h.search.Search(ctx, "castle", EngineSettings{})
	require.NoError(t, err)
	assert.Len(t, res.Results, 3)
}

func TestSearchNoTermUsesSpatialMetadata(t *testing.T) {
	sm := spatialFixture(t, defaultAssets())
	h := newHarness(t, 14, nil, sm)
	ctx := context.Background()

	require.NoError(t, sm.Filter(geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}))

	res, err := h.search.Search(ctx, "", EngineSettings{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.GeofilteredCount)
	assert.Equal(t, 4, res.UnfilteredCount)

	// Facets: AND across facet names, OR within values.
	res, err = h.search.Search(ctx, "", EngineSettings{
		Filters: map[string][]string{"period": {"medieval", "iron age"}},
	})
	require.NoError(t, err)
	ids := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"castle", "abbey", "hillfort"}, ids)

	res, err = h.search.Search(ctx, "", EngineSettings{
		Filters: map[string][]string{"period": {"post-medieval"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "abbey", res.Results[0].ID)

	res, err = h.search.Search(ctx, "", EngineSettings{
		Filters: map[string][]string{"period": {"medieval"}, "condition": {"intact"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestSearchNoEngine(t *testing.T) {
	h := newHarness(t, 14, nil, nil)
	_, err := h.search.Search(context.Background(), "castle", EngineSettings{})
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestSearchTruncation(t *testing.T) {
	ids := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		ids = append(ids, string(rune('a'+i%26))+string(rune('0'+i%10)))
	}
	resp := &EngineResponse{Total: len(ids)}
	for i, id := range ids {
		resp.Results = append(resp.Results, featurestore.Result{ID: id + string(rune('A'+i/26%26))})
	}

	h := newHarness(t, 14, &fakeEngine{resp: resp}, nil)
	res, err := h.search.Search(context.Background(), "everything", EngineSettings{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxMapPoints, res.GeofilteredCount)
	assert.Equal(t, 500, res.UnfilteredCount)
}

func TestSearchAfterClose(t *testing.T) {
	h := newHarness(t, 14, nil, nil)
	h.search.Close()
	_, err := h.search.Search(context.Background(), "", EngineSettings{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestResultsSummary(t *testing.T) {
	max := DefaultConfig().MaxMapPoints

	text, base := (&Results{GeofilteredCount: 0}).Summary(max)
	assert.Empty(t, text)
	assert.True(t, base)

	text, base = (&Results{GeofilteredCount: 10, UnfilteredCount: 10}).Summary(max)
	assert.Equal(t, "Showing all 10 search results", text)
	assert.True(t, base)

	text, base = (&Results{GeofilteredCount: 10, UnfilteredCount: 0}).Summary(max)
	assert.Equal(t, "Showing all 10 search results", text)
	assert.True(t, base)

	text, base = (&Results{GeofilteredCount: 20, UnfilteredCount: 10}).Summary(max)
	assert.Equal(t, "Showing first 20 search results", text)
	assert.False(t, base)

	text, base = (&Results{GeofilteredCount: 10, UnfilteredCount: 50}).Summary(max)
	assert.Equal(t, "Showing first 10 / 50 search results", text)
	assert.True(t, base)
}

func TestGenerationAdvancesPerPass(t *testing.T) {
	h := newHarness(t, 14, &fakeEngine{resp: engineResults("a")}, nil)
	ctx := context.Background()

	res1, err := h.search.Search(ctx, "castle", EngineSettings{})
	require.NoError(t, err)
	res2, err := h.search.Search(ctx, "abbey", EngineSettings{})
	require.NoError(t, err)

	assert.Greater(t, res2.Generation, res1.Generation)
	assert.Equal(t, res2.Generation, h.search.Generation())
	assert.False(t, res2.Stale)
}
