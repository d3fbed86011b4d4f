package spatial

import (
	"context"
	"fmt"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/featurestore"
	"github.com/harwick/siteatlas/geo"
)

const (
	testIndexName    = "assets.sidx"
	testTableName    = "assets.locations.json"
	testFeaturesName = "features/assets.bin"
)

type fixtureAsset struct {
	key     string
	point   geo.Point
	regcode uint32
}

var fixtureAssets = []fixtureAsset{
	{key: "castle", point: geo.Point{X: -3.0, Y: 53.0}, regcode: 1},
	{key: "abbey", point: geo.Point{X: -3.1, Y: 53.1}, regcode: 1},
	{key: "standing-stone", point: geo.Point{X: -4.5, Y: 56.5}, regcode: 2},
	{key: "hillfort", point: geo.Point{X: -4.51, Y: 56.51}, regcode: 2},
	{key: "lighthouse", point: geo.Point{X: 1.3, Y: 51.1}, regcode: 4},
}

func fixtureStore(t *testing.T) *blobstore.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ib := NewIndexBuilder(len(fixtureAssets), DefaultNodeSize)
	table := make(Table, 0, len(fixtureAssets))
	fw := featurestore.NewWriter("all located assets", nil)

	for _, a := range fixtureAssets {
		_, err := ib.Add(a.point)
		require.NoError(t, err)
		table = append(table, Entry{Key: a.key, RegionCode: a.regcode})
		require.NoError(t, fw.Append(&featurestore.Record{
			ID:         a.key,
			Excerpt:    "about " + a.key,
			RegionCode: a.regcode,
			Geometry:   geojson.NewGeometry(orb.Point{a.point.X, a.point.Y}),
		}))
	}

	index, err := ib.Finish()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testIndexName, index.Bytes()))

	tableData, err := table.Bytes(nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testTableName, tableData))

	features, err := fw.Finalize()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testFeaturesName, features))

	return store
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(fixtureStore(t), testIndexName, testTableName, testFeaturesName, opts...)
	require.NoError(t, m.Initialize(context.Background(), nil))
	return m
}

type recordingIndicator struct {
	states []bool
}

func (r *recordingIndicator) SetFilterActive(v bool) { r.states = append(r.states, v) }

func TestManagerInitialize(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.Available())
	assert.Equal(t, len(fixtureAssets), m.TotalFeatures())
	assert.Nil(t, m.Bounds())
	assert.Equal(t, FilterUnset, m.GetFiltered().State())
}

func TestManagerUnavailableDegradesQuietly(t *testing.T) {
	m := NewManager(blobstore.NewMemoryStore(), testIndexName, testTableName, testFeaturesName)
	err := m.Initialize(context.Background(), nil)
	require.ErrorIs(t, err, ErrUnavailable)

	assert.False(t, m.Available())
	assert.ErrorIs(t, m.Filter(geo.BBox{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}), ErrUnavailable)

	_, err = m.Nearest(context.Background(), geo.Point{}, 0)
	assert.ErrorIs(t, err, ErrUnavailable)

	results, err := m.GetFilteredMetadata(context.Background())
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestManagerFilter(t *testing.T) {
	ind := &recordingIndicator{}
	m := newTestManager(t, WithIndicator(ind))

	wales := geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}
	require.NoError(t, m.Filter(wales))

	fs := m.GetFiltered()
	assert.True(t, fs.Active())
	assert.Equal(t, 2, fs.Len())
	assert.True(t, fs.Has("castle"))
	assert.True(t, fs.Has("abbey"))
	assert.False(t, fs.Has("lighthouse"))
	require.NotNil(t, m.Bounds())
	assert.Equal(t, wales, *m.Bounds())
	assert.Equal(t, true, ind.states[len(ind.states)-1])
}

func TestManagerFilterRejectsInvertedBounds(t *testing.T) {
	m := newTestManager(t)
	err := m.Filter(geo.BBox{MinX: 1, MinY: 1, MaxX: 0, MaxY: 0})
	assert.ErrorIs(t, err, geo.ErrInvertedBounds)
}

func TestManagerSetFiltered(t *testing.T) {
	ind := &recordingIndicator{}
	m := newTestManager(t, WithIndicator(ind))

	require.NoError(t, m.Filter(geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}))
	require.NotNil(t, m.Bounds())

	// Explicitly-empty keeps suppressing results but drops the bounds.
	m.SetFiltered(ExplicitlyEmpty())
	assert.Equal(t, FilterEmpty, m.GetFiltered().State())
	assert.Nil(t, m.Bounds())
	assert.Equal(t, true, ind.states[len(ind.states)-1])

	m.SetFiltered(Unset())
	assert.Equal(t, FilterUnset, m.GetFiltered().State())
	assert.Nil(t, m.Bounds())
	assert.Equal(t, false, ind.states[len(ind.states)-1])
}

func TestManagerFilteredMetadata(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// No bounds yet: nil, not empty.
	results, err := m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, results)

	require.NoError(t, m.Filter(geo.BBox{MinX: -5, MinY: 56, MaxX: -4, MaxY: 57}))
	results, err = m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := []string{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []string{"standing-stone", "hillfort"}, ids)

	data, err := results[0].Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "about "+results[0].ID, data["excerpt"])

	// Second call is served from the cache.
	again, err := m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	assert.Same(t, &results[0], &again[0])

	// Mutation invalidates it.
	require.NoError(t, m.Filter(geo.BBox{MinX: 1, MinY: 51, MaxX: 2, MaxY: 52}))
	results, err = m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "lighthouse", results[0].ID)
}

func TestManagerFilteredMetadataFollowsFilteredPositions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wales := geo.BBox{MinX: -3.5, MinY: 52.5, MaxX: -2.5, MaxY: 53.5}
	require.NoError(t, m.Filter(wales))

	// Narrow the installed set below what the bounds contain; the metadata
	// view must follow the position set, not re-derive from the bounds.
	pos := roaring.New()
	pos.Add(0) // castle
	m.SetFiltered(Filtered(map[string]struct{}{"castle": {}}, pos))

	results, err := m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "castle", results[0].ID)
	assert.Equal(t, len(fixtureAssets), m.TotalFeatures())
}

func TestManagerRejectsMisalignedStore(t *testing.T) {
	ctx := context.Background()
	store := fixtureStore(t)

	// A partition holding fewer records than the index has points cannot
	// share its positions.
	fw := featurestore.NewWriter("partial", nil)
	require.NoError(t, fw.Append(&featurestore.Record{
		ID:       "castle",
		Geometry: geojson.NewGeometry(orb.Point{-3.0, 53.0}),
	}))
	partial, err := fw.Finalize()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testFeaturesName, partial))

	m := NewManager(store, testIndexName, testTableName, testFeaturesName)
	err = m.Initialize(ctx, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, featurestore.ErrMalformedStore)
}

func TestManagerFilteredMetadataEmptyMatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Filter(geo.BBox{MinX: 100, MinY: 10, MaxX: 101, MaxY: 11}))
	results, err := m.GetFilteredMetadata(ctx)
	require.NoError(t, err)
	require.NotNil(t, results)
	assert.Empty(t, results)
}

func TestManagerNearest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Nearest(ctx, geo.Point{X: -3.005, Y: 53.005}, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "castle", rec.ID)

	// Region mask keeps only matching registries.
	rec, err = m.Nearest(ctx, geo.Point{X: -3.005, Y: 53.005}, 4)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Outside the fixed radius is a definitive miss.
	rec, err = m.Nearest(ctx, geo.Point{X: 20, Y: 20}, 0)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManagerNearestPrefersClosest(t *testing.T) {
	m := newTestManager(t)

	for i, want := range []string{"standing-stone", "hillfort"} {
		loc := geo.Point{X: -4.5 - 0.01*float64(i), Y: 56.5 + 0.01*float64(i)}
		rec, err := m.Nearest(context.Background(), loc, 0)
		require.NoError(t, err, fmt.Sprintf("lookup %d", i))
		require.NotNil(t, rec)
		assert.Equal(t, want, rec.ID)
	}
}
