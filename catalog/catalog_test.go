package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harwick/siteatlas/blobstore"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()

	w := NewWriter(nil)
	require.NoError(t, w.Add("castle", map[string]any{"name": "Castle", "period": "medieval"}))
	require.NoError(t, w.Add("abbey", map[string]any{"name": "Abbey"}))
	require.NoError(t, w.Add("abbey", map[string]any{"name": "Abbey", "revised": true}))
	assert.Equal(t, 2, w.Count())

	data, err := w.Finalize()
	require.NoError(t, err)

	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "assets.catalog.zst", data))

	m, err := Open(ctx, store, "assets.catalog.zst", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())
	assert.True(t, m.Has("castle"))
	assert.False(t, m.Has("pier"))
	assert.ElementsMatch(t, []string{"castle", "abbey"}, m.Keys())

	def, err := m.Definition(ctx, "castle")
	require.NoError(t, err)
	assert.Equal(t, "Castle", def["name"])

	// Re-added keys keep the latest definition.
	def, err = m.Definition(ctx, "abbey")
	require.NoError(t, err)
	assert.Equal(t, true, def["revised"])

	_, err = m.Definition(ctx, "pier")
	assert.ErrorIs(t, err, ErrNotInCatalog)
}

func TestOpenRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "bad.zst", []byte("not zstd at all")))

	_, err := Open(ctx, store, "bad.zst", nil)
	assert.ErrorIs(t, err, ErrMalformedCatalog)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(context.Background(), blobstore.NewMemoryStore(), "missing.zst", nil)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
