package geo

import (
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestBBoxValidate(t *testing.T) {
	require.NoError(t, BBox{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1}.Validate())
	require.NoError(t, BBox{}.Validate())
	require.ErrorIs(t, BBox{MinX: 2, MaxX: 1, MaxY: 3}.Validate(), ErrInvertedBounds)
	require.ErrorIs(t, BBox{MinY: 2, MaxX: 1, MaxY: 1}.Validate(), ErrInvertedBounds)
}

func TestBBoxContainsAndIntersects(t *testing.T) {
	b := BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 5}

	require.True(t, b.Contains(Point{5, 2.5}))
	require.True(t, b.Contains(Point{0, 0}), "borders count as inside")
	require.True(t, b.Contains(Point{10, 5}))
	require.False(t, b.Contains(Point{10.01, 2}))

	require.True(t, b.Intersects(BBox{MinX: 9, MinY: 4, MaxX: 20, MaxY: 20}))
	require.True(t, b.Intersects(BBox{MinX: 10, MinY: 5, MaxX: 11, MaxY: 6}), "touching edges intersect")
	require.False(t, b.Intersects(BBox{MinX: 11, MinY: 0, MaxX: 12, MaxY: 5}))
}

func TestBBoxExtendUnion(t *testing.T) {
	b := EmptyBBox().Extend(Point{2, 3}).Extend(Point{-1, 7})
	require.Equal(t, BBox{MinX: -1, MinY: 3, MaxX: 2, MaxY: 7}, b)

	u := b.Union(BBox{MinX: -5, MinY: 4, MaxX: 0, MaxY: 10})
	require.Equal(t, BBox{MinX: -5, MinY: 3, MaxX: 2, MaxY: 10}, u)
}

func TestAround(t *testing.T) {
	b := Around(Point{1, 2}, 0.03)
	require.InDelta(t, 0.97, b.MinX, 1e-12)
	require.InDelta(t, 1.97, b.MinY, 1e-12)
	require.InDelta(t, 1.03, b.MaxX, 1e-12)
	require.InDelta(t, 2.03, b.MaxY, 1e-12)
}

func TestBBoxJSONRoundTrip(t *testing.T) {
	in := BBox{MinX: -4.5, MinY: 50.1, MaxX: -4.0, MaxY: 50.6}

	data, err := gojson.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `[-4.5,50.1,-4.0,50.6]`, string(data))

	var out BBox
	require.NoError(t, gojson.Unmarshal(data, &out))
	require.Equal(t, in, out)

	require.Error(t, gojson.Unmarshal([]byte(`[3,0,1,2]`), &out), "inverted bounds rejected")
}
