// Package geo provides the small lon/lat primitives shared by the spatial
// index, the feature store and the search orchestrator.
//
// Coordinates are always longitude-first (x, y), matching GeoJSON. Distances
// are plain Euclidean in degree space, which is acceptable at the sub-degree
// radii this module works with.
package geo

import (
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// ErrInvertedBounds is returned when a bounding box has min > max on an axis.
var ErrInvertedBounds = errors.New("bounding box has inverted bounds")

// Point is a lon/lat coordinate pair.
type Point struct {
	X float64 // longitude
	Y float64 // latitude
}

// DistSq returns the squared Euclidean distance to other in degree space.
func (p Point) DistSq(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return dx*dx + dy*dy
}

// BBox is an axis-aligned bounding box (minX, minY, maxX, maxY) in lon/lat.
// It serves both as a map viewport and as a spatial query.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Validate checks the minX <= maxX, minY <= maxY invariant.
func (b BBox) Validate() error {
	if b.MinX > b.MaxX || b.MinY > b.MaxY {
		return fmt.Errorf("%w: [%v %v %v %v]", ErrInvertedBounds, b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	return nil
}

// Contains reports whether p lies within the box, borders included.
func (b BBox) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Intersects reports whether the two boxes overlap, borders included.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && b.MaxX >= o.MinX && b.MinY <= o.MaxY && b.MaxY >= o.MinY
}

// Extend grows the box to include p and returns the result.
func (b BBox) Extend(p Point) BBox {
	if p.X < b.MinX {
		b.MinX = p.X
	}
	if p.Y < b.MinY {
		b.MinY = p.Y
	}
	if p.X > b.MaxX {
		b.MaxX = p.X
	}
	if p.Y > b.MaxY {
		b.MaxY = p.Y
	}
	return b
}

// Union returns the smallest box covering both b and o.
func (b BBox) Union(o BBox) BBox {
	return b.Extend(Point{o.MinX, o.MinY}).Extend(Point{o.MaxX, o.MaxY})
}

// Around returns the box of half-width radius centered on p.
func Around(p Point, radius float64) BBox {
	return BBox{
		MinX: p.X - radius,
		MinY: p.Y - radius,
		MaxX: p.X + radius,
		MaxY: p.Y + radius,
	}
}

// EmptyBBox returns a degenerate box suitable as a Union/Extend seed.
func EmptyBBox() BBox {
	const inf = 1e308
	return BBox{MinX: inf, MinY: inf, MaxX: -inf, MaxY: -inf}
}

// MarshalJSON encodes the box as the four-element array used in URLs and
// artifact headers: [minX, minY, maxX, maxY].
func (b BBox) MarshalJSON() ([]byte, error) {
	return gojson.Marshal([4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY})
}

// UnmarshalJSON decodes the four-element array form.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var arr [4]float64
	if err := gojson.Unmarshal(data, &arr); err != nil {
		return err
	}
	*b = BBox{MinX: arr[0], MinY: arr[1], MaxX: arr[2], MaxY: arr[3]}
	return b.Validate()
}
