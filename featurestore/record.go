// Package featurestore implements the streaming feature store: one binary
// partition per registry (plus a combined partition) holding the
// attribute-bearing, geometry-bearing record of every located asset.
//
// A partition embeds a per-record coordinate table, so a bounding-box query
// decodes only the records it yields; everything else stays untouched on
// disk (or unfetched, behind a ranged blobstore). Records are individually
// lz4-compressed to keep that random access.
package featurestore

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/harwick/siteatlas/geo"
)

// Record is the stored form of one located asset.
type Record struct {
	ID         string              `json:"id"`
	Excerpt    string              `json:"excerpt,omitempty"`
	Filters    map[string][]string `json:"filters,omitempty"`
	RegionCode uint32              `json:"regcode"`
	Geometry   *geojson.Geometry   `json:"geometry,omitempty"`
	Properties map[string]any      `json:"properties,omitempty"`
}

// Point resolves the record's representative point location: the geometry
// itself for points, the bound centre otherwise (geometries arrive
// centroid-reduced upstream, so this is a fallback, not a projection).
func (r *Record) Point() (geo.Point, bool) {
	if r.Geometry == nil {
		return geo.Point{}, false
	}
	switch g := r.Geometry.Geometry().(type) {
	case orb.Point:
		return geo.Point{X: g[0], Y: g[1]}, true
	default:
		c := g.Bound().Center()
		return geo.Point{X: c[0], Y: c[1]}, true
	}
}

// Payload assembles the full attribute map handed to detail rendering: the
// stored properties plus the excerpt, mirroring what result cards expect.
func (r *Record) Payload() map[string]any {
	payload := make(map[string]any, len(r.Properties)+2)
	for k, v := range r.Properties {
		payload[k] = v
	}
	payload["excerpt"] = r.Excerpt
	payload["regcode"] = r.RegionCode
	return payload
}

// Result is a lightweight descriptor for a matched record. The full
// attribute payload is resolved lazily via Data, so off-screen results never
// materialize their payloads. Location is nil for results that carry no
// point, e.g. text-engine matches on unlocated assets.
type Result struct {
	ID       string
	Excerpt  string
	Filters  map[string][]string
	Location *geo.Point
	Data     func(ctx context.Context) (map[string]any, error)
}
