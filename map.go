package siteatlas

import (
	"github.com/paulmach/orb/geojson"
)

// MapSurface is the rendered map the orchestrator reads zoom from and
// pushes marker data to. Implementations bridge to whatever actually draws
// the map; the orchestrator never renders.
type MapSurface interface {
	// Zoom returns the current zoom level.
	Zoom() float64

	// SetFeatureData replaces the marker feature collection.
	SetFeatureData(fc *geojson.FeatureCollection) error

	// SetBaseLayerVisible toggles the flat all-assets layer, hidden when
	// search results replace it.
	SetBaseLayerVisible(visible bool)
}

// MapManager owns map-adjacent UI state that is not marker data.
type MapManager interface {
	// SetMapCover toggles the "zoom in or refine your search" cover shown
	// while searches are gated.
	SetMapCover(covered bool)
}

// NoopMapManager is a MapManager that does nothing, for headless use.
type NoopMapManager struct{}

// SetMapCover implements MapManager.
func (NoopMapManager) SetMapCover(bool) {}
