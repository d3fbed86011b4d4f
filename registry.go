package siteatlas

import (
	"context"

	"github.com/harwick/siteatlas/catalog"
	"github.com/harwick/siteatlas/searchctx"
	"github.com/harwick/siteatlas/services"
	"github.com/harwick/siteatlas/spatial"
)

// Registry is the deferred service container. Every collaborating service
// is published through a write-once slot, so consumers can be constructed
// in any order and block only when they first need a dependency. A service
// may be resolved with its zero value (e.g. no map on a page without one);
// that still unblocks waiters.
type Registry struct {
	Config        *services.Slot[Config]
	Map           *services.Slot[MapSurface]
	MapManager    *services.Slot[MapManager]
	Engine        *services.Slot[Engine]
	Spatial       *services.Slot[*spatial.Manager]
	SearchContext *services.Slot[searchctx.Manager]
	Catalog       *services.Slot[*catalog.Manager]
	Search        *services.Slot[*SearchManager]
}

// NewRegistry creates a registry with every slot unresolved.
func NewRegistry() *Registry {
	return &Registry{
		Config:        services.NewSlot[Config](),
		Map:           services.NewSlot[MapSurface](),
		MapManager:    services.NewSlot[MapManager](),
		Engine:        services.NewSlot[Engine](),
		Spatial:       services.NewSlot[*spatial.Manager](),
		SearchContext: services.NewSlot[searchctx.Manager](),
		Catalog:       services.NewSlot[*catalog.Manager](),
		Search:        services.NewSlot[*SearchManager](),
	}
}

// GetConfig blocks until the configuration is resolved.
func (r *Registry) GetConfig(ctx context.Context) (Config, error) {
	return r.Config.Get(ctx)
}

// GetMap blocks until the map surface is resolved; nil means no map.
func (r *Registry) GetMap(ctx context.Context) (MapSurface, error) {
	return r.Map.Get(ctx)
}

// GetMapManager blocks until the map manager is resolved.
func (r *Registry) GetMapManager(ctx context.Context) (MapManager, error) {
	return r.MapManager.Get(ctx)
}

// GetEngine blocks until the full-text engine is resolved; nil means text
// search is unavailable.
func (r *Registry) GetEngine(ctx context.Context) (Engine, error) {
	return r.Engine.Get(ctx)
}

// GetSpatial blocks until the spatial manager is resolved.
func (r *Registry) GetSpatial(ctx context.Context) (*spatial.Manager, error) {
	return r.Spatial.Get(ctx)
}

// GetSearchContext blocks until the search context manager is resolved.
func (r *Registry) GetSearchContext(ctx context.Context) (searchctx.Manager, error) {
	return r.SearchContext.Get(ctx)
}

// GetSearch blocks until the search manager is resolved.
func (r *Registry) GetSearch(ctx context.Context) (*SearchManager, error) {
	return r.Search.Get(ctx)
}
