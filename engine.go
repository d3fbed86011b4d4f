package siteatlas

import (
	"context"

	"github.com/harwick/siteatlas/featurestore"
)

// EngineSettings carries the facet filters handed to the full-text engine.
type EngineSettings struct {
	// Filters maps facet name to accepted values. Facets combine with AND,
	// values within a facet with OR.
	Filters map[string][]string
}

// EngineResponse is one raw answer from the full-text engine, before any
// spatial narrowing.
type EngineResponse struct {
	// Results in relevance order, with lazy payloads.
	Results []featurestore.Result

	// Total is the match count before any truncation.
	Total int
}

// Engine is the full-text search engine behind term searches. The spatial
// side never depends on it; a catalogue can ship without text search.
type Engine interface {
	Search(ctx context.Context, term string, settings EngineSettings) (*EngineResponse, error)
}
