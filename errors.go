package siteatlas

import "errors"

var (
	// ErrNoEngine is returned when a term search runs without a resolved
	// full-text engine.
	ErrNoEngine = errors.New("full-text engine unavailable")

	// ErrShutdown is returned for operations on a closed search manager.
	ErrShutdown = errors.New("search manager is shut down")
)
