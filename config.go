package siteatlas

import "time"

// Config carries the tunables of the search orchestrator. The zero value is
// not usable; start from DefaultConfig.
type Config struct {
	// MinSearchZoom is the map zoom below which searches are gated unless
	// the term alone is specific enough.
	MinSearchZoom float64

	// MinSearchLength is the minimum trimmed term length that lets a search
	// through regardless of zoom.
	MinSearchLength int

	// MaxMapPoints caps how many results are placed on the map per pass.
	MaxMapPoints int

	// TimeToShowLoading is how long a pass may run before a loading
	// indicator is warranted.
	TimeToShowLoading time.Duration

	// HasSearch disables the whole search subsystem when false.
	HasSearch bool

	// AllowSearchContext selects persistent search context storage; when
	// false, context is derived from the URL alone.
	AllowSearchContext bool
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		MinSearchZoom:     13,
		MinSearchLength:   4,
		MaxMapPoints:      300,
		TimeToShowLoading: 50 * time.Millisecond,
		HasSearch:         true,
	}
}
