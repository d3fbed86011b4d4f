package spatial

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// FilterState distinguishes the three states of spatial narrowing. The
// distinction between Unset and ExplicitlyEmpty is load-bearing: "never
// filtered" gives the text engine full autonomy, while "filtered to empty by
// user action" must keep suppressing results.
type FilterState uint8

const (
	// FilterUnset means no spatial filtering is active.
	FilterUnset FilterState = iota
	// FilterEmpty means the user explicitly reset to "show nothing spatially".
	FilterEmpty
	// FilterActive means a key set from a bounding-box query is in effect.
	FilterActive
)

// FilteredSet is the current spatially narrowed set of asset keys, as a
// tagged union over the three states.
type FilteredSet struct {
	state     FilterState
	keys      map[string]struct{}
	positions *roaring.Bitmap
}

// Unset returns the "never filtered" state.
func Unset() FilteredSet {
	return FilteredSet{state: FilterUnset}
}

// ExplicitlyEmpty returns the "filtered to nothing by user action" state.
func ExplicitlyEmpty() FilteredSet {
	return FilteredSet{state: FilterEmpty}
}

// Filtered returns an active filter over the given keys. positions may carry
// the matching table positions; when present the metadata view is streamed
// from them directly instead of re-querying by bounds.
func Filtered(keys map[string]struct{}, positions *roaring.Bitmap) FilteredSet {
	if keys == nil {
		keys = map[string]struct{}{}
	}
	return FilteredSet{state: FilterActive, keys: keys, positions: positions}
}

// State returns the filter state tag.
func (f FilteredSet) State() FilterState { return f.state }

// Active reports whether a bounding-box key set is in effect.
func (f FilteredSet) Active() bool { return f.state == FilterActive }

// Narrowing reports whether results must be narrowed at all, i.e. the state
// is anything but Unset.
func (f FilteredSet) Narrowing() bool { return f.state != FilterUnset }

// Has reports whether key is inside the active filter. It returns false for
// the Unset and ExplicitlyEmpty states; callers must check State or Active
// first when Unset means "everything passes".
func (f FilteredSet) Has(key string) bool {
	if f.state != FilterActive {
		return false
	}
	_, ok := f.keys[key]
	return ok
}

// Len returns the number of keys in an active filter, 0 otherwise.
func (f FilteredSet) Len() int {
	if f.state != FilterActive {
		return 0
	}
	return len(f.keys)
}

// Positions returns the matching index positions of an active filter, or nil.
func (f FilteredSet) Positions() *roaring.Bitmap {
	if f.state != FilterActive {
		return nil
	}
	return f.positions
}
