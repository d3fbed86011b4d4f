// Package searchctx persists search state across page views: the active
// search parameters, the ordered result-ID list, and previous/next
// navigation between detail pages.
package searchctx

import (
	"net/url"
	"regexp"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/harwick/siteatlas/geo"
)

// URL parameter names.
const (
	ParamTerm    = "searchTerm"
	ParamBounds  = "geoBounds"
	ParamFilters = "searchFilters"
)

// Inbound URL values are untrusted; each parameter has a character
// allow-list and anything outside it is dropped rather than rejected.
var (
	termPattern    = regexp.MustCompile(`(?i)^[_0-9a-z ."'-:{}@]*$`)
	filtersPattern = regexp.MustCompile(`(?i)^[_0-9a-z ."'-:{}@\[\]]*$`)
	boundsPattern  = regexp.MustCompile(`(?i)^[-,\[\]_0-9a-f.{}@]*$`)
)

// Params is one set of search parameters. Zero-value fields mean "not set".
type Params struct {
	Term      string              `json:"searchTerm,omitempty"`
	GeoBounds *geo.BBox           `json:"geoBounds,omitempty"`
	Filters   map[string][]string `json:"searchFilters,omitempty"`
}

// Values encodes the parameters as URL query values. Bounds and filters are
// carried as compact JSON, matching what ParseValues accepts.
func (p Params) Values() url.Values {
	v := url.Values{}
	if p.Term != "" {
		v.Set(ParamTerm, p.Term)
	}
	if p.GeoBounds != nil {
		if data, err := gojson.Marshal(p.GeoBounds); err == nil {
			v.Set(ParamBounds, string(data))
		}
	}
	if len(p.Filters) > 0 {
		if data, err := gojson.Marshal(p.Filters); err == nil {
			v.Set(ParamFilters, string(data))
		}
	}
	return v
}

// ParseValues extracts sanitized parameters from URL query values. Absent,
// malformed, or disallowed values yield unset fields; parsing never fails.
func ParseValues(v url.Values) Params {
	var p Params

	if term := v.Get(ParamTerm); term != "" && term != "null" && termPattern.MatchString(term) {
		p.Term = term
	}

	if raw := v.Get(ParamFilters); raw != "" && raw != "{}" && filtersPattern.MatchString(raw) {
		var filters map[string][]string
		if err := gojson.Unmarshal([]byte(raw), &filters); err == nil && len(filters) > 0 {
			p.Filters = filters
		}
	}

	if raw := v.Get(ParamBounds); raw != "" && boundsPattern.MatchString(raw) {
		var bounds geo.BBox
		if err := gojson.Unmarshal([]byte(raw), &bounds); err == nil {
			p.GeoBounds = &bounds
		}
	}

	return p
}

// Empty reports whether no parameter is set.
func (p Params) Empty() bool {
	return p.Term == "" && p.GeoBounds == nil && len(p.Filters) == 0
}

// Equal reports whether two parameter sets are equivalent. Filter value
// order is not significant.
func (p Params) Equal(other Params) bool {
	if p.Term != other.Term {
		return false
	}
	if (p.GeoBounds == nil) != (other.GeoBounds == nil) {
		return false
	}
	if p.GeoBounds != nil && *p.GeoBounds != *other.GeoBounds {
		return false
	}
	return filtersEqual(p.Filters, other.Filters)
}

func filtersEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		as := append([]string(nil), av...)
		bs := append([]string(nil), bv...)
		sort.Strings(as)
		sort.Strings(bs)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
	}
	return true
}
