package spatial

import (
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/harwick/siteatlas/codec"
)

// ErrMalformedTable is returned when the location table blob fails to decode.
var ErrMalformedTable = errors.New("malformed location table")

// Entry maps an index position to an external asset key and the bit-packed
// registry membership of that asset.
type Entry struct {
	Key        string
	RegionCode uint32
}

// MarshalJSON encodes the entry as the two-element tuple used on the wire:
// ["key", regionCode].
func (e Entry) MarshalJSON() ([]byte, error) {
	return gojson.Marshal([2]any{e.Key, e.RegionCode})
}

// UnmarshalJSON decodes the tuple form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var tuple [2]gojson.RawMessage
	if err := gojson.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if err := gojson.Unmarshal(tuple[0], &e.Key); err != nil {
		return fmt.Errorf("location table key: %w", err)
	}
	if len(tuple[1]) == 0 {
		e.RegionCode = 0
		return nil
	}
	if err := gojson.Unmarshal(tuple[1], &e.RegionCode); err != nil {
		return fmt.Errorf("location table region code: %w", err)
	}
	return nil
}

// Table is the ordered key table parallel to the spatial index: row i holds
// the external key of the point at index position i. It is serialized as a
// plain JSON array so non-Go tooling can read it.
type Table []Entry

// TableFromBytes decodes a serialized location table.
func TableFromBytes(data []byte, c codec.Codec) (Table, error) {
	if c == nil {
		c = codec.Default
	}
	var t Table
	if err := c.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTable, err)
	}
	return t, nil
}

// Bytes serializes the table.
func (t Table) Bytes(c codec.Codec) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	return c.Marshal(t)
}

// Keys maps index positions to external keys, dropping out-of-range
// positions. Positions come straight from an Index query, so out-of-range
// values indicate index/table drift between builds; the caller decides
// whether that is fatal.
func (t Table) Keys(positions []int) []string {
	keys := make([]string, 0, len(positions))
	for _, pos := range positions {
		if pos >= 0 && pos < len(t) {
			keys = append(keys, t[pos].Key)
		}
	}
	return keys
}
