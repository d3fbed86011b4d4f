package codec

import "encoding/json"

// JSON is a codec backed by the standard library encoding/json.
//
// It exists mainly for debugging and for artifacts that must be readable by
// non-Go tooling without surprises; GoJSON is wire-compatible and faster.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }
