// Package siteatlas orchestrates searching a heritage-asset catalogue: a
// full-text engine, a packed spatial index over asset locations, and a map
// surface are combined into one search pass whose results drive both the
// result list and the map markers.
//
// The artifacts the runtime consumes (spatial index, location table,
// feature-store partitions, catalogue snapshot, manifest) are produced
// offline by the builder package and served through a blobstore.
package siteatlas
