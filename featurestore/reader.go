package featurestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"

	"github.com/harwick/siteatlas/blobstore"
	"github.com/harwick/siteatlas/codec"
	"github.com/harwick/siteatlas/geo"
)

// ErrMalformedStore is returned when a partition blob fails validation.
var ErrMalformedStore = errors.New("malformed feature store")

// Header describes a partition, reported once per query stream.
type Header struct {
	Count       int
	Description string
	Bounds      geo.BBox
}

// Reader answers bounding-box queries over one feature-store partition.
// The coordinate table is held in memory; record payloads are read and
// decompressed only when a stream yields them.
type Reader struct {
	blob    blobstore.Blob
	c       codec.Codec
	header  Header
	entries []wireEntry
	base    int64 // offset of the record section within the blob
}

// Open opens the named partition from the artifact store and loads its
// header and coordinate table.
func Open(ctx context.Context, store blobstore.Store, name string) (*Reader, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := newReader(blob)
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("open feature store %q: %w", name, err)
	}
	return r, nil
}

func newReader(blob blobstore.Blob) (*Reader, error) {
	var fixed [6]byte
	if _, err := blob.ReadAt(fixed[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedStore, err)
	}
	if binary.LittleEndian.Uint32(fixed[0:]) != storeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedStore)
	}
	if fixed[4] != storeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedStore, fixed[4])
	}

	off := int64(6)
	cname := make([]byte, fixed[5])
	if err := readFull(blob, cname, &off); err != nil {
		return nil, err
	}
	c, ok := codec.ByName(string(cname))
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrMalformedStore, cname)
	}

	var dlen [2]byte
	if err := readFull(blob, dlen[:], &off); err != nil {
		return nil, err
	}
	desc := make([]byte, binary.LittleEndian.Uint16(dlen[:]))
	if err := readFull(blob, desc, &off); err != nil {
		return nil, err
	}

	meta := make([]byte, 4+32)
	if err := readFull(blob, meta, &off); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(meta[0:]))
	bounds := geo.BBox{
		MinX: math.Float64frombits(binary.LittleEndian.Uint64(meta[4:])),
		MinY: math.Float64frombits(binary.LittleEndian.Uint64(meta[12:])),
		MaxX: math.Float64frombits(binary.LittleEndian.Uint64(meta[20:])),
		MaxY: math.Float64frombits(binary.LittleEndian.Uint64(meta[28:])),
	}

	tableLen := int64(count) * entrySize
	if off+tableLen > blob.Size() {
		return nil, fmt.Errorf("%w: truncated coordinate table", ErrMalformedStore)
	}
	table := make([]byte, tableLen)
	if err := readFull(blob, table, &off); err != nil {
		return nil, err
	}

	entries := make([]wireEntry, count)
	for i := range entries {
		row := table[i*entrySize:]
		entries[i] = wireEntry{
			x:       math.Float64frombits(binary.LittleEndian.Uint64(row[0:])),
			y:       math.Float64frombits(binary.LittleEndian.Uint64(row[8:])),
			offset:  binary.LittleEndian.Uint64(row[16:]),
			clen:    binary.LittleEndian.Uint32(row[24:]),
			ulen:    binary.LittleEndian.Uint32(row[28:]),
			regcode: binary.LittleEndian.Uint32(row[32:]),
		}
	}

	return &Reader{
		blob:    blob,
		c:       c,
		header:  Header{Count: count, Description: string(desc), Bounds: bounds},
		entries: entries,
		base:    off,
	}, nil
}

func readFull(blob blobstore.Blob, p []byte, off *int64) error {
	if len(p) == 0 {
		return nil
	}
	n, err := blob.ReadAt(p, *off)
	if n < len(p) {
		if err == nil {
			err = fmt.Errorf("short read")
		}
		return fmt.Errorf("%w: %w", ErrMalformedStore, err)
	}
	*off += int64(len(p))
	return nil
}

// Header returns the partition header.
func (r *Reader) Header() Header { return r.header }

// Close releases the underlying blob.
func (r *Reader) Close() error { return r.blob.Close() }

// Query returns a stream over all records whose location intersects box.
// onHeader, if non-nil, is invoked exactly once with the partition header
// before any record is yielded.
func (r *Reader) Query(box geo.BBox, onHeader func(Header)) *Stream {
	if onHeader != nil {
		onHeader(r.header)
	}
	var matches []int
	for i, e := range r.entries {
		if box.Contains(geo.Point{X: e.x, Y: e.y}) {
			matches = append(matches, i)
		}
	}
	return &Stream{r: r, matches: matches}
}

// All returns a stream over every record in the partition.
func (r *Reader) All(onHeader func(Header)) *Stream {
	if onHeader != nil {
		onHeader(r.header)
	}
	matches := make([]int, len(r.entries))
	for i := range matches {
		matches[i] = i
	}
	return &Stream{r: r, matches: matches}
}

// Select returns a stream over the records at the given coordinate-table
// positions, in the order given. An out-of-range position surfaces as an
// error when the stream reaches it.
func (r *Reader) Select(positions []int, onHeader func(Header)) *Stream {
	if onHeader != nil {
		onHeader(r.header)
	}
	return &Stream{r: r, matches: positions}
}

// Record reads and decodes the record at position i.
func (r *Reader) Record(i int) (*Record, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("%w: record %d of %d", ErrMalformedStore, i, len(r.entries))
	}
	e := r.entries[i]

	block := make([]byte, e.clen)
	if _, err := r.blob.ReadAt(block, r.base+int64(e.offset)); err != nil {
		return nil, fmt.Errorf("read record %d: %w", i, err)
	}

	raw := block
	if e.clen != e.ulen {
		raw = make([]byte, e.ulen)
		if _, err := lz4.UncompressBlock(block, raw); err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedStore, i, err)
		}
	}

	var rec Record
	if err := r.c.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedStore, i, err)
	}
	return &rec, nil
}

// Payload resolves the full attribute payload for the record at position i.
func (r *Reader) Payload(i int) (map[string]any, error) {
	rec, err := r.Record(i)
	if err != nil {
		return nil, err
	}
	return rec.Payload(), nil
}

// Results drains a stream into lazy result descriptors. Descriptor fields
// come from one decode; the Data closure re-resolves the payload on demand.
func (r *Reader) Results(s *Stream) ([]Result, error) {
	results := make([]Result, 0, len(s.matches))
	for {
		i, rec, err := s.next()
		if errors.Is(err, errStreamDone) {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
		pos := i
		loc := geo.Point{X: r.entries[i].x, Y: r.entries[i].y}
		results = append(results, Result{
			ID:       rec.ID,
			Excerpt:  rec.Excerpt,
			Filters:  rec.Filters,
			Location: &loc,
			Data: func(context.Context) (map[string]any, error) {
				return r.Payload(pos)
			},
		})
	}
}
