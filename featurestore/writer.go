package featurestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"

	"github.com/harwick/siteatlas/codec"
	"github.com/harwick/siteatlas/geo"
)

const (
	storeMagic   uint32 = 0x53464153 // "SAFS"
	storeVersion uint8  = 1

	entrySize = 36 // x, y float64; offset uint64; clen, ulen, regcode uint32
)

// ErrNoLocation is returned when a record without a resolvable point is
// appended; the feature store only holds located assets.
var ErrNoLocation = errors.New("feature record has no resolvable location")

// Writer assembles one feature-store partition. Records are encoded and
// compressed as they are appended; Finalize lays out the blob.
type Writer struct {
	description string
	c           codec.Codec

	entries []wireEntry
	blocks  [][]byte
	bounds  geo.BBox
}

type wireEntry struct {
	x, y    float64
	offset  uint64
	clen    uint32
	ulen    uint32
	regcode uint32
}

// NewWriter creates a Writer for a partition with the given human-readable
// description (reported to header callbacks at query time).
func NewWriter(description string, c codec.Codec) *Writer {
	if c == nil {
		c = codec.Default
	}
	return &Writer{description: description, c: c, bounds: geo.EmptyBBox()}
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int { return len(w.entries) }

// Append encodes, compresses and buffers one record.
func (w *Writer) Append(rec *Record) error {
	p, ok := rec.Point()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoLocation, rec.ID)
	}

	raw, err := w.c.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", rec.ID, err)
	}

	block, clen := compressBlock(raw)

	w.entries = append(w.entries, wireEntry{
		x:       p.X,
		y:       p.Y,
		clen:    clen,
		ulen:    uint32(len(raw)),
		regcode: rec.RegionCode,
	})
	w.blocks = append(w.blocks, block)
	w.bounds = w.bounds.Extend(p)
	return nil
}

// compressBlock lz4-compresses src. Incompressible records are stored raw,
// signalled by clen == ulen.
func compressBlock(src []byte) ([]byte, uint32) {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 || n >= len(src) {
		return src, uint32(len(src))
	}
	return dst[:n], uint32(n)
}

// Finalize lays out the partition blob:
//
//	header | coordinate+offset table | compressed records
//
// The coordinate table is what lets a reader answer bounding-box queries
// without touching the record section.
func (w *Writer) Finalize() ([]byte, error) {
	cname := w.c.Name()
	if len(cname) > 255 {
		return nil, fmt.Errorf("codec name too long: %q", cname)
	}
	if len(w.description) > math.MaxUint16 {
		return nil, fmt.Errorf("description too long: %d bytes", len(w.description))
	}

	headerLen := 4 + 1 + 1 + len(cname) + 2 + len(w.description) + 4 + 32
	total := headerLen + len(w.entries)*entrySize
	var recordsLen uint64
	for _, b := range w.blocks {
		recordsLen += uint64(len(b))
	}
	buf := make([]byte, 0, uint64(total)+recordsLen)

	var scratch [8]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}
	putF := func(v float64) { put64(math.Float64bits(v)) }

	put32(storeMagic)
	buf = append(buf, storeVersion, uint8(len(cname)))
	buf = append(buf, cname...)
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(w.description)))
	buf = append(buf, scratch[:2]...)
	buf = append(buf, w.description...)
	put32(uint32(len(w.entries)))

	bounds := w.bounds
	if len(w.entries) == 0 {
		bounds = geo.BBox{}
	}
	putF(bounds.MinX)
	putF(bounds.MinY)
	putF(bounds.MaxX)
	putF(bounds.MaxY)

	var offset uint64
	for i := range w.entries {
		w.entries[i].offset = offset
		offset += uint64(w.entries[i].clen)
	}
	for _, e := range w.entries {
		putF(e.x)
		putF(e.y)
		put64(e.offset)
		put32(e.clen)
		put32(e.ulen)
		put32(e.regcode)
	}
	for _, b := range w.blocks {
		buf = append(buf, b...)
	}

	return buf, nil
}
