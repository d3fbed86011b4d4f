// Package spatial implements the immutable packed spatial index over asset
// locations, the position-aligned location table, and the runtime manager
// that tracks the currently filtered key set.
//
// The index is a static packed R-tree: all leaf boxes are laid out in one
// flat array, sorted along a space-filling curve, with parent nodes packed
// bottom-up on top. It is built once per deployment, serialized to a single
// binary blob, and never mutated.
package spatial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/harwick/siteatlas/geo"
)

const (
	indexMagic   uint32 = 0x58494153 // "SAIX"
	indexVersion uint8  = 1

	// DefaultNodeSize is the tree fan-out. 16 keeps the tree shallow while
	// node scans stay within a couple of cache lines.
	DefaultNodeSize = 16

	headerSize = 16
)

var (
	// ErrMalformedIndex is returned when a serialized index fails validation.
	ErrMalformedIndex = errors.New("malformed spatial index")

	// ErrIndexFull is returned when more points are added than declared.
	ErrIndexFull = errors.New("spatial index is full")

	// ErrIndexIncomplete is returned by Finish when fewer points were added
	// than declared.
	ErrIndexIncomplete = errors.New("spatial index is incomplete")
)

// Index is an immutable bounding-box index over point locations.
//
// A query returns the insertion positions of all points intersecting the
// query box; those positions index the parallel location table.
type Index struct {
	numItems    int
	nodeSize    int
	levelBounds []int // end offset of each level, in box-array units; [0] is the leaf level
	boxes       []float64
	indices     []uint32
}

// NumItems returns the number of indexed points.
func (x *Index) NumItems() int { return x.numItems }

// Bounds returns the bounding box of all indexed points.
func (x *Index) Bounds() geo.BBox {
	if x.numItems == 0 {
		return geo.BBox{}
	}
	root := len(x.boxes) - 4
	return geo.BBox{MinX: x.boxes[root], MinY: x.boxes[root+1], MaxX: x.boxes[root+2], MaxY: x.boxes[root+3]}
}

// Search returns the insertion positions of all points whose location
// intersects box, in no particular order.
func (x *Index) Search(box geo.BBox) []int {
	if x.numItems == 0 {
		return nil
	}

	var results []int
	var queue []int

	nodeIndex := len(x.boxes) - 4
	for nodeIndex != -1 {
		end := nodeIndex + x.nodeSize*4
		if ub := x.levelEnd(nodeIndex); end > ub {
			end = ub
		}

		for pos := nodeIndex; pos < end; pos += 4 {
			if box.MaxX < x.boxes[pos] || box.MaxY < x.boxes[pos+1] ||
				box.MinX > x.boxes[pos+2] || box.MinY > x.boxes[pos+3] {
				continue
			}
			ref := int(x.indices[pos>>2])
			if nodeIndex >= x.levelBounds[0] {
				queue = append(queue, ref)
			} else {
				results = append(results, ref)
			}
		}

		if len(queue) == 0 {
			nodeIndex = -1
		} else {
			nodeIndex = queue[len(queue)-1]
			queue = queue[:len(queue)-1]
		}
	}

	return results
}

// levelEnd returns the end offset of the level containing nodeIndex.
func (x *Index) levelEnd(nodeIndex int) int {
	for _, b := range x.levelBounds {
		if b > nodeIndex {
			return b
		}
	}
	return x.levelBounds[len(x.levelBounds)-1]
}

// Bytes serializes the index into a single binary blob:
// a fixed header followed by the box array (float64 LE) and the position
// array (uint32 LE). The layout is fully determined by numItems and
// nodeSize, so no offsets need to be stored.
func (x *Index) Bytes() []byte {
	numNodes := len(x.indices)
	buf := make([]byte, headerSize+numNodes*32+numNodes*4)

	binary.LittleEndian.PutUint32(buf[0:], indexMagic)
	buf[4] = indexVersion
	binary.LittleEndian.PutUint16(buf[6:], uint16(x.nodeSize))
	binary.LittleEndian.PutUint32(buf[8:], uint32(x.numItems))

	off := headerSize
	for _, v := range x.boxes {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	for _, v := range x.indices {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return buf
}

// FromBytes loads a serialized index. The blob is validated against the
// layout implied by its header; a truncated or corrupt blob is rejected.
func FromBytes(data []byte) (*Index, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d byte blob", ErrMalformedIndex, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != indexMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedIndex)
	}
	if data[4] != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedIndex, data[4])
	}

	nodeSize := int(binary.LittleEndian.Uint16(data[6:]))
	numItems := int(binary.LittleEndian.Uint32(data[8:]))
	if nodeSize < 2 {
		return nil, fmt.Errorf("%w: node size %d", ErrMalformedIndex, nodeSize)
	}

	levelBounds, numNodes := computeLevels(numItems, nodeSize)
	expected := headerSize + numNodes*32 + numNodes*4
	if len(data) != expected {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrMalformedIndex, len(data), expected)
	}

	boxes := make([]float64, numNodes*4)
	off := headerSize
	for i := range boxes {
		boxes[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	indices := make([]uint32, numNodes)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}

	return &Index{
		numItems:    numItems,
		nodeSize:    nodeSize,
		levelBounds: levelBounds,
		boxes:       boxes,
		indices:     indices,
	}, nil
}

func computeLevels(numItems, nodeSize int) (levelBounds []int, numNodes int) {
	if numItems == 0 {
		return []int{0}, 0
	}
	n := numItems
	numNodes = n
	levelBounds = []int{n * 4}
	for n != 1 {
		n = (n + nodeSize - 1) / nodeSize
		numNodes += n
		levelBounds = append(levelBounds, numNodes*4)
	}
	return levelBounds, numNodes
}

// IndexBuilder accumulates point locations and packs them into an Index.
// Points must be added in catalogue order; the position returned by Add is
// the position the finished index reports from Search and must line up with
// the location table row.
type IndexBuilder struct {
	numItems int
	nodeSize int
	boxes    []float64
	indices  []uint32
	pos      int
	bounds   geo.BBox
}

// NewIndexBuilder creates a builder for exactly numItems points.
func NewIndexBuilder(numItems int, nodeSize int) *IndexBuilder {
	if nodeSize < 2 {
		nodeSize = DefaultNodeSize
	}
	_, numNodes := computeLevels(numItems, nodeSize)
	return &IndexBuilder{
		numItems: numItems,
		nodeSize: nodeSize,
		boxes:    make([]float64, numNodes*4),
		indices:  make([]uint32, numNodes),
		bounds:   geo.EmptyBBox(),
	}
}

// Add records the next point and returns its position.
func (b *IndexBuilder) Add(p geo.Point) (int, error) {
	index := b.pos >> 2
	if index >= b.numItems {
		return 0, fmt.Errorf("%w: %d points declared", ErrIndexFull, b.numItems)
	}
	b.indices[index] = uint32(index)
	b.boxes[b.pos] = p.X
	b.boxes[b.pos+1] = p.Y
	b.boxes[b.pos+2] = p.X
	b.boxes[b.pos+3] = p.Y
	b.pos += 4
	b.bounds = b.bounds.Extend(p)
	return index, nil
}

// Finish sorts the leaf entries along the space-filling curve and packs the
// parent levels. The builder must not be reused afterwards.
func (b *IndexBuilder) Finish() (*Index, error) {
	if b.pos>>2 != b.numItems {
		return nil, fmt.Errorf("%w: added %d of %d points", ErrIndexIncomplete, b.pos>>2, b.numItems)
	}

	levelBounds, _ := computeLevels(b.numItems, b.nodeSize)
	if b.numItems == 0 {
		return &Index{nodeSize: b.nodeSize, levelBounds: levelBounds}, nil
	}

	if b.numItems > b.nodeSize {
		b.sortLeaves()
	}

	// Pack parents bottom-up; each parent records the box-array offset of
	// its first child.
	pos := 0
	for level := 0; level+1 < len(levelBounds); level++ {
		end := levelBounds[level]
		for pos < end {
			nodeIndex := pos
			nodeBox := geo.EmptyBBox()
			for j := 0; j < b.nodeSize && pos < end; j++ {
				nodeBox = nodeBox.
					Extend(geo.Point{X: b.boxes[pos], Y: b.boxes[pos+1]}).
					Extend(geo.Point{X: b.boxes[pos+2], Y: b.boxes[pos+3]})
				pos += 4
			}
			b.indices[b.pos>>2] = uint32(nodeIndex)
			b.boxes[b.pos] = nodeBox.MinX
			b.boxes[b.pos+1] = nodeBox.MinY
			b.boxes[b.pos+2] = nodeBox.MaxX
			b.boxes[b.pos+3] = nodeBox.MaxY
			b.pos += 4
		}
	}

	return &Index{
		numItems:    b.numItems,
		nodeSize:    b.nodeSize,
		levelBounds: levelBounds,
		boxes:       b.boxes,
		indices:     b.indices,
	}, nil
}

func (b *IndexBuilder) sortLeaves() {
	width := b.bounds.MaxX - b.bounds.MinX
	height := b.bounds.MaxY - b.bounds.MinY
	if width == 0 {
		width = 1
	}
	if height == 0 {
		height = 1
	}

	const gridMax = 0xFFFF
	type leaf struct {
		code  uint32
		box   [4]float64
		index uint32
	}
	leaves := make([]leaf, b.numItems)
	for i := 0; i < b.numItems; i++ {
		cx := (b.boxes[i*4] + b.boxes[i*4+2]) / 2
		cy := (b.boxes[i*4+1] + b.boxes[i*4+3]) / 2
		gx := uint32(gridMax * (cx - b.bounds.MinX) / width)
		gy := uint32(gridMax * (cy - b.bounds.MinY) / height)
		leaves[i] = leaf{
			code:  mortonCode(gx, gy),
			box:   [4]float64{b.boxes[i*4], b.boxes[i*4+1], b.boxes[i*4+2], b.boxes[i*4+3]},
			index: b.indices[i],
		}
	}

	sort.Slice(leaves, func(i, j int) bool { return leaves[i].code < leaves[j].code })

	for i, l := range leaves {
		copy(b.boxes[i*4:], l.box[:])
		b.indices[i] = l.index
	}
}
