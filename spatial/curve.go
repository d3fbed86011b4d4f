package spatial

// interleave spreads the lower 16 bits of v so that bit i moves to bit 2i.
func interleave(v uint32) uint32 {
	v &= 0xFFFF
	v = (v | (v << 8)) & 0x00FF00FF
	v = (v | (v << 4)) & 0x0F0F0F0F
	v = (v | (v << 2)) & 0x33333333
	v = (v | (v << 1)) & 0x55555555
	return v
}

// mortonCode maps a point on the 2^16 x 2^16 grid to its Z-order curve
// position. Leaf entries are sorted by this code before the tree is packed,
// so spatially close points land in the same node and queries touch few
// nodes. Any total order would produce a correct tree; this one produces a
// fast one.
func mortonCode(x, y uint32) uint32 {
	return interleave(x) | (interleave(y) << 1)
}
