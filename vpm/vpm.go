// Package vpm implements the valid-pointers map: a precomputed, per-bucket
// lookup table that turns a conservative interior pointer into the index
// of the object that contains it, in O(1), without walking a free list or
// consulting a mark bitvector.
package vpm

import "math"

// Invalid is the sentinel returned for an offset that is not a valid
// object start, and (for the interior table) for an offset that no
// object covers.
const Invalid = math.MaxUint16

// BlockInfo records, for a single page within a block, how many object
// slots overlap that page (counting one that starts on an earlier page
// and runs into it) and the index of the last one — enough for a
// caller to stop an EnumerateObjects walk early.
type BlockInfo struct {
	ObjectCount       uint16
	LastObjectIndex   uint16
}

// Map is the table for one bucket (one object size class within one
// block-attrs family). Granularity is the alignment unit offsets are
// expressed in (ObjectAlignment, typically pointer-size).
type Map struct {
	Granularity uintptr
	BucketSize  uintptr
	MaxObjects  int

	// Valid[i] is the object index if offset i*Granularity is exactly an
	// object start, else Invalid.
	Valid []uint16
	// Interior[i] is the index of the object containing offset
	// i*Granularity, or Invalid for a slot past the last object.
	Interior []uint16
	// InvalidBits has one set bit per slot position that is NOT an
	// object start; initialized to all-ones, cleared at each verified
	// start. Lets a sweep loop skip a VPM lookup entirely for ordinary
	// mark-bit scanning.
	InvalidBits []uint64

	Pages []BlockInfo
}

// Build generates the Map for one bucket: for bucketSize objects
// packed into pageCount pages of
// pageSize bytes, record which granularity-aligned offsets are starts
// and which object every other offset interior-resolves to.
func Build(granularity, bucketSize uintptr, pageCount int, pageSize uintptr) *Map {
	totalBytes := uintptr(pageCount) * pageSize
	stride := int(bucketSize / granularity)
	maxObjectCount := int(totalBytes / bucketSize)
	maxSlots := int(totalBytes / granularity)

	m := &Map{
		Granularity: granularity,
		BucketSize:  bucketSize,
		MaxObjects:  maxObjectCount,
		Valid:       make([]uint16, maxSlots),
		Interior:    make([]uint16, maxSlots),
		InvalidBits: make([]uint64, (maxSlots+63)/64),
	}
	for i := range m.Valid {
		m.Valid[i] = Invalid
		m.Interior[i] = Invalid
	}
	for i := range m.InvalidBits {
		m.InvalidBits[i] = ^uint64(0)
	}

	for j := 0; j < maxObjectCount; j++ {
		start := j * stride
		if start >= maxSlots {
			break
		}
		m.Valid[start] = uint16(j)
		m.InvalidBits[start/64] &^= 1 << uint(start%64)

		end := start + stride
		if end > maxSlots {
			end = maxSlots
		}
		for k := start; k < end; k++ {
			m.Interior[k] = uint16(j)
		}
	}

	m.Pages = buildPageInfo(bucketSize, pageCount, pageSize, maxObjectCount)
	return m
}

func buildPageInfo(bucketSize uintptr, pageCount int, pageSize uintptr, maxObjectCount int) []BlockInfo {
	pages := make([]BlockInfo, pageCount)
	objectsPerByte := func(off uintptr) int {
		return int(off / bucketSize)
	}
	for p := 0; p < pageCount; p++ {
		pageStart := uintptr(p) * pageSize
		pageEnd := pageStart + pageSize
		firstIdx := objectsPerByte(pageStart)
		var lastIdx int
		if pageEnd-1 < pageStart {
			lastIdx = firstIdx
		} else {
			lastIdx = objectsPerByte(pageEnd - 1)
		}
		if lastIdx >= maxObjectCount {
			lastIdx = maxObjectCount - 1
		}
		count := 0
		if lastIdx >= firstIdx {
			count = lastIdx - firstIdx + 1
		}
		pages[p] = BlockInfo{ObjectCount: uint16(count), LastObjectIndex: uint16(lastIdx)}
	}
	return pages
}

// IsStart reports whether byte offset off within the block is exactly an
// object start.
func (m *Map) IsStart(off uintptr) (index uint16, ok bool) {
	slot := off / m.Granularity
	if int(slot) >= len(m.Valid) {
		return Invalid, false
	}
	v := m.Valid[slot]
	return v, v != Invalid
}

// ContainingObject resolves any byte offset within the block to the index
// of the object that contains it. Offsets past the last object (the
// page tail no object covers, or past the end of the table) resolve to
// Invalid.
func (m *Map) ContainingObject(off uintptr) uint16 {
	slot := off / m.Granularity
	if int(slot) >= len(m.Interior) {
		return Invalid
	}
	return m.Interior[slot]
}

// InBounds reports whether object index idx is within the bucket's
// maximum object count for this page arrangement.
func (m *Map) InBounds(idx uint16) bool {
	return int(idx) < m.MaxObjects
}
