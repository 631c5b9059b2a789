// Package heap implements the heap layout: size-bucketed small/medium
// block regions plus a large-object region, each block a page-aligned
// arena with per-object mark/valid/finalize metadata.
package heap

import (
	"sync"

	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/vpm"
)

// BlockType tags which bucket family a Block belongs to; phase code
// dispatches on the tag instead of a per-block v-table.
type BlockType int

const (
	SmallNormal BlockType = iota
	SmallLeaf
	SmallFinalizable
	SmallNormalWithBarrier
	SmallFinalizableWithBarrier
	SmallRecyclerVisitedHost
	MediumNormal
	MediumLeaf
	MediumFinalizable
	MediumNormalWithBarrier
	MediumFinalizableWithBarrier
	MediumRecyclerVisitedHost
	LargeBlockType
)

// IsMedium reports whether t is one of the Medium* variants.
func (t BlockType) IsMedium() bool { return t >= MediumNormal && t <= MediumRecyclerVisitedHost }

var blockTypeNames = [...]string{
	SmallNormal:                 "SmallNormal",
	SmallLeaf:                   "SmallLeaf",
	SmallFinalizable:            "SmallFinalizable",
	SmallNormalWithBarrier:      "SmallNormalWithBarrier",
	SmallFinalizableWithBarrier: "SmallFinalizableWithBarrier",
	SmallRecyclerVisitedHost:    "SmallRecyclerVisitedHost",
	MediumNormal:                "MediumNormal",
	MediumLeaf:                  "MediumLeaf",
	MediumFinalizable:           "MediumFinalizable",
	MediumNormalWithBarrier:     "MediumNormalWithBarrier",
	MediumFinalizableWithBarrier: "MediumFinalizableWithBarrier",
	MediumRecyclerVisitedHost:   "MediumRecyclerVisitedHost",
	LargeBlockType:              "Large",
}

// String names a BlockType for logging and telemetry labels.
func (t BlockType) String() string {
	if int(t) >= 0 && int(t) < len(blockTypeNames) {
		return blockTypeNames[t]
	}
	return "Unknown"
}

// HasBarrier reports whether objects of this block type participate in
// the write barrier and incremental rescan.
func (t BlockType) HasBarrier() bool {
	switch t {
	case SmallNormalWithBarrier, SmallFinalizableWithBarrier, SmallRecyclerVisitedHost,
		MediumNormalWithBarrier, MediumFinalizableWithBarrier, MediumRecyclerVisitedHost:
		return true
	}
	return false
}

// IsFinalizable reports whether objects of this block type run
// finalizers before their slot is freed.
func (t BlockType) IsFinalizable() bool {
	switch t {
	case SmallFinalizable, SmallFinalizableWithBarrier, MediumFinalizable, MediumFinalizableWithBarrier:
		return true
	}
	return false
}

// Marker is the narrow interface a Block needs to push newly-discovered
// pointers into a mark context, without this package depending on
// markcontext (which itself depends only on pagealloc).
type Marker interface {
	Push(addr uintptr, byteCount uintptr)
	PushTracked(addr uintptr, byteCount uintptr)
}

// Block is a contiguous run of pages holding many objects of one size
// class, owned by exactly one Bucket at a time.
type Block struct {
	mu sync.Mutex

	Type    BlockType
	SizeCat uintptr // quantized object size for this block
	Mem     []byte
	VPM     *vpm.Map

	ObjectCount int
	Mark        bitset
	Free        bitset
	DebugFree   bitset // set while a slot is explicitly freed, to reject a double free
	NeedsFinal  bitset // per-slot "needs finalize" bit, only meaningful when Type.IsFinalizable()

	Info []objinfo.Bits // one byte-ish descriptor per slot

	// List linkage: a Block lives on exactly one of a Bucket's lists at
	// a time. The Bucket mutates these under its own lock.
	next, prev *Block

	// PendingSweepNext / PendingEmptyNext thread this block onto the
	// RecyclerSweep's cross-bucket staging lists during concurrent
	// two-pass sweep.
	PendingSweepNext *Block
	PendingEmptyNext *Block

	allocatedCount int
}

// NewBlock constructs a Block over mem, ready to allocate sizeCat-sized
// objects out of objectCount slots.
func NewBlock(t BlockType, mem []byte, sizeCat uintptr, objectCount int, m *vpm.Map) *Block {
	b := &Block{
		Type:        t,
		SizeCat:     sizeCat,
		Mem:         mem,
		VPM:         m,
		ObjectCount: objectCount,
		Mark:        newBitset(objectCount),
		Free:        newBitset(objectCount),
		DebugFree:   newBitset(objectCount),
		Info:        make([]objinfo.Bits, objectCount),
	}
	if t.IsFinalizable() {
		b.NeedsFinal = newBitset(objectCount)
	}
	// Every slot starts free.
	for i := 0; i < objectCount; i++ {
		b.Free.Set(i)
	}
	return b
}

// addressOf returns the byte offset of slot idx's first byte.
func (b *Block) addressOf(idx int) uintptr { return uintptr(idx) * b.SizeCat }

// SlotAddr returns the absolute memory address of object slot idx, for
// callers (the allocator) that hand pointers back to script code.
func (b *Block) SlotAddr(idx int) uintptr {
	return uintptr(addrOfByte(b.Mem, b.addressOf(idx)))
}

// indexOf resolves an arbitrary pointer value to a slot index within
// this block, using the VPM rather than pointer arithmetic against
// b.Mem's Go-level bounds (mirrors how the real collector treats block
// memory as opaque bytes the VPM indexes).
func (b *Block) indexOf(addr uintptr) (int, bool) {
	base := uintptr(addrOfByte(b.Mem, 0))
	if addr < base || addr >= base+uintptr(len(b.Mem)) {
		return 0, false
	}
	off := addr - base
	idx, ok := b.VPM.IsStart(off)
	if !ok || int(idx) >= b.ObjectCount {
		return 0, false
	}
	return int(idx), true
}

// interiorIndexOf is indexOf's conservative counterpart: it resolves an
// address anywhere inside an object, not just at its start.
func (b *Block) interiorIndexOf(addr uintptr) (int, bool) {
	base := uintptr(addrOfByte(b.Mem, 0))
	if addr < base || addr >= base+uintptr(len(b.Mem)) {
		return 0, false
	}
	off := addr - base
	idx := b.VPM.ContainingObject(off)
	if idx == vpm.Invalid || !b.VPM.InBounds(idx) {
		return 0, false
	}
	return int(idx), true
}

// TryMark validates addr as an exact object start and atomically sets
// its mark bit. It returns the slot index and true only when this call
// performed the mark (the caller must then scan the object's fields);
// a false return covers both "already marked" and "not a valid start".
func (b *Block) TryMark(addr uintptr) (index int, marked bool) {
	idx, ok := b.indexOf(addr)
	if !ok {
		return 0, false
	}
	if b.Free.Test(idx) {
		return 0, false
	}
	if b.Mark.TestAndSet(idx) {
		return idx, false
	}
	return idx, true
}

// IsMarked reports whether addr (an exact object start) carries the mark
// bit, without mutating it; used by weak-reference sweep to decide
// whether a handle's target survived mark.
func (b *Block) IsMarked(addr uintptr) bool {
	idx, ok := b.indexOf(addr)
	if !ok {
		return false
	}
	return b.Mark.Test(idx)
}

// TryMarkInterior is TryMark's conservative counterpart: addr may point
// anywhere inside a live object, and the mark lands on that object's
// start.
func (b *Block) TryMarkInterior(addr uintptr) (index int, marked bool) {
	idx, ok := b.interiorIndexOf(addr)
	if !ok {
		return 0, false
	}
	if b.Free.Test(idx) {
		return 0, false
	}
	if b.Mark.TestAndSet(idx) {
		return idx, false
	}
	return idx, true
}

// ResetMarks clears every mark bit except those whose slot carries the
// ImplicitRoot info bit, which stay marked across cycles until the bit
// itself is cleared.
func (b *Block) ResetMarks() {
	b.Mark.ClearAll()
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) {
			continue
		}
		if b.Info[i]&objinfo.ImplicitRoot != 0 {
			b.Mark.Set(i)
		}
	}
}

// ScanInitialImplicitRoots pushes every live implicit-root slot onto
// marker so the initial root scan includes them even though they have
// no incoming pointer.
func (b *Block) ScanInitialImplicitRoots(marker Marker) {
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) {
			continue
		}
		if b.Info[i]&objinfo.ImplicitRoot != 0 {
			b.pushSlot(i, marker)
		}
	}
}

// ScanNewImplicitRoots is identical to ScanInitialImplicitRoots but is
// called once per rescan to pick up objects that gained the
// ImplicitRoot bit since FindRoots (e.g. newly pinned during
// concurrent mark).
func (b *Block) ScanNewImplicitRoots(marker Marker) {
	b.ScanInitialImplicitRoots(marker)
}

func (b *Block) pushSlot(idx int, marker Marker) {
	addr := b.SlotAddr(idx)
	if b.Info[idx]&objinfo.Leaf != 0 {
		return
	}
	if b.Info[idx]&objinfo.Tracked != 0 {
		marker.PushTracked(addr, b.SizeCat)
		return
	}
	marker.Push(addr, b.SizeCat)
}

// Rescan re-traces objects on pages that were dirtied since the last
// write-watch reset, returning the number of pages it actually walked.
// Only blocks whose Type.HasBarrier() participate.
func (b *Block) Rescan(dirtyPages []uintptr, marker Marker) int {
	if !b.Type.HasBarrier() || len(dirtyPages) == 0 {
		return 0
	}
	base := uintptr(addrOfByte(b.Mem, 0))
	scanned := 0
	for _, page := range dirtyPages {
		if page < base || page >= base+uintptr(len(b.Mem)) {
			continue
		}
		scanned++
		pageOff := page - base
		pageEnd := pageOff + pageSizeFor(b)
		for off := alignDown(pageOff, b.SizeCat); off < pageEnd; off += b.SizeCat {
			idx, ok := b.VPM.IsStart(off)
			if !ok || int(idx) >= b.ObjectCount || b.Free.Test(int(idx)) {
				continue
			}
			if b.Mark.Test(int(idx)) {
				b.pushSlot(int(idx), marker)
			}
		}
	}
	return scanned
}

func alignDown(off, size uintptr) uintptr {
	if size == 0 {
		return off
	}
	return (off / size) * size
}

// pageSizeFor returns the page size used to bound a Rescan page walk;
// kept as a seam so tests can build blocks smaller than a real OS page.
func pageSizeFor(b *Block) uintptr {
	if n := uintptr(len(b.Mem)); n < pageSize {
		return n
	}
	return pageSize
}

// SweepResult tells the caller how a Sweep pass changed this block, so
// the owning Bucket can decide whether to move it between lists.
type SweepResult struct {
	FreedCount     int
	FinalizedCount int
	LiveCount      int
	WhollyEmpty    bool
}

// FinalizeCallback runs a finalizer for the object at addr of size
// byteCount, returning once the finalizer has completed; invoked
// in-thread, never concurrently with the mutator's own code.
type FinalizeCallback func(addr uintptr, byteCount uintptr)

// CollectFinalizable returns the address of every unmarked slot whose
// NeedsFinal bit is set, clearing the bit so a later pass cannot queue
// the same finalizer twice. The caller runs the finalizers after
// dropping the bucket lock, since a finalizer may touch the heap. Must
// run in-thread, before any concurrent sweep touches the block.
func (b *Block) CollectFinalizable() []uintptr {
	if !b.Type.IsFinalizable() {
		return nil
	}
	var pending []uintptr
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) || b.Mark.Test(i) {
			continue
		}
		if b.Info[i]&objinfo.Deleted != 0 {
			continue
		}
		if !b.NeedsFinal.Test(i) {
			continue
		}
		b.NeedsFinal.Clear(i)
		pending = append(pending, b.SlotAddr(i))
	}
	return pending
}

// Sweep walks the mark bitvector; any unmarked, non-tombstoned slot
// returns to the free list. Finalizable slots must already have had
// SweepFinalizableObjects run over them in this cycle.
func (b *Block) Sweep() SweepResult {
	var res SweepResult
	liveCount := 0
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) {
			continue
		}
		deleted := b.Info[i]&objinfo.Deleted != 0
		if !deleted && b.Mark.Test(i) {
			liveCount++
			continue
		}
		// Unmarked, or explicitly tombstoned: reclaim.
		b.Free.Set(i)
		b.DebugFree.Clear(i)
		b.Info[i] = 0
		res.FreedCount++
	}
	res.LiveCount = liveCount
	res.WhollyEmpty = liveCount == 0
	b.allocatedCount = liveCount
	return res
}

// ExplicitFree tombstones slot idx without running a finalizer,
// regardless of whether it was ever marked; the next Sweep reclaims
// it. A second free of the same slot before that sweep is rejected via
// the DebugFree bit.
func (b *Block) ExplicitFree(addr uintptr) bool {
	idx, ok := b.indexOf(addr)
	if !ok || b.Free.Test(idx) || b.DebugFree.Test(idx) {
		return false
	}
	b.DebugFree.Set(idx)
	b.Info[idx] |= objinfo.Deleted
	return true
}

// ClearImplicitRoot drops the ImplicitRoot bit on the object starting
// at addr, making it collectable once nothing else references it. The
// mark bit itself is left alone; the next ResetMarks stops preseeding
// it.
func (b *Block) ClearImplicitRoot(addr uintptr) bool {
	idx, ok := b.indexOf(addr)
	if !ok || b.Free.Test(idx) {
		return false
	}
	b.Info[idx] &^= objinfo.ImplicitRoot
	return true
}

// EnumerateObjects invokes fn for every live, non-tombstoned slot whose
// info bits match every bit in filter (filter == 0 matches everything).
func (b *Block) EnumerateObjects(filter objinfo.Bits, fn func(addr uintptr, size uintptr, info objinfo.Bits)) {
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) {
			continue
		}
		if b.Info[i]&objinfo.Deleted != 0 {
			continue
		}
		if filter != 0 && b.Info[i]&filter != filter {
			continue
		}
		fn(b.SlotAddr(i), b.SizeCat, b.Info[i])
	}
}

// VerifyMark asserts (returning the violating address on failure) that
// every pointer field of every marked object itself points to a marked
// object, per the "Mark completeness" testable property. scan is the
// runtime's field-iteration callback (the collector does not know an
// object's layout; scanFields does).
func (b *Block) VerifyMark(scanFields func(addr uintptr, fn func(fieldPtr uintptr)), resolve func(uintptr) (marked bool, known bool)) []uintptr {
	var bad []uintptr
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) || !b.Mark.Test(i) {
			continue
		}
		addr := b.SlotAddr(i)
		scanFields(addr, func(fieldPtr uintptr) {
			if fieldPtr == 0 {
				return
			}
			marked, known := resolve(fieldPtr)
			if known && !marked {
				bad = append(bad, fieldPtr)
			}
		})
	}
	return bad
}

// AllocatedCount returns the number of live (non-free) slots as of the
// last Sweep, used by bucket stats aggregation.
func (b *Block) AllocatedCount() int { return b.allocatedCount }

// FreeSlots returns the indices of every currently-free slot, for the
// Bucket's free-list rebuild after Sweep.
func (b *Block) FreeSlots() []int {
	out := make([]int, 0, b.ObjectCount)
	for i := 0; i < b.ObjectCount; i++ {
		if b.Free.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// Occupy clears the free bit for idx and records its info bits when the
// Bucket allocator hands the slot out.
func (b *Block) Occupy(idx int, info objinfo.Bits) {
	b.Free.Clear(idx)
	b.Info[idx] = info
	if b.Type.IsFinalizable() {
		b.NeedsFinal.Set(idx)
	}
}

// Lock/Unlock expose the block's own mutex for Bucket operations that
// touch more than one bitvector (e.g. Occupy + list unlink) atomically.
func (b *Block) Lock()   { b.mu.Lock() }
func (b *Block) Unlock() { b.mu.Unlock() }
