package heap

import (
	"sync"

	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
	"github.com/vire-lang/recycler/vpm"
)

const (
	// ObjectGranularity is the alignment unit small object sizes are
	// quantized to.
	ObjectGranularity = 16
	// MinObjectSize is the smallest object a small bucket ever hands out.
	MinObjectSize = ObjectGranularity
	// BucketCount is the number of small-object size classes.
	BucketCount = 32
	// MaxSmallObjectSize is the largest size a small bucket services;
	// anything above it up to MaxMediumObjectSize goes to a medium
	// bucket, and above that to the LargeBucket.
	MaxSmallObjectSize = MinObjectSize + ObjectGranularity*(BucketCount-1)

	// MediumObjectGranularity is the alignment unit for medium buckets.
	MediumObjectGranularity = 256
	// MediumBucketCount is the number of medium-object size classes.
	MediumBucketCount = 16
	MaxMediumObjectSize = MaxSmallObjectSize + MediumObjectGranularity*MediumBucketCount

	// MaxSmallObjectCount bounds VPM table sizes: the most objects any
	// single small block can ever hold (smallest size class on one page).
	MaxSmallObjectCount = pageSize / MinObjectSize
	pageSize            = pagealloc.PageSize
)

// smallFamilies enumerates the six small BlockType families that each
// get their own Bucket array.
var smallFamilies = []BlockType{
	SmallNormal, SmallLeaf, SmallFinalizable,
	SmallNormalWithBarrier, SmallFinalizableWithBarrier, SmallRecyclerVisitedHost,
}

var mediumFamilies = []BlockType{
	MediumNormal, MediumLeaf, MediumFinalizable,
	MediumNormalWithBarrier, MediumFinalizableWithBarrier, MediumRecyclerVisitedHost,
}

// Info is the top-level owner of every bucket: fixed arrays of small
// and medium buckets, one per (family, sizeCat) pair, plus one
// LargeBucket.
type Info struct {
	mu sync.RWMutex

	small  map[BlockType][]*Bucket // [BucketCount] per family
	medium map[BlockType][]*Bucket // [MediumBucketCount] per family
	large  *LargeBucket

	normalPages  *pagealloc.Allocator
	leafPages    *pagealloc.Allocator
	barrierPages *pagealloc.Allocator
	largePages   *pagealloc.Allocator

	vpmCache map[vpmKey]*vpm.Map

	// blockIndex maps a page-aligned base address to the Block that
	// owns it, so TryMark/TryMarkInterior can resolve an arbitrary
	// candidate pointer to the right block without scanning every
	// bucket. A production implementation would use a radix tree over
	// the whole address space, as the runtime's arena lookup does; a
	// flat map is used here instead.
	indexMu    sync.Mutex
	blockIndex map[uintptr]*Block
}

type vpmKey struct {
	sizeCat  uintptr
	pages    int
}

// PageAllocators groups the four allocator variants HeapInfo hands to
// its buckets.
type PageAllocators struct {
	Normal, Leaf, Barrier, Large *pagealloc.Allocator
}

// NewInfo constructs and sizes every small and medium bucket:
// (i+1) * ObjectGranularity for smalls,
// MaxSmallObjectSize + (i+1) * MediumObjectGranularity for mediums.
func NewInfo(pa PageAllocators) *Info {
	hi := &Info{
		small:        make(map[BlockType][]*Bucket),
		medium:       make(map[BlockType][]*Bucket),
		normalPages:  pa.Normal,
		leafPages:    pa.Leaf,
		barrierPages: pa.Barrier,
		largePages:   pa.Large,
		vpmCache:     make(map[vpmKey]*vpm.Map),
		blockIndex:   make(map[uintptr]*Block),
	}
	hi.large = NewLargeBucket(pa.Large)

	for _, fam := range smallFamilies {
		buckets := make([]*Bucket, BucketCount)
		pages := hi.pagesFor(fam)
		for i := 0; i < BucketCount; i++ {
			sizeCat := uintptr(MinObjectSize + ObjectGranularity*i)
			m := hi.vpmFor(sizeCat, smallBlockPages)
			buckets[i] = NewBucket(fam, sizeCat, m, pages, hi.registerBlock, hi.unregisterBlock)
		}
		hi.small[fam] = buckets
	}
	for _, fam := range mediumFamilies {
		buckets := make([]*Bucket, MediumBucketCount)
		pages := hi.pagesFor(fam)
		for i := 0; i < MediumBucketCount; i++ {
			sizeCat := uintptr(MaxSmallObjectSize + MediumObjectGranularity*(i+1))
			m := hi.vpmFor(sizeCat, mediumBlockPages)
			buckets[i] = NewBucket(fam, sizeCat, m, pages, hi.registerBlock, hi.unregisterBlock)
		}
		hi.medium[fam] = buckets
	}
	return hi
}

// registerBlock indexes every page of a freshly carved block so TryMark
// can find it in O(1).
func (hi *Info) registerBlock(b *Block) {
	base := uintptr(addrOfByte(b.Mem, 0))
	hi.indexMu.Lock()
	for off := uintptr(0); off < uintptr(len(b.Mem)); off += pageSize {
		hi.blockIndex[base+off] = b
	}
	hi.indexMu.Unlock()
}

// unregisterBlock removes every page of a released block from the index
// so a later reuse of the same pages cannot resolve to a dead block.
func (hi *Info) unregisterBlock(b *Block) {
	base := uintptr(addrOfByte(b.Mem, 0))
	hi.indexMu.Lock()
	for off := uintptr(0); off < uintptr(len(b.Mem)); off += pageSize {
		delete(hi.blockIndex, base+off)
	}
	hi.indexMu.Unlock()
}

// blockFor resolves addr to the Block whose page range contains it.
func (hi *Info) blockFor(addr uintptr) (*Block, bool) {
	hi.indexMu.Lock()
	b, ok := hi.blockIndex[addr&^(pageSize-1)]
	hi.indexMu.Unlock()
	return b, ok
}

// TryMark is the non-interior root-marking primitive: addr must be
// exactly an object start.
func (hi *Info) TryMark(addr uintptr) (marked bool) {
	if b, ok := hi.blockFor(addr); ok {
		_, marked = b.TryMark(addr)
		return marked
	}
	_, marked = hi.large.TryMark(addr)
	return marked
}

// TryMarkInterior is the conservative root-marking primitive: addr may
// point anywhere inside a live object.
func (hi *Info) TryMarkInterior(addr uintptr) (marked bool) {
	if b, ok := hi.blockFor(addr); ok {
		_, marked = b.TryMarkInterior(addr)
		return marked
	}
	_, marked = hi.large.TryMarkInterior(addr)
	return marked
}

// TryMarkStart behaves like TryMark but also returns the object's size,
// for a caller that needs to push the object for a field scan.
func (hi *Info) TryMarkStart(addr uintptr) (size uintptr, marked bool) {
	if b, ok := hi.blockFor(addr); ok {
		_, m := b.TryMark(addr)
		if !m {
			return 0, false
		}
		return b.SizeCat, true
	}
	lb, m := hi.large.TryMark(addr)
	if !m {
		return 0, false
	}
	return lb.Size, true
}

// TryMarkInteriorStart behaves like TryMarkInterior but also returns the
// resolved object-start address, so a caller draining a mark stack can
// push the object's own extent for a further field scan without a
// second lookup.
func (hi *Info) TryMarkInteriorStart(addr uintptr) (start uintptr, size uintptr, marked bool) {
	if b, ok := hi.blockFor(addr); ok {
		idx, m := b.TryMarkInterior(addr)
		if !m {
			return 0, 0, false
		}
		return b.SlotAddr(idx), b.SizeCat, true
	}
	lb, m := hi.large.TryMarkInterior(addr)
	if !m {
		return 0, 0, false
	}
	return lb.Addr(), lb.Size, true
}

// IsMarked reports whether the object starting at addr currently carries
// the mark bit, without mutating it.
func (hi *Info) IsMarked(addr uintptr) bool {
	if b, ok := hi.blockFor(addr); ok {
		return b.IsMarked(addr)
	}
	return hi.large.IsMarked(addr)
}

// SizeOf reports the quantized size of the object starting at addr, for
// a caller that has just marked addr and needs to know how many bytes
// to conservatively rescan for further pointer candidates.
func (hi *Info) SizeOf(addr uintptr) (uintptr, bool) {
	if b, ok := hi.blockFor(addr); ok {
		return b.SizeCat, true
	}
	return hi.large.SizeOf(addr)
}

func (hi *Info) pagesFor(t BlockType) *pagealloc.Allocator {
	if t.HasBarrier() {
		return hi.barrierPages
	}
	switch t {
	case SmallLeaf, MediumLeaf:
		return hi.leafPages
	default:
		return hi.normalPages
	}
}

func (hi *Info) vpmFor(sizeCat uintptr, pages int) *vpm.Map {
	key := vpmKey{sizeCat: sizeCat, pages: pages}
	if m, ok := hi.vpmCache[key]; ok {
		return m
	}
	m := vpm.Build(ObjectGranularity, sizeCat, pages, pageSize)
	hi.vpmCache[key] = m
	return m
}

// sizeCatIndexSmall maps an object size to the small bucket index that
// services it, or -1 if size is above the small range.
func sizeCatIndexSmall(size uintptr) int {
	if size > MaxSmallObjectSize {
		return -1
	}
	i := int((size - MinObjectSize + ObjectGranularity - 1) / ObjectGranularity)
	if i < 0 {
		i = 0
	}
	if i >= BucketCount {
		return -1
	}
	return i
}

func sizeCatIndexMedium(size uintptr) int {
	if size <= MaxSmallObjectSize || size > MaxMediumObjectSize {
		return -1
	}
	i := int((size - MaxSmallObjectSize + MediumObjectGranularity - 1) / MediumObjectGranularity)
	i--
	if i < 0 {
		i = 0
	}
	if i >= MediumBucketCount {
		return -1
	}
	return i
}

// RealAlloc dispatches an allocation of size bytes, under the given
// attributes, to the right bucket family.
func (hi *Info) RealAlloc(size uintptr, attrs objinfo.Attributes) uintptr {
	fam := familyFor(attrs, false)
	info := objinfo.BitsFor(attrs)

	hi.mu.RLock()
	defer hi.mu.RUnlock()

	if idx := sizeCatIndexSmall(size); idx >= 0 {
		return hi.small[fam][idx].Alloc(info)
	}
	if idx := sizeCatIndexMedium(size); idx >= 0 {
		return hi.medium[familyFor(attrs, true)][idx].Alloc(info)
	}
	lb := hi.large.AddLargeHeapBlock(size, info)
	if lb == nil {
		return 0
	}
	return lb.Addr()
}

func familyFor(attrs objinfo.Attributes, medium bool) BlockType {
	switch attrs.Class {
	case objinfo.EnumClassLeaf:
		if medium {
			return MediumLeaf
		}
		return SmallLeaf
	case objinfo.EnumClassFinalizable:
		if medium {
			return MediumFinalizable
		}
		return SmallFinalizable
	case objinfo.EnumClassNormalWithBarrier:
		if medium {
			return MediumNormalWithBarrier
		}
		return SmallNormalWithBarrier
	case objinfo.EnumClassFinalizableWithBarrier:
		if medium {
			return MediumFinalizableWithBarrier
		}
		return SmallFinalizableWithBarrier
	case objinfo.EnumClassRecyclerVisitedHost:
		if medium {
			return MediumRecyclerVisitedHost
		}
		return SmallRecyclerVisitedHost
	default:
		if medium {
			return MediumNormal
		}
		return SmallNormal
	}
}

func (hi *Info) allBuckets(fn func(*Bucket)) {
	for _, buckets := range hi.small {
		for _, b := range buckets {
			fn(b)
		}
	}
	for _, buckets := range hi.medium {
		for _, b := range buckets {
			fn(b)
		}
	}
}

// ResetMarks fans out to every small/medium bucket and the large bucket.
func (hi *Info) ResetMarks() {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.ResetMarks() })
	hi.large.ResetMarks()
}

// ScanInitialImplicitRoots fans out to every bucket.
func (hi *Info) ScanInitialImplicitRoots(m Marker) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.ScanInitialImplicitRoots(m) })
	hi.large.ScanInitialImplicitRoots(m)
}

// ScanNewImplicitRoots fans out to every bucket.
func (hi *Info) ScanNewImplicitRoots(m Marker) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.ScanNewImplicitRoots(m) })
}

// Rescan fans out to every barrier-participating bucket, summing pages
// scanned.
func (hi *Info) Rescan(dirtyPages []uintptr, m Marker) int {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	total := 0
	hi.allBuckets(func(b *Bucket) {
		if b.Type.HasBarrier() {
			total += b.Rescan(dirtyPages, m)
		}
	})
	return total
}

// Finalize runs the in-thread finalizer pass across every finalizable
// small/medium bucket, before any sweep reclaims a slot. Large objects
// are not covered here; Sweep's callback finalizes them as their blocks
// are reclaimed.
func (hi *Info) Finalize(cb FinalizeCallback) int {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	n := 0
	hi.allBuckets(func(b *Bucket) {
		if b.Type.IsFinalizable() {
			n += b.SweepFinalizableObjects(cb)
		}
	})
	return n
}

// Sweep reclaims every small/medium bucket and the large bucket.
func (hi *Info) Sweep(cb FinalizeCallback) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.Sweep() })
	hi.large.Sweep(cb)
}

// TransferPendingHeapBlocks returns every wholly-empty block across
// every bucket to the page allocator.
func (hi *Info) TransferPendingHeapBlocks() int {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	n := 0
	hi.allBuckets(func(b *Bucket) { n += b.TransferPendingEmptyHeapBlocks() })
	return n
}

// SweepPartialReusePages fans the partial-reuse decision out across
// every small/medium bucket after a partial collect's sweep, returning
// the aggregate reusable free bytes, the under-threshold free bytes to
// charge back to the collector's heuristic, and the page count kept on
// the allocation path.
func (hi *Info) SweepPartialReusePages(minFreeBytes uint64) (reused, unused uint64, pages int) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) {
		r, u, p := b.SweepPartialReusePages(minFreeBytes)
		reused += r
		unused += u
		pages += p
	})
	return reused, unused, pages
}

// FinishPartialCollect returns every deferred under-threshold block to
// its bucket's partial list, run at the start of the next full collect.
func (hi *Info) FinishPartialCollect() {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.FinishPartialCollect() })
}

// GetSmallHeapBlockCount sums block counts across every small/medium
// bucket. With checkCount set it also recomputes each bucket's byte
// totals from its lists and reports ok=false on any mismatch, per the
// count-conservation property.
func (hi *Info) GetSmallHeapBlockCount(checkCount bool) (count int, ok bool) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	ok = true
	hi.allBuckets(func(b *Bucket) {
		count += b.BlockCount()
		if checkCount && !b.Check() {
			ok = false
		}
	})
	return count, ok
}

// IdleDecommit runs an idle-time decommit pass over every page
// allocator this heap draws from, returning the pages decommitted.
func (hi *Info) IdleDecommit() int {
	n := 0
	for _, a := range []*pagealloc.Allocator{hi.normalPages, hi.leafPages, hi.barrierPages, hi.largePages} {
		if a != nil {
			n += a.IdleDecommit()
		}
	}
	return n
}

// EnumerateObjects fans a heap walk out across every bucket family.
func (hi *Info) EnumerateObjects(filter objinfo.Bits, fn func(addr, size uintptr, info objinfo.Bits)) {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	hi.allBuckets(func(b *Bucket) { b.EnumerateObjects(filter, fn) })
	hi.large.EnumerateObjects(filter, fn)
}

// BucketReport is one row of the fanned-out bucket telemetry.
type BucketReport struct {
	Family  BlockType
	SizeCat uintptr
	Stats   Stats
}

// GetBucketStats returns a Stats row for every bucket, including the
// large bucket, for RecyclerTelemetryInfo to aggregate.
func (hi *Info) GetBucketStats() []BucketReport {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	var out []BucketReport
	for fam, buckets := range hi.small {
		for _, b := range buckets {
			out = append(out, BucketReport{Family: fam, SizeCat: b.SizeCat, Stats: b.GetMemStats()})
		}
	}
	for fam, buckets := range hi.medium {
		for _, b := range buckets {
			out = append(out, BucketReport{Family: fam, SizeCat: b.SizeCat, Stats: b.GetMemStats()})
		}
	}
	out = append(out, BucketReport{Family: LargeBlockType, Stats: hi.large.GetMemStats()})
	return out
}

// ClearImplicitRoot drops the ImplicitRoot bit on the object starting
// at addr, wherever it lives.
func (hi *Info) ClearImplicitRoot(addr uintptr) bool {
	if b, ok := hi.blockFor(addr); ok {
		return b.ClearImplicitRoot(addr)
	}
	return hi.large.ClearImplicitRoot(addr)
}

// ExplicitFree looks for addr across every small/medium bucket and
// tombstones it if found.
func (hi *Info) ExplicitFree(addr uintptr) bool {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	found := false
	hi.allBuckets(func(b *Bucket) {
		if found {
			return
		}
		if b.ExplicitFree(addr) {
			found = true
		}
	})
	return found
}

// Large exposes the large bucket for TryMark/TryMarkInterior callers
// that need to try it after every small/medium bucket has missed.
func (hi *Info) Large() *LargeBucket { return hi.large }

// SmallBucket returns the small bucket for (family, sizeCat index), for
// callers that need one bucket directly.
func (hi *Info) SmallBucket(fam BlockType, idx int) *Bucket {
	hi.mu.RLock()
	defer hi.mu.RUnlock()
	return hi.small[fam][idx]
}
