package heap

import (
	"sync"

	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
	"github.com/vire-lang/recycler/vpm"
)

// blockList is a small intrusive doubly-linked list of Blocks, the
// same shape as the runtime's mSpanList.
type blockList struct {
	head, tail *Block
	len        int
}

func (l *blockList) pushBack(b *Block) {
	b.next, b.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = b
	} else {
		l.head = b
	}
	l.tail = b
	l.len++
}

func (l *blockList) remove(b *Block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if l.head == b {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if l.tail == b {
		l.tail = b.prev
	}
	b.next, b.prev = nil, nil
	l.len--
}

func (l *blockList) forEach(fn func(*Block)) {
	for b := l.head; b != nil; {
		next := b.next
		fn(b)
		b = next
	}
}

// activeAllocator is the hot-path bump/free-list allocator for a
// Bucket's current Block.
type activeAllocator struct {
	block     *Block
	bumpNext  int
	freeHead  []int
}

// Bucket partitions one size class for one BlockType family, owning the
// lists Blocks migrate through across a collection cycle.
type Bucket struct {
	mu sync.Mutex

	Type    BlockType
	SizeCat uintptr
	VPM     *vpm.Map
	Pages   *pagealloc.Allocator

	active          activeAllocator
	full            blockList
	partial         blockList
	pendingEmpty    blockList
	deferredPartial blockList

	objectBytes uint64
	totalBytes  uint64

	onNewBlock     func(*Block)
	onReleaseBlock func(*Block)
}

// NewBucket constructs an empty Bucket for one (BlockType, sizeCat) pair.
// onNewBlock, if non-nil, is called once per freshly carved Block so the
// owning Info can index it for address-to-block lookups; onReleaseBlock
// undoes that indexing when the block's pages go back to the allocator.
func NewBucket(t BlockType, sizeCat uintptr, m *vpm.Map, pages *pagealloc.Allocator, onNewBlock, onReleaseBlock func(*Block)) *Bucket {
	return &Bucket{Type: t, SizeCat: sizeCat, VPM: m, Pages: pages, onNewBlock: onNewBlock, onReleaseBlock: onReleaseBlock}
}

const smallBlockPages = 1
const mediumBlockPages = 4

func (bk *Bucket) pagesPerBlock() int {
	if bk.Type.IsMedium() {
		return mediumBlockPages
	}
	return smallBlockPages
}

// newFullBlock allocates a fresh Block from the page allocator sized for
// this bucket's class.
func (bk *Bucket) newFullBlock() *Block {
	n := bk.pagesPerBlock()
	mem := bk.Pages.AllocPages(n)
	if mem == nil {
		return nil
	}
	objectCount := len(mem) / int(bk.SizeCat)
	if objectCount > bk.VPM.MaxObjects {
		objectCount = bk.VPM.MaxObjects
	}
	b := NewBlock(bk.Type, mem, bk.SizeCat, objectCount, bk.VPM)
	bk.totalBytes += uint64(len(mem))
	if bk.onNewBlock != nil {
		bk.onNewBlock(b)
	}
	return b
}

// Alloc returns the address of a fresh sizeCat-sized slot, or 0 on OOM.
// Hot path: bump pointer in the active block; on exhaustion, pop the
// active block's own free list; on exhaustion of that, promote a
// partial block or carve a fresh one from the page allocator.
func (bk *Bucket) Alloc(info objinfo.Bits) uintptr {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	for {
		if bk.active.block == nil {
			if !bk.promoteOrCreateLocked() {
				return 0
			}
		}
		blk := bk.active.block

		if bk.active.bumpNext < blk.ObjectCount {
			idx := bk.active.bumpNext
			bk.active.bumpNext++
			blk.Occupy(idx, info)
			bk.objectBytes += uint64(bk.SizeCat)
			return blk.SlotAddr(idx)
		}
		if n := len(bk.active.freeHead); n > 0 {
			idx := bk.active.freeHead[n-1]
			bk.active.freeHead = bk.active.freeHead[:n-1]
			blk.Occupy(idx, info)
			bk.objectBytes += uint64(bk.SizeCat)
			return blk.SlotAddr(idx)
		}
		// Active block exhausted: retire it to full, try the next one.
		bk.full.pushBack(blk)
		bk.active.block = nil
	}
}

// promoteOrCreateLocked picks the next block to allocate from: a
// partially-used block first (to maximize density before touching new
// pages), falling back to a freshly carved block. Caller holds bk.mu.
func (bk *Bucket) promoteOrCreateLocked() bool {
	if bk.partial.len > 0 {
		blk := bk.partial.head
		bk.partial.remove(blk)
		bk.active.block = blk
		bk.active.bumpNext = blk.ObjectCount
		bk.active.freeHead = blk.FreeSlots()
		return true
	}
	blk := bk.newFullBlock()
	if blk == nil {
		return false
	}
	bk.active.block = blk
	bk.active.bumpNext = 0
	bk.active.freeHead = nil
	return true
}

// SweepFinalizableObjects runs finalizers across every block this
// bucket owns (active, full, partial); it must complete before the
// non-finalizable sweep pass reclaims anything. The dying slots are
// gathered under the bucket lock but the finalizers themselves run
// after it is released, because a finalizer may allocate or walk the
// heap.
func (bk *Bucket) SweepFinalizableObjects(cb FinalizeCallback) int {
	bk.mu.Lock()
	var pending []uintptr
	bk.forEachBlockLocked(func(b *Block) { pending = append(pending, b.CollectFinalizable()...) })
	bk.mu.Unlock()
	for _, addr := range pending {
		cb(addr, bk.SizeCat)
	}
	return len(pending)
}

func (bk *Bucket) forEachBlockLocked(fn func(*Block)) {
	if bk.active.block != nil {
		fn(bk.active.block)
	}
	bk.full.forEach(fn)
	bk.partial.forEach(fn)
	bk.deferredPartial.forEach(fn)
}

// Sweep walks every block, reclaiming unmarked slots, and re-files each
// block onto partial, or onto pendingEmpty when it has no live slot left.
func (bk *Bucket) Sweep() {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	// Snapshot active+full+partial, clear the lists, then re-file.
	var blocks []*Block
	if bk.active.block != nil {
		blocks = append(blocks, bk.active.block)
	}
	bk.full.forEach(func(b *Block) { blocks = append(blocks, b) })
	bk.partial.forEach(func(b *Block) { blocks = append(blocks, b) })
	bk.deferredPartial.forEach(func(b *Block) { blocks = append(blocks, b) })

	bk.active = activeAllocator{}
	bk.full = blockList{}
	bk.partial = blockList{}
	bk.deferredPartial = blockList{}

	var objectBytes uint64
	for _, b := range blocks {
		res := b.Sweep()
		objectBytes += uint64(res.LiveCount) * uint64(bk.SizeCat)
		if res.WhollyEmpty {
			bk.pendingEmpty.pushBack(b)
			continue
		}
		// Any block with reclaimed capacity (free slots) goes to
		// partial; Alloc's promoteOrCreateLocked will pick it up
		// ahead of carving a fresh block.
		bk.partial.pushBack(b)
	}
	bk.objectBytes = objectBytes
}

// TransferPendingEmptyHeapBlocks returns wholly-empty blocks to the
// page allocator, in-thread: an empty block discovered during a
// concurrent sweep waits on pendingEmpty until the foreground thread
// can transfer it without racing a concurrent mark.
func (bk *Bucket) TransferPendingEmptyHeapBlocks() int {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	n := 0
	bk.pendingEmpty.forEach(func(b *Block) {
		bk.pendingEmpty.remove(b)
		if bk.onReleaseBlock != nil {
			bk.onReleaseBlock(b)
		}
		bk.Pages.ReleasePages(b.Mem)
		bk.totalBytes -= uint64(len(b.Mem))
		n++
	})
	return n
}

// ResetMarks fans ResetMarks out to every block this bucket owns.
func (bk *Bucket) ResetMarks() {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.forEachBlockLocked(func(b *Block) { b.ResetMarks() })
	bk.pendingEmpty.forEach(func(b *Block) { b.ResetMarks() })
}

// ScanInitialImplicitRoots fans out across every block.
func (bk *Bucket) ScanInitialImplicitRoots(m Marker) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.forEachBlockLocked(func(b *Block) { b.ScanInitialImplicitRoots(m) })
}

// ScanNewImplicitRoots fans out across every block.
func (bk *Bucket) ScanNewImplicitRoots(m Marker) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.forEachBlockLocked(func(b *Block) { b.ScanNewImplicitRoots(m) })
}

// Rescan fans out across every barrier-participating block, summing the
// number of pages actually walked.
func (bk *Bucket) Rescan(dirtyPages []uintptr, m Marker) int {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	total := 0
	bk.forEachBlockLocked(func(b *Block) { total += b.Rescan(dirtyPages, m) })
	return total
}

// EnumerateObjects fans out across every block; blocks on pendingEmpty,
// awaiting transfer, are not walked.
func (bk *Bucket) EnumerateObjects(filter objinfo.Bits, fn func(addr, size uintptr, info objinfo.Bits)) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.forEachBlockLocked(func(b *Block) { b.EnumerateObjects(filter, fn) })
}

// SweepPartialReusePages splits this bucket's partially-free blocks
// after a sweep: blocks whose free-byte count meets minFreeBytes stay
// on the partial list for the allocator to bump into; under-threshold
// blocks are deferred (parked off the allocation path) and their free
// bytes reported back so the collector's heuristic can make the next
// collect more eager.
func (bk *Bucket) SweepPartialReusePages(minFreeBytes uint64) (reusedFreeBytes, unusedFreeBytes uint64, reusePages int) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	var deferred []*Block
	bk.partial.forEach(func(b *Block) {
		freeBytes := uint64(len(b.FreeSlots())) * uint64(bk.SizeCat)
		if freeBytes >= minFreeBytes {
			reusedFreeBytes += freeBytes
			reusePages += len(b.Mem) / int(pageSize)
			return
		}
		unusedFreeBytes += freeBytes
		deferred = append(deferred, b)
	})
	for _, b := range deferred {
		bk.partial.remove(b)
		bk.deferredPartial.pushBack(b)
	}
	return reusedFreeBytes, unusedFreeBytes, reusePages
}

// FinishPartialCollect returns every deferred block to the partial
// list so the next full sweep re-files it normally.
func (bk *Bucket) FinishPartialCollect() {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	var back []*Block
	bk.deferredPartial.forEach(func(b *Block) { back = append(back, b) })
	for _, b := range back {
		bk.deferredPartial.remove(b)
		bk.partial.pushBack(b)
	}
}

// BlockCount reports how many blocks this bucket currently owns across
// every list, for the count-conservation check.
func (bk *Bucket) BlockCount() int {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	n := bk.full.len + bk.partial.len + bk.pendingEmpty.len + bk.deferredPartial.len
	if bk.active.block != nil {
		n++
	}
	return n
}

// Check recomputes totalBytes from the blocks actually on this bucket's
// lists and compares it against the tracked counter, reporting whether
// they agree.
func (bk *Bucket) Check() bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	var total uint64
	count := func(b *Block) { total += uint64(len(b.Mem)) }
	if bk.active.block != nil {
		count(bk.active.block)
	}
	bk.full.forEach(count)
	bk.partial.forEach(count)
	bk.pendingEmpty.forEach(count)
	bk.deferredPartial.forEach(count)
	return total == bk.totalBytes
}

// Stats is the per-bucket telemetry snapshot.
type Stats struct {
	ObjectBytes uint64
	TotalBytes  uint64
}

// GetMemStats reports this bucket's current object/total byte counts.
func (bk *Bucket) GetMemStats() Stats {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return Stats{ObjectBytes: bk.objectBytes, TotalBytes: bk.totalBytes}
}

// ExplicitFree tombstones the slot at addr if it belongs to one of this
// bucket's blocks, reporting success.
func (bk *Bucket) ExplicitFree(addr uintptr) bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	found := false
	bk.forEachBlockLocked(func(b *Block) {
		if found {
			return
		}
		if b.ExplicitFree(addr) {
			found = true
		}
	})
	return found
}
