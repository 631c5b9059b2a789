// Package pagealloc reserves and commits raw virtual memory pages for the
// heap, and supports idle-time decommit. It is the leaf dependency every
// other package in this module builds on.
package pagealloc

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// addrOf returns the address of byte offset off within mem, for use as a
// free-list key. The slice backing mem is never moved or resized by Go's
// GC (it is OS-backed memory obtained via mmap, not a Go-managed
// allocation), so the address is stable for the lifetime of the mapping.
func addrOf(mem []byte, off uintptr) uintptr {
	return uintptr(unsafe.Pointer(&mem[off]))
}

// addrToSlice reconstructs a byte slice view over n bytes starting at
// addr, the inverse of addrOf.
func addrToSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// PageSize is the OS page size this allocator commits in. The collector
// never deals in partial pages.
const PageSize = 4096

// MaxFreePageCount bounds how many committed-but-unused pages an
// Allocator holds onto before handing them back to the OS, the same
// role as the runtime's cap on mheap's free span cache.
const MaxFreePageCount = 16 << 20 / PageSize // one idle segment's worth

// Kind selects the variant of allocator a HeapBucket family asks for.
// Leaf-only memory is never scanned by mark;
// WithBarrier memory gets write-watch enabled so Rescan can find dirty
// pages cheaply.
type Kind int

const (
	KindNormal Kind = iota
	KindLeaf
	KindLarge
	KindWithBarrier
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindLarge:
		return "large"
	case KindWithBarrier:
		return "with-barrier"
	default:
		return "normal"
	}
}

// Segment is one large mmap'd region a Allocator carves pages from.
type Segment struct {
	base  uintptr
	pages int
	mem   []byte
}

// Allocator reserves memory in large Segments and commits/releases pages
// from them on behalf of one Kind of caller. It is safe for concurrent
// use: the mutator and a background sweeper/decommit goroutine may call
// it from different goroutines.
type Allocator struct {
	mu   sync.Mutex
	kind Kind
	log  *zap.Logger

	segments    []*Segment
	free        []uintptr // addresses of committed, unused single pages
	decommitted []uintptr // madvised away, mapping still valid, reusable

	writeWatch     bool
	dirty          map[uintptr]bool // page base -> touched since last reset, software fallback
	segmentBytes   uintptr
	idleSuspended  int
	committedPages int
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithLogger attaches a zap logger; a nil logger is replaced with
// zap.NewNop() so callers never need a nil check.
func WithLogger(log *zap.Logger) Option {
	return func(a *Allocator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithSegmentBytes overrides the default segment reservation size.
func WithSegmentBytes(n uintptr) Option {
	return func(a *Allocator) { a.segmentBytes = n }
}

const defaultSegmentBytes = 16 << 20 // 16 MiB

// New creates an Allocator for the given Kind.
func New(kind Kind, opts ...Option) *Allocator {
	a := &Allocator{
		kind:         kind,
		log:          zap.NewNop(),
		dirty:        make(map[uintptr]bool),
		segmentBytes: defaultSegmentBytes,
	}
	if kind == KindWithBarrier {
		a.writeWatch = true
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllocPages reserves and commits n contiguous pages. It returns nil on
// OOM rather than panicking: the Recycler treats a nil return as the
// trigger for a forced collection.
func (a *Allocator) AllocPages(n int) []byte {
	if n <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if mem := a.tryReuseFreePages(n); mem != nil {
		return mem
	}

	segBytes := a.segmentBytes
	need := uintptr(n) * PageSize
	if need > segBytes {
		segBytes = need
	}
	mem, err := unix.Mmap(-1, 0, int(segBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		a.log.Warn("pagealloc: mmap failed", zap.Error(errors.Wrap(err, "mmap")), zap.Int("pages", n))
		return nil
	}
	seg := &Segment{base: addrOf(mem, 0), pages: int(segBytes / PageSize), mem: mem}
	a.segments = append(a.segments, seg)
	a.committedPages += seg.pages

	result := mem[:need]
	// Anything beyond what the caller asked for goes onto the free list
	// as individual pages so future small allocations can reuse it
	// without another mmap.
	for off := need; off+PageSize <= uintptr(len(mem)); off += PageSize {
		a.free = append(a.free, uintptr(addrOf(mem, off)))
	}
	if a.writeWatch {
		for off := uintptr(0); off < need; off += PageSize {
			delete(a.dirty, uintptr(addrOf(mem, off)))
		}
	}
	return result
}

// tryReuseFreePages serves n pages from the free pool when a contiguous
// run exists. Single-page requests (the overwhelmingly common case) pop
// the tail directly; multi-page requests sort the pool and look for n
// consecutive page addresses, falling back to a fresh segment when no
// run is long enough.
func (a *Allocator) tryReuseFreePages(n int) []byte {
	if n == 1 {
		if len(a.free) > 0 {
			addr := a.free[len(a.free)-1]
			a.free = a.free[:len(a.free)-1]
			return addrToSlice(addr, PageSize)
		}
		if len(a.decommitted) > 0 {
			addr := a.decommitted[len(a.decommitted)-1]
			a.decommitted = a.decommitted[:len(a.decommitted)-1]
			return addrToSlice(addr, PageSize)
		}
		return nil
	}
	if len(a.free) < n {
		return nil
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })
	runStart := 0
	for i := 1; i <= len(a.free); i++ {
		if i < len(a.free) && a.free[i] == a.free[i-1]+PageSize {
			if i-runStart+1 == n {
				base := a.free[runStart]
				a.free = append(a.free[:runStart], a.free[runStart+n:]...)
				return addrToSlice(base, n*PageSize)
			}
			continue
		}
		runStart = i
	}
	return nil
}

// ReleasePages returns n pages starting at the address returned by a
// prior AllocPages back to the free pool. It never unmaps: pages beyond
// MaxFreePageCount are decommitted and stay mapped and reusable.
func (a *Allocator) ReleasePages(mem []byte) {
	if len(mem) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	base := uintptr(addrOf(mem, 0))
	for off := uintptr(0); off+PageSize <= uintptr(len(mem)); off += PageSize {
		a.free = append(a.free, base+off)
		delete(a.dirty, base+off)
	}
	if len(a.free) > MaxFreePageCount {
		a.decommitExcessLocked()
	}
}

// decommitExcessLocked advises the OS to drop the physical backing of
// pages beyond MaxFreePageCount. The mapping stays valid, so the pages
// move to the decommitted pool and remain reusable. Caller holds a.mu.
func (a *Allocator) decommitExcessLocked() {
	excess := len(a.free) - MaxFreePageCount
	if excess <= 0 {
		return
	}
	for i := 0; i < excess; i++ {
		addr := a.free[i]
		page := addrToSlice(addr, PageSize)
		if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
			a.log.Debug("pagealloc: madvise DONTNEED failed", zap.Error(err))
		}
		a.decommitted = append(a.decommitted, addr)
	}
	a.free = a.free[excess:]
}

// SuspendIdleDecommit makes IdleDecommit a no-op until matched by a
// ResumeIdleDecommit call, so a
// caller mid-walk of the free list isn't racing a decommit.
func (a *Allocator) SuspendIdleDecommit() {
	a.mu.Lock()
	a.idleSuspended++
	a.mu.Unlock()
}

// ResumeIdleDecommit reverses one SuspendIdleDecommit.
func (a *Allocator) ResumeIdleDecommit() {
	a.mu.Lock()
	if a.idleSuspended > 0 {
		a.idleSuspended--
	}
	a.mu.Unlock()
}

// IdleDecommit runs an idle-time decommit pass over the whole free list,
// honoring SuspendIdleDecommit. Returns the number of pages decommitted;
// the pages stay mapped and reusable from the decommitted pool.
func (a *Allocator) IdleDecommit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleSuspended > 0 {
		return 0
	}
	n := len(a.free)
	for _, addr := range a.free {
		page := addrToSlice(addr, PageSize)
		if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
			a.log.Debug("pagealloc: idle madvise failed", zap.Error(err))
		}
		a.decommitted = append(a.decommitted, addr)
	}
	a.free = a.free[:0]
	return n
}

// EnableWriteWatch turns on write-watch tracking for this allocator's
// pages; only meaningful for KindWithBarrier allocators. This
// implementation uses a software card table (ResetWriteWatch/dirty map)
// rather than an OS write-watch syscall, since the latter has no
// portable POSIX equivalent.
func (a *Allocator) EnableWriteWatch() {
	a.mu.Lock()
	a.writeWatch = true
	a.mu.Unlock()
}

// MarkDirty records that the page containing addr was written through
// the write barrier. Called by the barrier, not by mark/sweep.
func (a *Allocator) MarkDirty(addr uintptr) {
	if !a.writeWatch {
		return
	}
	page := addr &^ (PageSize - 1)
	a.mu.Lock()
	a.dirty[page] = true
	a.mu.Unlock()
}

// ResetWriteWatch clears the dirty flag on every committed writable page
// and reports whether it succeeded. Rescan calls this once per
// incremental pass, after taking the DirtyPages snapshot it re-traces.
func (a *Allocator) ResetWriteWatch() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = make(map[uintptr]bool)
	return true
}

// GetWriteWatchPageCount returns how many distinct pages have been
// dirtied since the last ResetWriteWatch.
func (a *Allocator) GetWriteWatchPageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirty)
}

// DirtyPages returns a snapshot of the currently-dirty page base
// addresses, for Rescan to iterate.
func (a *Allocator) DirtyPages() []uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	pages := make([]uintptr, 0, len(a.dirty))
	for p := range a.dirty {
		pages = append(pages, p)
	}
	return pages
}

// CommittedPages reports the total number of pages committed across all
// segments, used by telemetry's perAllocator{committed} fields.
func (a *Allocator) CommittedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committedPages
}

// FreePageCount reports how many committed pages currently sit on the
// free list, used by bucket stats to compute fragmentation.
func (a *Allocator) FreePageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
