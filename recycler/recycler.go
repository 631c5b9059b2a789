// Package recycler implements the collection state machine: mark,
// rescan, sweep, finalize, dispose and transfer, driven over a heap.Info
// and its page allocators. The drain loop follows the same shape as
// the runtime's gcDrain/gcBgMarkWorker pair: a chunked mark stack fed
// by root scans, drained by a pool of workers coordinated with
// golang.org/x/sync/errgroup.
package recycler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vire-lang/recycler/collstate"
	"github.com/vire-lang/recycler/heap"
	"github.com/vire-lang/recycler/markcontext"
	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
	"github.com/vire-lang/recycler/telemetry"
)

// ParallelMarkWorkers is the number of parallel worker contexts that run
// alongside the primary one.
const ParallelMarkWorkers = 3

// PointerSize is the conservative-scan stride: a scan treats every
// aligned word in a root range or object body as a candidate pointer.
const PointerSize = unsafe.Sizeof(uintptr(0))

// RootMarker is the external collaborator that knows the runtime's own
// root set. MarkRoots must invoke scan
// once per contiguous memory range that might hold pointers (stack
// slices, guest arenas, …) and report how many distinct stacks it
// walked.
type RootMarker interface {
	MarkRoots(scan func(addr, byteCount uintptr)) (stacksScanned int)
}

// DisposeFunc runs one object's dispose step; it may allocate, which may
// re-enter the collector.
type DisposeFunc func(addr uintptr)

// VisitTrackedFunc lets the host mark a tracked object's children
// itself instead of having the collector scan the body conservatively:
// the host calls push once per outgoing reference. Objects allocated
// with the RecyclerVisitedHost class take this path.
type VisitTrackedFunc func(addr, byteCount uintptr, push func(child uintptr))

// FinalizeFunc runs one object's in-thread finalizer before its slot is
// reclaimed.
type FinalizeFunc func(addr uintptr, byteCount uintptr)

// Recycler is one collection context over one heap.Info: the state
// machine, pinned-object table, weak-reference table, dispose queue and
// telemetry for a single logical heap.
type Recycler struct {
	ID string

	log  *zap.Logger
	heap *heap.Info

	collectMu  sync.Mutex // serializes CollectNow calls
	collecting int32      // nonzero while CollectNow runs, for re-entrance checks
	stateMu    sync.Mutex
	state      collstate.State

	roots        RootMarker
	finalizeFn   FinalizeFunc
	disposeFn    DisposeFunc
	visitTracked VisitTrackedFunc
	outOfMemoryFn func()

	allocBytesSinceCollect uint64
	allocTriggerBytes      uint64
	externalBytes          int64
	maxExternalBytes       int64

	pinned   *handleTable
	weakRefs *weakRefTable

	weakCleanupID uint64

	laneMu  sync.Mutex
	lanes   []*markcontext.Context
	tracked *markcontext.Context // lane whose pending-track queue all tracked pushes land on
	next    uint32

	partial   partialHeuristic
	telemetry *telemetryBatch

	disposeMu     sync.Mutex
	disposeQueue  []uintptr
	hasDisposable int32

	barriers []writeWatchResetter

	sweep *recyclerSweep
}

// Config supplies a Recycler's external collaborators and tuning knobs.
type Config struct {
	Log          *zap.Logger
	Roots        RootMarker
	Finalize     FinalizeFunc
	Dispose      DisposeFunc
	VisitTracked VisitTrackedFunc
	Reporter     *telemetry.Reporter
	PagePool     int // reserved mark-stack pages per lane

	// OutOfMemory is invoked after a forced collection still could not
	// satisfy an allocation; the default is nil (the caller just sees
	// ErrOutOfMemory).
	OutOfMemory func()

	// AllocTriggerBytes sets the allocation-threshold heuristic: bytes
	// allocated through Recycler.Alloc since the last collection before
	// the next Alloc triggers CollectOnAllocation. Zero uses the default.
	AllocTriggerBytes uint64

	// MaxExternalBytes caps DoExternalAllocation's accounted budget;
	// zero means unlimited.
	MaxExternalBytes int64

	// MarkPages backs every mark lane's PagePool; all four lanes share
	// one allocator, the same way the runtime keeps a single gcWork
	// page cache.
	MarkPages *pagealloc.Allocator

	// Barriers lists every write-barrier page allocator this Recycler's
	// heap uses, so a concurrent collection's RescanMark phase can reset
	// write-watch and collect dirty pages.
	Barriers []*pagealloc.Allocator
}

// New constructs a Recycler over hi, ready to run collections.
func New(hi *heap.Info, cfg Config) *Recycler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	reserved := cfg.PagePool
	if reserved <= 0 {
		reserved = 2
	}
	triggerBytes := cfg.AllocTriggerBytes
	if triggerBytes == 0 {
		triggerBytes = defaultAllocTriggerBytes
	}
	r := &Recycler{
		ID:                uuid.NewString(),
		log:               log,
		heap:              hi,
		roots:             cfg.Roots,
		finalizeFn:        cfg.Finalize,
		disposeFn:         cfg.Dispose,
		visitTracked:      cfg.VisitTracked,
		outOfMemoryFn:     cfg.OutOfMemory,
		allocTriggerBytes: triggerBytes,
		maxExternalBytes:  cfg.MaxExternalBytes,
		pinned:            newHandleTable(),
		weakRefs:          &weakRefTable{},
		telemetry:         newTelemetryBatch(cfg.Reporter),
	}
	for _, b := range cfg.Barriers {
		r.barriers = append(r.barriers, b)
	}
	for i := 0; i < 1+ParallelMarkWorkers; i++ {
		r.lanes = append(r.lanes, markcontext.New(cfg.MarkPages, reserved))
	}
	r.tracked = r.lanes[0]
	return r
}

func (r *Recycler) transition(s collstate.State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
	r.log.Debug("recycler: state transition", zap.String("recycler_id", r.ID), zap.Stringer("state", s))
}

// State reports the collector's current named state.
func (r *Recycler) State() collstate.State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// RootAddRef pins addr so it survives collection regardless of
// reachability, until a matching RootRelease.
func (r *Recycler) RootAddRef(addr uintptr) {
	count, _ := r.pinned.get(addr)
	n, _ := count.(int)
	r.pinned.set(addr, n+1)
}

// RootRelease drops one pin on addr; once the count reaches zero the
// object is eligible for collection again.
func (r *Recycler) RootRelease(addr uintptr) {
	count, ok := r.pinned.get(addr)
	if !ok {
		return
	}
	n, _ := count.(int)
	n--
	if n <= 0 {
		r.pinned.delete(addr)
		return
	}
	r.pinned.set(addr, n)
}

// isMarked reports whether addr currently carries the mark bit, for weak
// reference sweep.
func (r *Recycler) isMarked(addr uintptr) bool { return r.heap.IsMarked(addr) }

func (r *Recycler) pushCandidate(addr, size uintptr) {
	r.laneMu.Lock()
	idx := int(atomic.AddUint32(&r.next, 1)) % len(r.lanes)
	r.lanes[idx].Push(addr, size)
	r.laneMu.Unlock()
}

func (r *Recycler) pushTracked(addr, size uintptr) {
	r.laneMu.Lock()
	r.tracked.PushTracked(addr, size)
	r.laneMu.Unlock()
}

func (r *Recycler) popAny() (addr, size uintptr, tracked, ok bool) {
	r.laneMu.Lock()
	defer r.laneMu.Unlock()
	for _, lane := range r.lanes {
		if a, s, popped := lane.Pop(); popped {
			return a, s, false, true
		}
	}
	if a, s, popped := r.tracked.PopTracked(); popped {
		return a, s, true, true
	}
	return 0, 0, false, false
}

// visitTrackedObject hands a tracked object to the host's visit
// callback; with no callback configured the body is scanned
// conservatively like any other object.
func (r *Recycler) visitTrackedObject(addr, size uintptr) {
	if r.visitTracked == nil {
		r.scanRange(addr, size)
		return
	}
	r.visitTracked(addr, size, func(child uintptr) {
		if child == 0 {
			return
		}
		if start, csize, marked := r.heap.TryMarkInteriorStart(child); marked {
			r.pushCandidate(start, csize)
		}
	})
}

// scanRange conservatively walks [addr, addr+byteCount) in pointer-sized
// steps, marking anything that resolves to a live object start and
// queueing it for its own field scan.
func (r *Recycler) scanRange(addr, byteCount uintptr) {
	if byteCount < PointerSize {
		return
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(byteCount))
	for off := uintptr(0); off+PointerSize <= byteCount; off += PointerSize {
		word := *(*uintptr)(unsafe.Pointer(&mem[off]))
		if word == 0 {
			continue
		}
		if start, size, marked := r.heap.TryMarkInteriorStart(word); marked {
			r.pushCandidate(start, size)
		}
	}
}

// drainOneLane services every lane a worker can reach, stealing from
// any lane once its own work runs dry, until a full pass finds nothing
// pending anywhere.
func (r *Recycler) drainOneLane() {
	for {
		addr, size, tracked, ok := r.popAny()
		if !ok {
			return
		}
		if tracked {
			r.visitTrackedObject(addr, size)
			continue
		}
		r.scanRange(addr, size)
	}
}

// drainParallel runs up to 1+ParallelMarkWorkers goroutines draining
// the shared lane set, coordinated with errgroup rather than a
// hand-rolled WaitGroup + channel pair.
func (r *Recycler) drainParallel(ctx context.Context, parallel bool) error {
	workers := 1
	if parallel {
		workers = 1 + ParallelMarkWorkers
	}
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			r.drainOneLane()
			return nil
		})
	}
	return g.Wait()
}

// findRoots invokes the root marker over every external root range plus
// every pinned object, returning the bytes scanned for telemetry.
func (r *Recycler) findRoots() uintptr {
	var bytesScanned uintptr
	scan := func(addr, byteCount uintptr) {
		bytesScanned += byteCount
		r.scanRange(addr, byteCount)
	}
	if r.roots != nil {
		r.roots.MarkRoots(scan)
	}
	r.pinned.forEach(func(addr uintptr, _ interface{}) {
		if size, marked := r.heap.TryMarkStart(addr); marked {
			r.pushCandidate(addr, size)
			bytesScanned += size
		}
	})
	r.heap.ScanInitialImplicitRoots(lanesMarker{r})
	return bytesScanned
}

// lanesMarker adapts Recycler to heap.Marker so ScanInitialImplicitRoots
// can push discoveries onto the shared lane set.
type lanesMarker struct{ r *Recycler }

func (l lanesMarker) Push(addr, byteCount uintptr)        { l.r.pushCandidate(addr, byteCount) }
func (l lanesMarker) PushTracked(addr, byteCount uintptr) { l.r.pushTracked(addr, byteCount) }

// rescanDirty walks every barrier allocator's dirty page set and
// re-traces it, picking up stores the mutator made while the
// background mark was draining.
func (r *Recycler) rescanDirty(dirtyPages []uintptr) int {
	scanned := r.heap.Rescan(dirtyPages, lanesMarker{r})
	r.heap.ScanNewImplicitRoots(lanesMarker{r})
	return scanned
}

// rescanWriteWatch snapshots the write-watch dirty set, clears it, then
// re-traces the snapshot and drains whatever that uncovers. Snapshot
// strictly before reset: a reset-first ordering would empty the set the
// rescan is about to read and lose every barrier store made during the
// mark. Returns the number of pages re-traced.
func (r *Recycler) rescanWriteWatch(ctx context.Context) (int, error) {
	dirty := r.collectDirtyPages()
	for _, alloc := range r.barrierAllocators() {
		alloc.ResetWriteWatch()
	}
	scanned := r.rescanDirty(dirty)
	if err := r.drainParallel(ctx, false); err != nil {
		return scanned, errors.Wrap(err, "recycler: rescan drain")
	}
	return scanned, nil
}

// WriteBarrier records a pointer store into the barrier object
// containing addr: the containing page is dirtied so a concurrent
// collection's rescan re-traces it. The host must route every store
// into a WithBarrier-class object through this (or its own equivalent
// that calls the allocator's MarkDirty).
func (r *Recycler) WriteBarrier(addr uintptr) {
	for _, a := range r.barriers {
		a.MarkDirty(addr)
	}
}

func (r *Recycler) enqueueDispose(addr uintptr) {
	r.disposeMu.Lock()
	r.disposeQueue = append(r.disposeQueue, addr)
	r.disposeMu.Unlock()
	atomic.StoreInt32(&r.hasDisposable, 1)
}

// DisposeObjects drains the dispose queue, calling the host-supplied
// DisposeFunc for each entry; dispose may allocate and so may refill
// the queue, hence the loop.
func (r *Recycler) DisposeObjects() int {
	n := 0
	for atomic.LoadInt32(&r.hasDisposable) != 0 {
		r.disposeMu.Lock()
		batch := r.disposeQueue
		r.disposeQueue = nil
		atomic.StoreInt32(&r.hasDisposable, 0)
		r.disposeMu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, addr := range batch {
			if r.disposeFn != nil {
				r.disposeFn(addr)
			}
			n++
		}
		if r.sweep != nil {
			r.sweep.pendingTransferDisposed = false
		}
	}
	return n
}

// CollectNow runs one full collection under flags, blocking until it
// completes. The concurrent/parallel
// phases run on goroutines, but this call does not return control to
// the mutator mid-collection — an asynchronous, non-blocking entry
// point is out of scope here; see DESIGN.md.
func (r *Recycler) CollectNow(ctx context.Context, flags CollectionFlags) error {
	r.collectMu.Lock()
	defer r.collectMu.Unlock()
	atomic.StoreInt32(&r.collecting, 1)
	defer atomic.StoreInt32(&r.collecting, 0)

	start := time.Now()
	partial := flags.wantsPartial()
	r.sweep = newRecyclerSweep(flags.wantsConcurrent(), partial)
	atomic.StoreUint64(&r.allocBytesSinceCollect, 0)

	if !partial {
		// A full collect sweeps everything, including blocks a prior
		// partial pass deferred below the reuse threshold.
		r.heap.FinishPartialCollect()
	}

	statsBefore := r.heap.GetBucketStats()

	if flags.wantsConcurrent() {
		r.transition(collstate.ConcurrentResetMarksS)
	} else {
		r.transition(collstate.ResetMarksS)
	}
	r.heap.ResetMarks()

	if flags.wantsConcurrent() {
		r.transition(collstate.ConcurrentFindRootsS)
	} else {
		r.transition(collstate.FindRootsS)
	}
	r.partial.rescanRootBytes = uint64(r.findRoots())

	markState := collstate.MarkS
	switch {
	case flags.Has(FlagConcurrent) && !flags.Has(FlagForceInThread):
		markState = collstate.BackgroundParallelMarkS
	case flags.Has(FlagConcurrent):
		markState = collstate.ConcurrentMarkS
	}
	r.transition(markState)
	markStart := time.Now()
	if err := r.drainParallel(ctx, !flags.Has(FlagForceInThread)); err != nil {
		return errors.Wrap(err, "recycler: parallel mark")
	}

	if flags.Has(FlagConcurrent) {
		r.transition(collstate.RescanWaitS)
		r.transition(collstate.RescanFindRootsS)
		r.transition(collstate.RescanMarkS)
		if _, err := r.rescanWriteWatch(ctx); err != nil {
			return err
		}
		r.transition(collstate.ConcurrentFinishMarkS)
	}
	if r.needOOMRescan() {
		// A lane ran out of mark-stack pages mid-push; rescan from the
		// roots using the reserved pages, which is guaranteed to make
		// progress.
		r.log.Warn("recycler: mark-stack OOM, rescanning", zap.String("recycler_id", r.ID))
		r.findRoots()
		if err := r.drainParallel(ctx, false); err != nil {
			return errors.Wrap(err, "recycler: OOM rescan drain")
		}
		r.clearOOMRescan()
	}
	markDuration := time.Since(markStart)

	r.sweepWeakReferences()

	r.transition(collstate.SweepS)
	onFinalize := func(addr uintptr, byteCount uintptr) {
		if r.finalizeFn != nil {
			r.finalizeFn(addr, byteCount)
		}
		r.sweep.pendingTransferDisposed = true
		r.enqueueDispose(addr)
		r.sweep.finalizedCount++
	}
	finalizeStart := time.Now()
	r.heap.Finalize(onFinalize)
	finalizeDuration := time.Since(finalizeStart)

	sweepStart := time.Now()
	if flags.Has(FlagConcurrent) {
		r.transition(collstate.SetupConcurrentSweepS)
		r.transition(collstate.ConcurrentSweepS)
	}
	r.heap.Sweep(onFinalize)
	sweepDuration := time.Since(sweepStart)

	if flags.Has(FlagConcurrent) {
		r.transition(collstate.TransferSweptWaitS)
	}
	r.transition(collstate.TransferSweptS)
	r.heap.TransferPendingHeapBlocks()

	if partial {
		reused, unused, _ := r.heap.SweepPartialReusePages(partialCollectSmallHeapBlockReuseMinFreeBytes)
		r.partial.estimatedPartialReuseBytes += reused
		r.partial.unusedPartialCollectFreeBytes += unused
	}

	if flags.Has(FlagDecommitNow) {
		r.heap.IdleDecommit()
	}

	r.transition(collstate.PostSweepRedeferralCallbackS)

	if flags.Has(FlagAllowDispose) {
		r.DisposeObjects()
	}

	statsAfter := r.heap.GetBucketStats()
	r.accumulatePartial(statsBefore, statsAfter, partial, markDuration+sweepDuration)

	r.transition(collstate.PostCollectionCallbackS)
	r.transition(collstate.NotCollecting)

	end := time.Now()
	r.telemetry.record(passInfo{
		start:            start,
		end:              end,
		committedBytes:   r.committedBytes(),
		usedBytes:        r.usedBytes(statsAfter),
		markDuration:     markDuration,
		sweepDuration:    sweepDuration,
		finalizeDuration: finalizeDuration,
	})
	return nil
}

func (r *Recycler) accumulatePartial(before, after []heap.BucketReport, partial bool, elapsed time.Duration) {
	if !partial {
		r.partial.reset()
		return
	}
	byKey := make(map[heap.BlockType]heap.BucketReport, len(before))
	for _, rep := range before {
		byKey[rep.Family] = rep
	}
	for _, rep := range after {
		prior := byKey[rep.Family]
		if prior.Stats.ObjectBytes > rep.Stats.ObjectBytes {
			r.partial.partialUncollectedAllocBytes += prior.Stats.ObjectBytes - rep.Stats.ObjectBytes
		}
	}
	r.partial.collectCost = float64(elapsed.Milliseconds() + 1)
}

func (r *Recycler) committedBytes() uint64 {
	var total uint64
	for _, rep := range r.heap.GetBucketStats() {
		total += rep.Stats.TotalBytes
	}
	return total
}

func (r *Recycler) usedBytes(stats []heap.BucketReport) uint64 {
	var total uint64
	for _, rep := range stats {
		total += rep.Stats.ObjectBytes
	}
	return total
}

// ShouldPromoteToFull reports whether the partial-collect heuristic says
// the next CollectNow should run with FlagExhaustive rather than
// FlagPartial.
func (r *Recycler) ShouldPromoteToFull() bool { return r.partial.shouldPromoteToFull() }

// needOOMRescan reports whether any mark lane failed to obtain a page
// mid-push during the drain that just finished.
func (r *Recycler) needOOMRescan() bool {
	r.laneMu.Lock()
	defer r.laneMu.Unlock()
	for _, lane := range r.lanes {
		if lane.NeedOOMRescan() {
			return true
		}
	}
	return false
}

func (r *Recycler) clearOOMRescan() {
	r.laneMu.Lock()
	defer r.laneMu.Unlock()
	for _, lane := range r.lanes {
		lane.ClearOOM()
	}
}

// barrierAllocators returns the write-barrier allocators configured for
// this Recycler; empty when none were supplied, which is safe because a
// synchronous (non-concurrent) collection never reaches this path.
func (r *Recycler) barrierAllocators() []writeWatchResetter { return r.barriers }

func (r *Recycler) collectDirtyPages() []uintptr {
	var pages []uintptr
	for _, a := range r.barriers {
		pages = append(pages, a.DirtyPages()...)
	}
	return pages
}

type writeWatchResetter interface {
	MarkDirty(addr uintptr)
	ResetWriteWatch() bool
	DirtyPages() []uintptr
}

// ClearImplicitRoot drops an object's ImplicitRoot bit so the next
// ResetMarks stops treating it as live without a reference.
func (r *Recycler) ClearImplicitRoot(addr uintptr) bool { return r.heap.ClearImplicitRoot(addr) }

// TryMark exposes heap.Info.TryMark for hosts that want to pre-mark an
// object outside a collection (e.g. a just-allocated implicit root).
func (r *Recycler) TryMark(addr uintptr) bool { return r.heap.TryMark(addr) }

// EnumerateObjects exposes a heap walk outside of collection.
func (r *Recycler) EnumerateObjects(filter objinfo.Bits, fn func(addr, size uintptr, info objinfo.Bits)) {
	r.heap.EnumerateObjects(filter, fn)
}

// PendingTelemetryPasses reports how many passes are buffered awaiting
// the 16-pass transmit threshold.
func (r *Recycler) PendingTelemetryPasses() int { return r.telemetry.pendingPasses() }
