package recycler

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vire-lang/recycler/collstate"
	"github.com/vire-lang/recycler/heap"
	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
)

func newTestHeap(t *testing.T) *heap.Info {
	t.Helper()
	return heap.NewInfo(heap.PageAllocators{
		Normal:  pagealloc.New(pagealloc.KindNormal),
		Leaf:    pagealloc.New(pagealloc.KindLeaf),
		Barrier: pagealloc.New(pagealloc.KindWithBarrier),
		Large:   pagealloc.New(pagealloc.KindLarge),
	})
}

func newTestRecycler(t *testing.T, hi *heap.Info, cfg Config) *Recycler {
	t.Helper()
	if cfg.MarkPages == nil {
		cfg.MarkPages = pagealloc.New(pagealloc.KindNormal)
	}
	return New(hi, cfg)
}

// rootRange is one contiguous memory range a testRoots reports to
// MarkRoots, modeling a single stack slot or root table entry.
type rootRange struct {
	addr uintptr
	size uintptr
}

type testRoots struct{ ranges []rootRange }

func (tr testRoots) MarkRoots(scan func(addr, byteCount uintptr)) int {
	for _, rg := range tr.ranges {
		scan(rg.addr, rg.size)
	}
	return len(tr.ranges)
}

func rootHolding(addr uintptr) (testRoots, *uintptr) {
	slot := new(uintptr)
	*slot = addr
	return testRoots{ranges: []rootRange{{
		addr: uintptr(unsafe.Pointer(slot)),
		size: unsafe.Sizeof(*slot),
	}}}, slot
}

func objectBytesFor(reports []heap.BucketReport, fam heap.BlockType) uint64 {
	var total uint64
	for _, rep := range reports {
		if rep.Family == fam {
			total += rep.Stats.ObjectBytes
		}
	}
	return total
}

func totalObjectBytes(reports []heap.BucketReport) uint64 {
	var total uint64
	for _, rep := range reports {
		total += rep.Stats.ObjectBytes
	}
	return total
}

func TestCollectNowSweepsUnreachableAndKeepsRooted(t *testing.T) {
	hi := newTestHeap(t)
	reachable := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	unreachable := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, reachable)
	require.NotZero(t, unreachable)

	roots, slot := rootHolding(reachable)
	rec := New(hi, Config{Roots: roots, MarkPages: pagealloc.New(pagealloc.KindNormal)})

	err := rec.CollectNow(context.Background(), CollectNowDefault)
	require.NoError(t, err)
	require.Equal(t, collstate.NotCollecting, rec.State())

	reports := hi.GetBucketStats()
	require.Equal(t, uint64(32), totalObjectBytes(reports), "only the rooted object should survive")
	_ = slot
}

func TestRootAddRefPinsObjectAcrossCollection(t *testing.T) {
	hi := newTestHeap(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	rec := newTestRecycler(t, hi, Config{})
	rec.RootAddRef(addr)

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Equal(t, uint64(32), totalObjectBytes(hi.GetBucketStats()), "pinned object must survive with no roots at all")

	rec.RootRelease(addr)
	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Zero(t, totalObjectBytes(hi.GetBucketStats()), "object must be collected once its last pin is released")
}

func TestWeakReferenceClearedWhenTargetUnreachable(t *testing.T) {
	hi := newTestHeap(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	rec := newTestRecycler(t, hi, Config{})
	wr := rec.CreateWeakReferenceHandle(addr)

	_, ok := wr.Get()
	require.True(t, ok, "handle should resolve before any collection")

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))

	_, ok = wr.Get()
	require.False(t, ok, "weak reference to an unreachable object must clear")
	require.Equal(t, uint64(1), rec.GetWeakReferenceCleanupId())
}

func TestWeakReferenceSurvivesWhenTargetRooted(t *testing.T) {
	hi := newTestHeap(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	roots, _ := rootHolding(addr)

	rec := newTestRecycler(t, hi, Config{Roots: roots})
	wr := rec.CreateWeakReferenceHandle(addr)

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))

	target, ok := wr.Get()
	require.True(t, ok)
	require.Equal(t, addr, target)
	require.Zero(t, rec.GetWeakReferenceCleanupId())
}

func TestFinalizeRunsBeforeDispose(t *testing.T) {
	hi := newTestHeap(t)
	dying := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassFinalizable})
	require.NotZero(t, dying)

	var order []string
	rec := newTestRecycler(t, hi, Config{
		Finalize: func(addr uintptr, _ uintptr) {
			require.Equal(t, dying, addr)
			order = append(order, "finalize")
		},
		Dispose: func(addr uintptr) {
			require.Equal(t, dying, addr)
			order = append(order, "dispose")
		},
	})

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Equal(t, []string{"finalize", "dispose"}, order)
}

func TestCreateWeakReferenceHandleSharedVsDistinct(t *testing.T) {
	hi := newTestHeap(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	rec := newTestRecycler(t, hi, Config{})

	a := rec.CreateWeakReferenceHandle(addr)
	b := rec.CreateWeakReferenceHandle(addr)
	require.NotSame(t, a, b, "CreateWeakReferenceHandle always allocates a fresh handle")

	c := rec.FindOrCreateWeakReferenceHandle(addr)
	d := rec.FindOrCreateWeakReferenceHandle(addr)
	require.Same(t, c, d, "FindOrCreateWeakReferenceHandle shares one handle per address")
}

func TestTelemetryBatchesUpToSixteenPasses(t *testing.T) {
	rec := newTestRecycler(t, newTestHeap(t), Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	}
	require.Equal(t, 5, rec.PendingTelemetryPasses())
}

func TestWriteBarrierStoreIsRetracedByRescan(t *testing.T) {
	barrier := pagealloc.New(pagealloc.KindWithBarrier)
	hi := heap.NewInfo(heap.PageAllocators{
		Normal:  pagealloc.New(pagealloc.KindNormal),
		Leaf:    pagealloc.New(pagealloc.KindLeaf),
		Barrier: barrier,
		Large:   pagealloc.New(pagealloc.KindLarge),
	})
	rec := New(hi, Config{
		MarkPages: pagealloc.New(pagealloc.KindNormal),
		Barriers:  []*pagealloc.Allocator{barrier},
	})

	holder := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormalWithBarrier})
	target := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, holder)
	require.NotZero(t, target)

	// holder has already been marked and scanned when the mutator stores
	// target into it; only the barrier makes the store visible to mark.
	require.True(t, hi.TryMark(holder))
	*(*uintptr)(unsafe.Pointer(holder)) = target
	rec.WriteBarrier(holder)

	scanned, err := rec.rescanWriteWatch(context.Background())
	require.NoError(t, err)
	require.NotZero(t, scanned, "the dirtied page must be re-traced")
	require.True(t, hi.IsMarked(target), "a barrier store during mark must mark its target")
	require.Zero(t, barrier.GetWriteWatchPageCount(), "rescan consumes and clears the dirty set")
}

func TestConcurrentCollectSweepsLargePopulation(t *testing.T) {
	hi := newTestHeap(t)
	keep := make([]uintptr, 0, 100)
	for i := 0; i < 10000; i++ {
		addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
		require.NotZero(t, addr)
		if i%100 == 0 {
			keep = append(keep, addr)
		}
	}
	roots := testRoots{}
	for i := range keep {
		roots.ranges = append(roots.ranges, rootRange{
			addr: uintptr(unsafe.Pointer(&keep[i])),
			size: unsafe.Sizeof(keep[i]),
		})
	}

	rec := newTestRecycler(t, hi, Config{Roots: roots})
	require.NoError(t, rec.CollectNow(context.Background(), CollectOnScriptIdle))

	require.Equal(t, uint64(32*len(keep)), totalObjectBytes(hi.GetBucketStats()),
		"a concurrent parallel collect must sweep exactly the unrooted objects")
}

func TestFinalizerObservesDyingNeighborsIntact(t *testing.T) {
	hi := newTestHeap(t)
	other := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	dying := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassFinalizable})
	require.NotZero(t, other)

	var sawOther bool
	rec := newTestRecycler(t, hi, Config{
		Finalize: func(addr uintptr, _ uintptr) {
			// The unreferenced neighbor dies in the same pass, but its
			// slot must still be walkable while finalizers run.
			hi.EnumerateObjects(0, func(a, _ uintptr, _ objinfo.Bits) {
				if a == other {
					sawOther = true
				}
			})
		},
	})

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.True(t, sawOther, "finalizer must run before sweep reclaims other dying objects")
	_ = dying
}

func TestInteriorPointerRootKeepsObjectAlive(t *testing.T) {
	hi := newTestHeap(t)
	addr := hi.RealAlloc(64, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	roots, _ := rootHolding(addr + 40) // points into the middle of the object
	rec := New(hi, Config{Roots: roots, MarkPages: pagealloc.New(pagealloc.KindNormal)})

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Equal(t, uint64(64), totalObjectBytes(hi.GetBucketStats()), "an interior pointer must keep the whole object alive")
}
