package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
)

func newTestInfo(t *testing.T) *Info {
	t.Helper()
	pa := PageAllocators{
		Normal:  pagealloc.New(pagealloc.KindNormal),
		Leaf:    pagealloc.New(pagealloc.KindLeaf),
		Barrier: pagealloc.New(pagealloc.KindWithBarrier),
		Large:   pagealloc.New(pagealloc.KindLarge),
	}
	return NewInfo(pa)
}

func TestAllocThenMarkRoundtrip(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	require.True(t, hi.TryMark(addr), "first mark should report newly-marked")
	require.False(t, hi.TryMark(addr), "second mark should be idempotent")
}

func TestTryMarkInteriorResolvesToObjectStart(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(64, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	require.True(t, hi.TryMarkInterior(addr+40))
	require.False(t, hi.TryMark(addr), "interior mark should already have set the start's mark bit")
}

func TestResetMarksClearsExceptImplicitRoot(t *testing.T) {
	hi := newTestInfo(t)
	plain := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	pinned := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal, ImplicitRoot: true})

	require.True(t, hi.TryMark(plain))
	require.True(t, hi.TryMark(pinned))

	hi.ResetMarks()

	require.True(t, hi.TryMark(plain), "non-implicit-root mark should have been cleared")
	require.False(t, hi.TryMark(pinned), "implicit-root mark should still be set")
}

func TestSweepReclaimsUnmarked(t *testing.T) {
	hi := newTestInfo(t)
	dead := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	live := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.True(t, hi.TryMark(live))

	hi.Sweep(nil)

	reports := hi.GetBucketStats()
	var total uint64
	for _, r := range reports {
		total += r.Stats.ObjectBytes
	}
	require.Equal(t, uint64(32), total, "only the marked object's bytes should remain counted")

	reAlloc := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, reAlloc)
	_ = dead
}

func TestExplicitFreeTombstonesSlot(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.True(t, hi.TryMark(addr))

	require.True(t, hi.ExplicitFree(addr))

	hi.Sweep(nil)
	reports := hi.GetBucketStats()
	for _, r := range reports {
		require.Zero(t, r.Stats.ObjectBytes, "tombstoned object should not survive sweep even though marked")
	}
}

func TestExplicitDoubleFreeRejected(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	require.True(t, hi.ExplicitFree(addr))
	require.False(t, hi.ExplicitFree(addr), "a second free of the same slot before sweep must be rejected")

	hi.Sweep(nil)

	// After sweep reclaims and the slot is handed out again, freeing the
	// new occupant works normally.
	again := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, again)
	require.True(t, hi.ExplicitFree(again))
}

func TestFinalizerRunsBeforeSweepFrees(t *testing.T) {
	hi := newTestInfo(t)
	var finalized []uintptr
	dead := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassFinalizable})

	n := hi.Finalize(func(addr uintptr, size uintptr) { finalized = append(finalized, addr) })
	require.Equal(t, 1, n)
	require.Equal(t, []uintptr{dead}, finalized)

	hi.Sweep(nil)
}

func TestBlockCountConservation(t *testing.T) {
	hi := newTestInfo(t)
	for i := 0; i < 10; i++ {
		require.NotZero(t, hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal}))
	}
	require.NotZero(t, hi.RealAlloc(600, objinfo.Attributes{Class: objinfo.EnumClassLeaf}))

	count, ok := hi.GetSmallHeapBlockCount(true)
	require.True(t, ok, "tracked byte totals must match the blocks on each bucket's lists")
	require.Equal(t, 2, count, "one small block plus one medium block")
}

func TestBlockIndexDroppedAfterTransfer(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	hi.Sweep(nil) // unmarked, so the block empties
	require.Equal(t, 1, hi.TransferPendingHeapBlocks())

	require.False(t, hi.TryMark(addr), "an address in a released block must no longer resolve")
}

func TestSweepPartialReuseThreshold(t *testing.T) {
	hi := newTestInfo(t)
	live := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	dead := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.True(t, hi.TryMark(live))
	_ = dead

	hi.Sweep(nil) // block ends up partially free

	reused, unused, pages := hi.SweepPartialReusePages(64)
	require.NotZero(t, reused, "a mostly-empty block clears a 64-byte floor")
	require.Zero(t, unused)
	require.Equal(t, 1, pages)

	// With an impossible floor the same block is deferred and its free
	// bytes charged back.
	hi.ResetMarks()
	require.True(t, hi.TryMark(live))
	hi.Sweep(nil)
	reused, unused, pages = hi.SweepPartialReusePages(1 << 30)
	require.Zero(t, reused)
	require.NotZero(t, unused)
	require.Zero(t, pages)

	// FinishPartialCollect puts the deferred block back on the
	// allocation path.
	hi.FinishPartialCollect()
	again := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, again)
}

func TestClearImplicitRootMakesCollectable(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal, ImplicitRoot: true})
	require.NotZero(t, addr)

	hi.ResetMarks()
	require.False(t, hi.TryMark(addr), "implicit root stays marked across ResetMarks")

	require.True(t, hi.ClearImplicitRoot(addr))
	hi.ResetMarks()
	require.True(t, hi.TryMark(addr), "once the bit is cleared, ResetMarks drops the mark")
}

func TestLargeObjectMarkAndSweep(t *testing.T) {
	hi := newTestInfo(t)
	addr := hi.RealAlloc(10000, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	require.True(t, hi.TryMark(addr))
	hi.ResetMarks()
	require.True(t, hi.TryMark(addr), "unmarked large object should mark fresh again")

	hi.Sweep(nil) // still marked from the line above
	reports := hi.GetBucketStats()
	found := false
	for _, r := range reports {
		if r.Family == LargeBlockType && r.Stats.ObjectBytes > 0 {
			found = true
		}
	}
	require.True(t, found, "marked large object should survive sweep")
}
