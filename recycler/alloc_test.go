package recycler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vire-lang/recycler/objinfo"
)

func TestAllocThresholdTriggersCollection(t *testing.T) {
	hi := newTestHeap(t)
	rec := newTestRecycler(t, hi, Config{AllocTriggerBytes: 64})

	a, err := rec.Alloc(context.Background(), 32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NoError(t, err)
	require.NotZero(t, a)

	// This allocation crosses the 64-byte threshold, so the collector
	// runs first and sweeps the unrooted object above.
	b, err := rec.Alloc(context.Background(), 32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NoError(t, err)
	require.NotZero(t, b)

	require.Equal(t, uint64(32), totalObjectBytes(hi.GetBucketStats()),
		"the pre-threshold object should have been collected; only the fresh one survives")
}

func TestAllocDuringDisposeDoesNotRecurse(t *testing.T) {
	hi := newTestHeap(t)
	var rec *Recycler
	var disposeAlloc uintptr
	rec = newTestRecycler(t, hi, Config{
		Dispose: func(addr uintptr) {
			got, err := rec.Alloc(context.Background(), 32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
			require.NoError(t, err, "allocation from a dispose callback must not deadlock")
			disposeAlloc = got
		},
	})

	_, err := rec.Alloc(context.Background(), 32, objinfo.Attributes{Class: objinfo.EnumClassFinalizable})
	require.NoError(t, err)

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.NotZero(t, disposeAlloc)
}

func TestExternalAllocationBudget(t *testing.T) {
	hi := newTestHeap(t)
	rec := newTestRecycler(t, hi, Config{MaxExternalBytes: 100})

	require.NoError(t, rec.DoExternalAllocation(context.Background(), 60, nil))
	require.Equal(t, int64(60), rec.ExternalBytes())

	err := rec.DoExternalAllocation(context.Background(), 60, nil)
	require.ErrorIs(t, err, ErrOutOfMemory, "over-budget external allocation must fail after the recovery collect")
	require.Equal(t, int64(60), rec.ExternalBytes(), "failed charge must not stick")

	rec.ReportExternalMemoryFree(60)
	require.NoError(t, rec.DoExternalAllocation(context.Background(), 60, nil))
}

func TestExternalAllocationUndoneWhenHostAllocFails(t *testing.T) {
	hi := newTestHeap(t)
	rec := newTestRecycler(t, hi, Config{MaxExternalBytes: 100})

	hostErr := rec.DoExternalAllocation(context.Background(), 40, func() error {
		return ErrOutOfMemory
	})
	require.Error(t, hostErr)
	require.Zero(t, rec.ExternalBytes(), "charge must be returned when the host-side allocation fails")
}

func TestVisitTrackedMarksChildren(t *testing.T) {
	hi := newTestHeap(t)
	child := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, child)
	tracked := hi.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassRecyclerVisitedHost, ImplicitRoot: true})
	require.NotZero(t, tracked)

	var visited []uintptr
	rec := newTestRecycler(t, hi, Config{
		VisitTracked: func(addr, byteCount uintptr, push func(child uintptr)) {
			visited = append(visited, addr)
			push(child)
		},
	})

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Equal(t, []uintptr{tracked}, visited)
	require.Equal(t, uint64(64), totalObjectBytes(hi.GetBucketStats()),
		"the host-visited child must survive alongside the tracked implicit root")
}

func TestImplicitRootSurvivesUntilBitCleared(t *testing.T) {
	hi := newTestHeap(t)
	rec := newTestRecycler(t, hi, Config{})

	addr, err := rec.AllocImplicitRoot(context.Background(), 32)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
		require.Equal(t, uint64(32), totalObjectBytes(hi.GetBucketStats()),
			"implicit root must survive collection %d with no references", i)
	}

	require.True(t, rec.ClearImplicitRoot(addr))
	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))
	require.Zero(t, totalObjectBytes(hi.GetBucketStats()),
		"object must be collected once its implicit-root bit is cleared")
}

func TestExplicitFreeRoundtrip(t *testing.T) {
	hi := newTestHeap(t)
	rec := newTestRecycler(t, hi, Config{})

	addr, err := rec.AllocLeaf(context.Background(), 48)
	require.NoError(t, err)
	require.True(t, rec.ExplicitFreeLeaf(addr))

	require.NoError(t, rec.CollectNow(context.Background(), CollectNowDefault))

	again, err := rec.AllocLeaf(context.Background(), 48)
	require.NoError(t, err)
	require.Equal(t, addr, again, "a freed slot of the same size class should be reused")
}
