package pagealloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocPagesReturnsRequestedSize(t *testing.T) {
	a := New(KindNormal)
	mem := a.AllocPages(3)
	require.NotNil(t, mem)
	require.Len(t, mem, 3*PageSize)
}

func TestReleaseThenAllocReusesPages(t *testing.T) {
	a := New(KindNormal)
	first := a.AllocPages(1)
	require.NotNil(t, first)
	before := a.CommittedPages()

	// AllocPages already put the rest of the fresh segment on the free
	// list, so the released page brings it back to a whole segment.
	a.ReleasePages(first)
	require.Equal(t, defaultSegmentBytes/PageSize, a.FreePageCount())

	second := a.AllocPages(1)
	require.NotNil(t, second)
	require.Equal(t, before, a.CommittedPages(), "reuse should not commit a new segment")
}

func TestMultiPageReleaseThenAllocReusesRun(t *testing.T) {
	a := New(KindNormal)
	first := a.AllocPages(4)
	require.NotNil(t, first)
	before := a.CommittedPages()

	a.ReleasePages(first)
	require.Equal(t, defaultSegmentBytes/PageSize, a.FreePageCount())

	second := a.AllocPages(4)
	require.NotNil(t, second)
	require.Len(t, second, 4*PageSize)
	require.Equal(t, before, a.CommittedPages(), "a contiguous freed run should be reused, not remapped")
}

func TestWriteWatchTracksDirtyPages(t *testing.T) {
	a := New(KindWithBarrier)
	mem := a.AllocPages(2)
	require.NotNil(t, mem)

	require.True(t, a.ResetWriteWatch())
	require.Equal(t, 0, a.GetWriteWatchPageCount())

	a.MarkDirty(addrOf(mem, 0))
	require.Equal(t, 1, a.GetWriteWatchPageCount())

	a.MarkDirty(addrOf(mem, PageSize))
	require.Equal(t, 2, a.GetWriteWatchPageCount())

	require.True(t, a.ResetWriteWatch())
	require.Equal(t, 0, a.GetWriteWatchPageCount())
}

func TestIdleDecommitHonorsSuspend(t *testing.T) {
	a := New(KindNormal)
	mem := a.AllocPages(1)
	a.ReleasePages(mem)

	a.SuspendIdleDecommit()
	require.Equal(t, 0, a.IdleDecommit())

	// The whole free list is decommitted: the released page plus the
	// segment remainder AllocPages left there.
	a.ResumeIdleDecommit()
	require.Equal(t, defaultSegmentBytes/PageSize, a.IdleDecommit())
}
