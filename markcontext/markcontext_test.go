package markcontext

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vire-lang/recycler/pagealloc"
)

func TestPushPopIsLIFO(t *testing.T) {
	pa := pagealloc.New(pagealloc.KindNormal)
	ctx := New(pa, 1)

	ctx.Push(100, 16)
	ctx.Push(200, 32)

	addr, size, ok := ctx.Pop()
	require.True(t, ok)
	require.Equal(t, uintptr(200), addr)
	require.Equal(t, uintptr(32), size)

	addr, _, ok = ctx.Pop()
	require.True(t, ok)
	require.Equal(t, uintptr(100), addr)

	_, _, ok = ctx.Pop()
	require.False(t, ok)
	require.False(t, ctx.HasPendingMarkObjects())
}

func TestPushAcrossChunkBoundary(t *testing.T) {
	pa := pagealloc.New(pagealloc.KindNormal)
	ctx := New(pa, 1)

	for i := 0; i < candidatesPerChunk+10; i++ {
		ctx.Push(uintptr(i), 16)
	}
	require.True(t, ctx.HasPendingMarkObjects())

	count := 0
	for {
		_, _, ok := ctx.Pop()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, candidatesPerChunk+10, count)
}

func TestTrackedQueueIsSeparate(t *testing.T) {
	pa := pagealloc.New(pagealloc.KindNormal)
	ctx := New(pa, 1)

	ctx.PushTracked(42, 16)
	require.True(t, ctx.HasPendingTrackObjects())
	require.False(t, ctx.HasPendingMarkObjects())

	addr, _, ok := ctx.PopTracked()
	require.True(t, ok)
	require.Equal(t, uintptr(42), addr)
	require.False(t, ctx.HasPendingTrackObjects())
}

func TestReservedPagesUntouchedWhileAllocatorServes(t *testing.T) {
	pa := pagealloc.New(pagealloc.KindNormal)
	ctx := New(pa, 2)
	require.Equal(t, 2, ctx.pool.ReservedRemaining())

	ctx.Push(1, 16)
	require.False(t, ctx.NeedOOMRescan())
}
