package recycler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vire-lang/recycler/objinfo"
)

func TestManagerSharesPageAllocatorsAcrossContexts(t *testing.T) {
	m := NewManager()

	a := m.NewContext("context-a", nil, nil, nil)
	b := m.NewContext("context-b", nil, nil, nil)
	require.NotSame(t, a.Info, b.Info, "each context gets its own HeapInfo")

	addrA := a.Info.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addrA)
	addrB := b.Info.RealAlloc(32, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addrB)

	require.NoError(t, a.Rec.CollectNow(context.Background(), CollectNowDefault))
	require.Zero(t, totalObjectBytes(a.Info.GetBucketStats()), "context-a's unrooted object must be collected")
	require.Equal(t, uint64(32), totalObjectBytes(b.Info.GetBucketStats()), "collecting context-a must not touch context-b's heap")

	got, ok := m.Context("context-a")
	require.True(t, ok)
	require.Same(t, a, got)

	require.ElementsMatch(t, []string{"context-a", "context-b"}, m.Contexts())

	m.RemoveContext("context-a")
	_, ok = m.Context("context-a")
	require.False(t, ok)
}

func TestManagerCommittedPagesAccumulatesAcrossContexts(t *testing.T) {
	m := NewManager()
	before := m.CommittedPages()

	ctx := m.NewContext("solo", nil, nil, nil)
	addr := ctx.Info.RealAlloc(4096, objinfo.Attributes{Class: objinfo.EnumClassNormal})
	require.NotZero(t, addr)

	require.Greater(t, m.CommittedPages(), before, "allocating a block must commit pages visible through the shared Manager")
}
