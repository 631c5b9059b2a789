package recycler

// recyclerSweep is the transient object threaded through one
// collection's sweep phases: whether this sweep runs in the background,
// whether it is a partial collect, the
// pending-transfer-disposed flag, and per-pass counters. It is rebuilt at
// the start of every CollectNow and kept in r.sweep until the next one.
type recyclerSweep struct {
	background bool
	partial    bool

	// pendingTransferDisposed is set whenever Finalize enqueued at
	// least one object this pass and cleared only once the dispose
	// queue has actually drained, regardless of whether the sweep that
	// produced it was background or foreground; see DESIGN.md.
	pendingTransferDisposed bool

	finalizedCount int
	sweptBytes     uint64
}

func newRecyclerSweep(background, partial bool) *recyclerSweep {
	return &recyclerSweep{background: background, partial: partial}
}
