package recycler

// partialHeuristic accumulates per-pass reuse and cost figures and
// decides whether the next collection should promote from a partial to
// a full sweep.
type partialHeuristic struct {
	uncollectedNewPageCount     int
	unusedPartialCollectFreeBytes uint64
	partialUncollectedAllocBytes uint64
	rescanRootBytes              uint64
	estimatedPartialReuseBytes   uint64
	collectEfficacy              float64
	collectCost                  float64
}

// partialCollectSmallHeapBlockReuseMinFreeBytes is the per-block
// free-byte floor a page must clear to be eligible for partial reuse.
const partialCollectSmallHeapBlockReuseMinFreeBytes = 128

// promoteThreshold is the collectEfficacy/collectCost ratio below which
// a partial collection is abandoned in favor of a full one on the next
// trigger.
const promoteThreshold = 0.25

// shouldPromoteToFull reports whether the accumulated efficacy-to-cost
// ratio has fallen low enough that the next collection should be
// promoted from partial to full.
func (p *partialHeuristic) shouldPromoteToFull() bool {
	if p.collectCost <= 0 {
		return false
	}
	p.collectEfficacy = float64(p.estimatedPartialReuseBytes)
	ratio := p.collectEfficacy / p.collectCost
	return ratio < promoteThreshold
}

// reset clears the per-collection counters after a full sweep, so the
// heuristic starts fresh for the next partial run.
func (p *partialHeuristic) reset() {
	*p = partialHeuristic{}
}
