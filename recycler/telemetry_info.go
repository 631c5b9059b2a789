package recycler

import (
	"time"

	"github.com/vire-lang/recycler/telemetry"
)

// passInfo is one GC pass's telemetry row: start/end times,
// committed/used byte snapshots, mutator blocked time, and per-phase
// durations.
type passInfo struct {
	start, end         time.Time
	committedBytes     uint64
	usedBytes          uint64
	uiThreadBlocked    time.Duration
	markDuration       time.Duration
	sweepDuration       time.Duration
	finalizeDuration   time.Duration
}

// telemetryBatch accumulates up to 16 passes before handing them to
// the Prometheus Reporter.
const telemetryTransmitThreshold = 16

type telemetryBatch struct {
	passes   []passInfo
	reporter *telemetry.Reporter
}

func newTelemetryBatch(reporter *telemetry.Reporter) *telemetryBatch {
	return &telemetryBatch{reporter: reporter}
}

// record appends one pass and transmits the batch once it reaches the
// threshold.
func (b *telemetryBatch) record(p passInfo) {
	b.passes = append(b.passes, p)
	if b.reporter != nil {
		b.reporter.ObservePassDuration(p.end.Sub(p.start))
		if p.uiThreadBlocked > 0 {
			b.reporter.ObserveUIThreadBlocked("rescan-finalize-dispose", p.uiThreadBlocked)
		}
	}
	if len(b.passes) >= telemetryTransmitThreshold {
		b.transmit()
	}
}

func (b *telemetryBatch) transmit() {
	if b.reporter != nil {
		for range b.passes {
			b.reporter.PassTransmitted()
		}
	}
	b.passes = b.passes[:0]
}

// pendingPasses reports how many passes are buffered, for tests and
// diagnostics.
func (b *telemetryBatch) pendingPasses() int { return len(b.passes) }
