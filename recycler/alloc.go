package recycler

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vire-lang/recycler/objinfo"
)

// ErrOutOfMemory is returned by the nothrow allocation paths once a
// forced collection has failed to free enough pages to satisfy the
// request.
var ErrOutOfMemory = errors.New("recycler: out of memory")

// defaultAllocTriggerBytes is the allocation-threshold heuristic: once
// this many bytes have been allocated since the last collection, the
// next Alloc call triggers CollectOnAllocation before returning.
const defaultAllocTriggerBytes = 8 << 20

// Alloc is the typed-alloc entry point: the request is routed by size
// and attributes to the right bucket family. On page-allocator OOM it
// forces an in-thread collection with eager decommit and retries once;
// if the retry also fails it invokes the configured OutOfMemory func
// and returns ErrOutOfMemory.
func (r *Recycler) Alloc(ctx context.Context, size uintptr, attrs objinfo.Attributes) (uintptr, error) {
	// A dispose callback may allocate while a collection is already on
	// this goroutine's stack; never recurse into CollectNow then.
	if atomic.LoadInt32(&r.collecting) != 0 {
		if addr := r.heap.RealAlloc(size, attrs); addr != 0 {
			return addr, nil
		}
		return 0, errors.Wrapf(ErrOutOfMemory, "alloc %d bytes during collection", size)
	}

	if trigger := atomic.AddUint64(&r.allocBytesSinceCollect, uint64(size)); trigger >= r.allocTriggerBytes {
		atomic.StoreUint64(&r.allocBytesSinceCollect, 0)
		flags := CollectOnAllocation
		if r.ShouldPromoteToFull() {
			flags = CollectOnAllocation | FlagExhaustive
		}
		if err := r.CollectNow(ctx, flags); err != nil {
			return 0, err
		}
	}

	if addr := r.heap.RealAlloc(size, attrs); addr != 0 {
		return addr, nil
	}

	r.log.Warn("recycler: allocation failed, forcing collection",
		zap.String("recycler_id", r.ID), zap.Uint64("size", uint64(size)))
	if err := r.CollectNow(ctx, CollectOnRecoverFromOutOfMemory); err != nil {
		return 0, err
	}
	if addr := r.heap.RealAlloc(size, attrs); addr != 0 {
		return addr, nil
	}
	if r.outOfMemoryFn != nil {
		r.outOfMemoryFn()
	}
	return 0, errors.Wrapf(ErrOutOfMemory, "alloc %d bytes", size)
}

// AllocLeaf allocates an object the mark phase never scans.
func (r *Recycler) AllocLeaf(ctx context.Context, size uintptr) (uintptr, error) {
	return r.Alloc(ctx, size, objinfo.Attributes{Class: objinfo.EnumClassLeaf})
}

// AllocFinalized allocates an object whose finalizer runs in-thread
// before its slot is reclaimed.
func (r *Recycler) AllocFinalized(ctx context.Context, size uintptr) (uintptr, error) {
	return r.Alloc(ctx, size, objinfo.Attributes{Class: objinfo.EnumClassFinalizable})
}

// AllocWithBarrier allocates an object whose containing pages
// participate in incremental rescan during concurrent mark.
func (r *Recycler) AllocWithBarrier(ctx context.Context, size uintptr) (uintptr, error) {
	return r.Alloc(ctx, size, objinfo.Attributes{Class: objinfo.EnumClassNormalWithBarrier})
}

// AllocImplicitRoot allocates an object treated as live with no incoming
// reference, until the host clears the bit.
func (r *Recycler) AllocImplicitRoot(ctx context.Context, size uintptr) (uintptr, error) {
	return r.Alloc(ctx, size, objinfo.Attributes{Class: objinfo.EnumClassNormal, ImplicitRoot: true})
}

// ExplicitFreeLeaf tombstones a leaf slot; the next sweep reclaims it
// without running mark over it.
func (r *Recycler) ExplicitFreeLeaf(addr uintptr) bool { return r.heap.ExplicitFree(addr) }

// ExplicitFreeNonLeaf tombstones a non-leaf slot.
func (r *Recycler) ExplicitFreeNonLeaf(addr uintptr) bool { return r.heap.ExplicitFree(addr) }

// DoExternalAllocation accounts size bytes of non-GC-managed memory
// (typed array buffers and the like) against the configured external
// budget, then runs fn to perform the host-side allocation. When the
// budget is exhausted it forces a collection and retries the accounting
// once; a failure is reported to the caller without aborting. If fn
// itself fails, the accounted bytes are returned to the budget before
// the error propagates.
func (r *Recycler) DoExternalAllocation(ctx context.Context, size int64, fn func() error) error {
	if !r.tryChargeExternal(size) {
		if atomic.LoadInt32(&r.collecting) == 0 {
			if err := r.CollectNow(ctx, CollectOnTypedArrayAllocation); err != nil {
				return err
			}
		}
		if !r.tryChargeExternal(size) {
			return errors.Wrapf(ErrOutOfMemory, "external allocation of %d bytes exceeds budget", size)
		}
	}
	if fn == nil {
		return nil
	}
	if err := fn(); err != nil {
		r.ReportExternalMemoryFailure(size)
		return err
	}
	return nil
}

// ReportExternalMemoryFree returns size bytes to the external budget
// when the host frees a previously accounted allocation.
func (r *Recycler) ReportExternalMemoryFree(size int64) {
	atomic.AddInt64(&r.externalBytes, -size)
}

// ReportExternalMemoryFailure undoes a DoExternalAllocation charge whose
// host-side allocation failed after the accounting succeeded.
func (r *Recycler) ReportExternalMemoryFailure(size int64) {
	atomic.AddInt64(&r.externalBytes, -size)
}

// ExternalBytes reports the currently accounted external allocation
// total.
func (r *Recycler) ExternalBytes() int64 { return atomic.LoadInt64(&r.externalBytes) }

func (r *Recycler) tryChargeExternal(size int64) bool {
	for {
		cur := atomic.LoadInt64(&r.externalBytes)
		next := cur + size
		if r.maxExternalBytes > 0 && next > r.maxExternalBytes {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.externalBytes, cur, next) {
			return true
		}
	}
}
