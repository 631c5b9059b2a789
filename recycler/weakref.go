package recycler

import (
	"sync"
	"sync/atomic"
)

// WeakRef is a handle to an object that does not keep it alive. Its
// target is cleared by the weak-reference sweep once mark has finished
// and the target turned out unreachable.
type WeakRef struct {
	target uintptr
	cleared int32
}

// Get returns the live target address, or ok=false if it has been
// cleared by a prior collection.
func (w *WeakRef) Get() (uintptr, bool) {
	if atomic.LoadInt32(&w.cleared) != 0 {
		return 0, false
	}
	return w.target, true
}

func (w *WeakRef) clear() { atomic.StoreInt32(&w.cleared, 1) }

// CreateWeakReferenceHandle registers a new weak reference to addr.
// Repeated calls for the same address each return a distinct handle,
// one per call site; use FindOrCreateWeakReferenceHandle to share one
// handle per address instead.
func (r *Recycler) CreateWeakReferenceHandle(addr uintptr) *WeakRef {
	w := &WeakRef{target: addr}
	r.weakRefs.mu.Lock()
	r.weakRefs.handles = append(r.weakRefs.handles, w)
	r.weakRefs.mu.Unlock()
	return w
}

// FindOrCreateWeakReferenceHandle returns the existing weak reference
// for addr if one is already registered and still live, otherwise
// creates one.
func (r *Recycler) FindOrCreateWeakReferenceHandle(addr uintptr) *WeakRef {
	r.weakRefs.mu.Lock()
	for _, w := range r.weakRefs.handles {
		if atomic.LoadInt32(&w.cleared) == 0 && w.target == addr {
			r.weakRefs.mu.Unlock()
			return w
		}
	}
	r.weakRefs.mu.Unlock()
	return r.CreateWeakReferenceHandle(addr)
}

// GetWeakReferenceCleanupId reports how many sweepWeakReferences passes
// have cleared at least one handle, for hosts asserting liveness in
// tests.
func (r *Recycler) GetWeakReferenceCleanupId() uint64 {
	return atomic.LoadUint64(&r.weakCleanupID)
}

// sweepWeakReferences clears every handle whose target did not survive
// mark, called once per collection after FinishMark and before Sweep so
// a finalizer never observes a weak reference to a dead object as live.
func (r *Recycler) sweepWeakReferences() {
	r.weakRefs.mu.Lock()
	defer r.weakRefs.mu.Unlock()
	cleared := false
	live := r.weakRefs.handles[:0]
	for _, w := range r.weakRefs.handles {
		if atomic.LoadInt32(&w.cleared) != 0 {
			continue
		}
		if !r.isMarked(w.target) {
			w.clear()
			cleared = true
			continue
		}
		live = append(live, w)
	}
	r.weakRefs.handles = live
	if cleared {
		atomic.AddUint64(&r.weakCleanupID, 1)
	}
}

type weakRefTable struct {
	mu      sync.Mutex
	handles []*WeakRef
}
