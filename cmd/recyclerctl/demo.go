package main

import (
	"math/rand"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vire-lang/recycler/heap"
	"github.com/vire-lang/recycler/objinfo"
	"github.com/vire-lang/recycler/pagealloc"
	"github.com/vire-lang/recycler/recycler"
	"github.com/vire-lang/recycler/telemetry"
)

// demoHeap builds a heap.Info plus a Recycler over it with no external
// embedder: recyclerctl plays the role of the host process that would
// normally own the root set and the object graph. A fixed fraction of
// the objects it allocates are kept rooted so that every collect
// actually has something to free and something to keep.
type demoHeap struct {
	info  *heap.Info
	rec   *recycler.Recycler
	roots *demoRoots
}

// demoRoots is a RootMarker over a fixed slice of root slots, each
// holding the address of one allocated object.
type demoRoots struct {
	slots []uintptr
}

func (d *demoRoots) MarkRoots(scan func(addr, byteCount uintptr)) int {
	for i := range d.slots {
		scan(uintptr(unsafe.Pointer(&d.slots[i])), unsafe.Sizeof(d.slots[i]))
	}
	return 1
}

func newDemoHeap(reg prometheus.Registerer, log *zap.Logger, rootedObjects, garbageObjects int) *demoHeap {
	barrierPages := pagealloc.New(pagealloc.KindWithBarrier, pagealloc.WithLogger(log))
	info := heap.NewInfo(heap.PageAllocators{
		Normal:  pagealloc.New(pagealloc.KindNormal, pagealloc.WithLogger(log)),
		Leaf:    pagealloc.New(pagealloc.KindLeaf, pagealloc.WithLogger(log)),
		Barrier: barrierPages,
		Large:   pagealloc.New(pagealloc.KindLarge, pagealloc.WithLogger(log)),
	})

	roots := &demoRoots{}
	for i := 0; i < rootedObjects; i++ {
		addr := info.RealAlloc(objectSize(), objinfo.Attributes{Class: objinfo.EnumClassNormal})
		if addr != 0 {
			roots.slots = append(roots.slots, addr)
		}
	}
	for i := 0; i < garbageObjects; i++ {
		info.RealAlloc(objectSize(), objinfo.Attributes{Class: objinfo.EnumClassNormal})
	}

	reporter := telemetry.NewReporter(reg, "recyclerctl-demo")
	rec := recycler.New(info, recycler.Config{
		Log:       log,
		Roots:     roots,
		Reporter:  reporter,
		MarkPages: pagealloc.New(pagealloc.KindNormal, pagealloc.WithLogger(log)),
		Barriers:  []*pagealloc.Allocator{barrierPages},
	})
	return &demoHeap{info: info, rec: rec, roots: roots}
}

// objectSize picks a small object size from the same quantized range
// heap.Block services, biased toward the smaller classes the way a real
// object population skews.
func objectSize() uintptr {
	sizes := []uintptr{16, 32, 48, 64, 128, 256}
	return sizes[rand.Intn(len(sizes))]
}
