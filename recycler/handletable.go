package recycler

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// handleTable is a small sharded hash table keyed on an object address,
// backing the pinned-object table. Addresses hash well under xxhash's
// avalanche without any extra mixing, so each bucket is a plain slice
// scanned linearly rather than a balanced tree.
type handleTable struct {
	mu      sync.Mutex
	buckets []bucketEntries
}

type entry struct {
	addr  uintptr
	value interface{}
}

type bucketEntries []entry

const handleTableBucketCount = 256

func newHandleTable() *handleTable {
	return &handleTable{buckets: make([]bucketEntries, handleTableBucketCount)}
}

func (t *handleTable) bucketFor(addr uintptr) int {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(addr >> (8 * i))
	}
	return int(xxhash.Sum64(buf[:]) % handleTableBucketCount)
}

// set records value under addr, replacing any existing entry.
func (t *handleTable) set(addr uintptr, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketFor(addr)
	for i, e := range t.buckets[idx] {
		if e.addr == addr {
			t.buckets[idx][i].value = value
			return
		}
	}
	t.buckets[idx] = append(t.buckets[idx], entry{addr: addr, value: value})
}

// get returns the value stored under addr, if any.
func (t *handleTable) get(addr uintptr) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketFor(addr)
	for _, e := range t.buckets[idx] {
		if e.addr == addr {
			return e.value, true
		}
	}
	return nil, false
}

// delete removes the entry under addr, if any.
func (t *handleTable) delete(addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketFor(addr)
	bucket := t.buckets[idx]
	for i, e := range bucket {
		if e.addr == addr {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// forEach visits every entry; fn may call delete on the current addr but
// must not call set/get on the same table re-entrantly.
func (t *handleTable) forEach(fn func(addr uintptr, value interface{})) {
	t.mu.Lock()
	snapshot := make([]entry, 0)
	for _, bucket := range t.buckets {
		snapshot = append(snapshot, bucket...)
	}
	t.mu.Unlock()
	for _, e := range snapshot {
		fn(e.addr, e.value)
	}
}

// count reports the number of entries across all buckets.
func (t *handleTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}
