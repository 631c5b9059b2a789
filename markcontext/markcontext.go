package markcontext

import "github.com/vire-lang/recycler/pagealloc"

// MarkCandidateSize is a mark-stack entry's footprint: a pointer plus
// a byte count, two pointer-sized words.
const MarkCandidateSize = 16

// candidate is one mark-stack entry: an object to scan and its size.
type candidate struct {
	addr uintptr
	size uintptr
}

const candidatesPerChunk = pagealloc.PageSize / MarkCandidateSize

// chunk is one page-sized slab of the mark stack.
type chunk struct {
	items [candidatesPerChunk]candidate
	n     int
	page  []byte
	next  *chunk
}

// Context is one mark lane's scratch area: a mark stack implemented as
// a chain of page-sized chunks from a PagePool, plus separate
// pending-track queue for objects needing a custom mark callback.
type Context struct {
	pool *PagePool

	top *chunk // current chunk; pushes and pops both work this end

	tracked []candidate

	oom bool
}

// New constructs a Context whose PagePool reserves reservedPages pages
// up front.
func New(alloc *pagealloc.Allocator, reservedPages int) *Context {
	return &Context{pool: NewPagePool(alloc, reservedPages)}
}

// ReservedPageCount computes enough backup pages to guarantee forward
// progress rescanning the largest small bucket under OOM:
// ceil(pageCount * markCandidateSize / minObjectSize) + 1. pageCount is
// the number of pages the bucket with the smallest object size
// occupies; minObjectSize is that bucket's size.
func ReservedPageCount(pageCount int, markCandidateSize, minObjectSize uintptr) int {
	n := (uintptr(pageCount)*markCandidateSize + minObjectSize - 1) / minObjectSize
	return int(n) + 1
}

func (c *Context) newChunk() *chunk {
	page := c.pool.getOrFree()
	if page == nil {
		c.oom = true
		return nil
	}
	return &chunk{page: page}
}

// Push enqueues addr (size bytes) for a later field scan. It is the
// path an ordinary (non-tracked) object's discovery takes.
func (c *Context) Push(addr uintptr, size uintptr) {
	if c.top == nil {
		c.top = c.newChunk()
		if c.top == nil {
			return
		}
	}
	if c.top.n == candidatesPerChunk {
		next := c.newChunk()
		if next == nil {
			return
		}
		next.next = c.top
		c.top = next
	}
	c.top.items[c.top.n] = candidate{addr: addr, size: size}
	c.top.n++
}

// PushTracked enqueues addr on the separate tracked-object queue, for
// objects whose mark step is a custom callback rather than a plain
// field scan (objinfo.Tracked / RecyclerVisitedHost).
func (c *Context) PushTracked(addr uintptr, size uintptr) {
	c.tracked = append(c.tracked, candidate{addr: addr, size: size})
}

// Pop removes and returns one pending candidate, in LIFO order (a
// depth-first mark drain, the same shape as the runtime's gcWork
// chunked stack).
func (c *Context) Pop() (addr uintptr, size uintptr, ok bool) {
	for c.top != nil && c.top.n == 0 {
		spent := c.top
		c.top = c.top.next
		c.pool.Put(spent.page)
	}
	if c.top == nil {
		return 0, 0, false
	}
	c.top.n--
	item := c.top.items[c.top.n]
	return item.addr, item.size, true
}

// PopTracked removes and returns one pending tracked candidate.
func (c *Context) PopTracked() (addr uintptr, size uintptr, ok bool) {
	n := len(c.tracked)
	if n == 0 {
		return 0, 0, false
	}
	item := c.tracked[n-1]
	c.tracked = c.tracked[:n-1]
	return item.addr, item.size, true
}

// HasPendingMarkObjects reports whether Pop would succeed.
func (c *Context) HasPendingMarkObjects() bool {
	for ch := c.top; ch != nil; ch = ch.next {
		if ch.n > 0 {
			return true
		}
	}
	return false
}

// HasPendingTrackObjects reports whether PopTracked would succeed.
func (c *Context) HasPendingTrackObjects() bool {
	return len(c.tracked) > 0
}

// NeedOOMRescan reports whether this context ever failed to obtain a
// page mid-push; the Recycler schedules a rescan guaranteed to drain in
// bounded memory using the pool's reserved pages.
func (c *Context) NeedOOMRescan() bool { return c.oom }

// ClearOOM resets the OOM flag once a guaranteed-progress rescan has run.
func (c *Context) ClearOOM() { c.oom = false }
