// Package markcontext implements the mark stack and its backing page
// pool: a bounded but growable scratch area that degrades gracefully
// under OOM.
package markcontext

import "github.com/vire-lang/recycler/pagealloc"

// PagePool hands out fixed-size pages to a MarkContext's chunked mark
// stack, sourced from a shared pagealloc.Allocator. Each MarkContext
// owns exactly one PagePool, so a run has at most four: the primary
// lane plus three parallel lanes.
type PagePool struct {
	alloc    *pagealloc.Allocator
	reserved [][]byte // pages set aside at construction, never released
	free     [][]byte
}

// NewPagePool reserves reservedPages pages up front from alloc so a
// MarkContext can always make forward progress even when the page
// allocator is otherwise exhausted.
func NewPagePool(alloc *pagealloc.Allocator, reservedPages int) *PagePool {
	p := &PagePool{alloc: alloc}
	for i := 0; i < reservedPages; i++ {
		if page := alloc.AllocPages(1); page != nil {
			p.reserved = append(p.reserved, page)
		}
	}
	return p
}

// Get returns a page, preferring freshly allocated pages and falling
// back to the reserved pool only when the page allocator itself is out
// of memory, so reserved pages stay available as long as possible.
func (p *PagePool) Get() []byte {
	if page := p.alloc.AllocPages(1); page != nil {
		return page
	}
	if len(p.reserved) > 0 {
		page := p.reserved[len(p.reserved)-1]
		p.reserved = p.reserved[:len(p.reserved)-1]
		return page
	}
	return nil
}

// Put returns a page to the pool's free list for reuse without another
// round trip through the page allocator.
func (p *PagePool) Put(page []byte) {
	p.free = append(p.free, page)
}

// getOrFree prefers a previously-returned free page before asking the
// pool for a new one.
func (p *PagePool) getOrFree() []byte {
	if n := len(p.free); n > 0 {
		page := p.free[n-1]
		p.free = p.free[:n-1]
		return page
	}
	return p.Get()
}

// ReservedRemaining reports how many untouched reserved pages are left,
// for telemetry and tests asserting OOM-rescan can still make progress.
func (p *PagePool) ReservedRemaining() int { return len(p.reserved) }
