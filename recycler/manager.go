package recycler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vire-lang/recycler/heap"
	"github.com/vire-lang/recycler/pagealloc"
	"github.com/vire-lang/recycler/telemetry"
)

// Manager hosts multiple HeapInfo/Recycler pairs — one per script
// context — sharing one set of page allocators. Every context
// allocates from the same four pagealloc.Allocator instances, so
// committed-but-unused pages freed by one context's sweep are available
// to the next context's allocations without another mmap.
type Manager struct {
	mu sync.Mutex

	log *zap.Logger

	pages     heap.PageAllocators
	markPages *pagealloc.Allocator

	contexts map[string]*Context
}

// Context is one script context's HeapInfo/Recycler pair, as handed out
// by Manager.NewContext.
type Context struct {
	Name string
	Info *heap.Info
	Rec  *Recycler
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithManagerLogger attaches a zap logger shared by every context this
// Manager creates.
func WithManagerLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager with one shared set of page
// allocators (normal, leaf, with-barrier, large) plus one shared
// mark-stack page source: every HeapInfo this Manager creates draws
// from the same underlying pagealloc.Allocator instances rather than
// reserving its own segments.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      zap.NewNop(),
		contexts: make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pages = heap.PageAllocators{
		Normal:  pagealloc.New(pagealloc.KindNormal, pagealloc.WithLogger(m.log)),
		Leaf:    pagealloc.New(pagealloc.KindLeaf, pagealloc.WithLogger(m.log)),
		Barrier: pagealloc.New(pagealloc.KindWithBarrier, pagealloc.WithLogger(m.log)),
		Large:   pagealloc.New(pagealloc.KindLarge, pagealloc.WithLogger(m.log)),
	}
	m.markPages = pagealloc.New(pagealloc.KindNormal, pagealloc.WithLogger(m.log))
	return m
}

// NewContext creates and registers a new HeapInfo/Recycler pair under
// name, drawing on this Manager's shared page allocators. name must be
// unique within the Manager; a duplicate replaces the previous entry
// (the old context is left to be garbage collected by the host once it
// drops its own reference — Manager does not tear one down itself).
func (m *Manager) NewContext(name string, roots RootMarker, finalize FinalizeFunc, dispose DisposeFunc) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := heap.NewInfo(m.pages)
	rec := New(info, Config{
		Log:       m.log,
		Roots:     roots,
		Finalize:  finalize,
		Dispose:   dispose,
		Reporter:  m.reporterFor(name),
		MarkPages: m.markPages,
		Barriers:  []*pagealloc.Allocator{m.pages.Barrier},
	})
	ctx := &Context{Name: name, Info: info, Rec: rec}
	m.contexts[name] = ctx
	return ctx
}

// reporterFor is a hook point for per-context telemetry; the default
// Manager shares no Reporter (each context's Recycler.telemetry simply
// batches without transmitting) since Prometheus registries are
// process-global and distinct contexts would need distinct recycler_id
// label values. A host wiring real telemetry should construct its own
// telemetry.Reporter per context and assign it to Context.Rec directly
// by calling recycler.New itself instead of going through Manager.
func (m *Manager) reporterFor(name string) *telemetry.Reporter { return nil }

// Context looks up a previously created context by name.
func (m *Manager) Context(name string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[name]
	return c, ok
}

// RemoveContext drops a context from the Manager's registry. It does
// not sweep or release the context's blocks; the caller must ensure the
// context is no longer in use (e.g. after its script engine has torn
// down) before calling this.
func (m *Manager) RemoveContext(name string) {
	m.mu.Lock()
	delete(m.contexts, name)
	m.mu.Unlock()
}

// Contexts returns the names of every registered context, for a host
// that wants to fan a heap walk or a forced collection out across all
// of them.
func (m *Manager) Contexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		names = append(names, name)
	}
	return names
}

// CommittedPages reports the total pages committed across the shared
// normal/leaf/barrier/large allocators, for a host enforcing a
// process-wide page budget across every context.
func (m *Manager) CommittedPages() int {
	return m.pages.Normal.CommittedPages() +
		m.pages.Leaf.CommittedPages() +
		m.pages.Barrier.CommittedPages() +
		m.pages.Large.CommittedPages()
}
