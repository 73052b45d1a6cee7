package grid

import (
	"sync"
	"sync/atomic"
)

// MaxReservedID is the highest reserved line id. Reserved ids are
// well-known cluster-wide constants: they are never allocated and they
// survive deletion.
const MaxReservedID int64 = 0xFFFFFFFF

// IsReserved reports whether id is a reserved line id.
func IsReserved(id int64) bool {
	return id <= MaxReservedID
}

// RefAllocator hands out fresh line ids. Allocation may be temporarily
// unavailable (e.g. while a fresh block is being negotiated with the
// cluster); callers park until OnReady fires.
type RefAllocator interface {
	// AllocateRefs returns the first id of a block of count fresh,
	// consecutive ids, or ok=false if the allocator is not ready.
	AllocateRefs(count int) (first int64, ok bool)
	// SetOnReady registers the callback invoked whenever the allocator
	// (re)becomes ready.
	SetOnReady(f func())
}

// --------------------------------------------------------------------------
// Engine-side wrapper
// --------------------------------------------------------------------------

// idAllocator parks PUT/ALLOC ops while the backend cannot allocate and
// re-runs them when it becomes ready.
type idAllocator struct {
	backend RefAllocator
	cache   *Cache

	mu      sync.Mutex
	waiting []*Op
}

func newIDAllocator(cache *Cache, backend RefAllocator) *idAllocator {
	a := &idAllocator{backend: backend, cache: cache}
	backend.SetOnReady(a.ready)
	return a
}

// allocateIds returns the first of count fresh ids, or -1 after parking
// the op for a retry.
func (a *idAllocator) allocateIds(op *Op, count int) int64 {
	if first, ok := a.backend.AllocateRefs(count); ok {
		return first
	}

	a.mu.Lock()
	op.createFuture()
	a.waiting = append(a.waiting, op)
	a.mu.Unlock()
	return -1
}

// ready re-runs all parked ops.
func (a *idAllocator) ready() {
	a.mu.Lock()
	ops := a.waiting
	a.waiting = nil
	a.mu.Unlock()

	log.Infof("id allocator is ready, retrying %d ops", len(ops))
	for _, op := range ops {
		a.cache.retryOp(op)
	}
}

// --------------------------------------------------------------------------
// Local allocator
// --------------------------------------------------------------------------

// LocalAllocator allocates ids from a process-local counter. Suitable for
// single-node deployments and tests; a clustered deployment replaces it
// with an allocator backed by the directory.
type LocalAllocator struct {
	next    atomic.Int64
	ready   atomic.Bool
	onReady func()
}

// NewLocalAllocator creates an allocator handing out ids starting just
// above the reserved range.
func NewLocalAllocator() *LocalAllocator {
	return NewLocalAllocatorAt(MaxReservedID + 1)
}

// NewLocalAllocatorAt creates an allocator handing out ids from start.
// Nodes sharing a cluster must be given disjoint ranges.
func NewLocalAllocatorAt(start int64) *LocalAllocator {
	a := &LocalAllocator{}
	if start <= MaxReservedID {
		start = MaxReservedID + 1
	}
	a.next.Store(start)
	a.ready.Store(true)
	return a
}

func (a *LocalAllocator) AllocateRefs(count int) (int64, bool) {
	if !a.ready.Load() {
		return -1, false
	}
	end := a.next.Add(int64(count))
	return end - int64(count), true
}

func (a *LocalAllocator) SetOnReady(f func()) {
	a.onReady = f
}

// SetReady flips availability; becoming ready retries parked ops.
func (a *LocalAllocator) SetReady(ready bool) {
	was := a.ready.Swap(ready)
	if !was && ready && a.onReady != nil {
		a.onReady()
	}
}
