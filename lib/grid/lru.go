package grid

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Access-ordered weighted heap
//
// This combines a binary min-heap with a hash map: O(log n) for
// priority operations, O(1) key lookups, O(log n) key removal. Priority
// is a logical access tick, so the heap minimum is always the
// least-recently-used line.
// --------------------------------------------------------------------------

// lruItem represents one line in the access heap
type lruItem struct {
	key      int64  // line id
	priority uint64 // access tick
	weight   int64  // 1 + payload size at insert time
	index    int    // index in the heap, maintained by the heap package
}

type accessHeap struct {
	items []*lruItem          // The actual heap slice
	byKey map[int64]*lruItem  // Map for O(1) access by key
}

func newAccessHeap() *accessHeap {
	return &accessHeap{byKey: make(map[int64]*lruItem)}
}

// Len returns the number of items (part of heap.Interface)
func (h *accessHeap) Len() int { return len(h.items) }

// Less compares items by access tick (part of heap.Interface)
func (h *accessHeap) Less(i, j int) bool {
	return h.items[i].priority < h.items[j].priority
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (h *accessHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface)
func (h *accessHeap) Push(x interface{}) {
	n := len(h.items)
	item := x.(*lruItem)
	item.index = n
	h.items = append(h.items, item)
	h.byKey[item.key] = item
}

// Pop removes and returns the minimum item (part of heap.Interface)
func (h *accessHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	h.items = old[:n-1]
	delete(h.byKey, item.key)
	return item
}

// add inserts a new item or updates the tick/weight of an existing one
func (h *accessHeap) add(key int64, tick uint64, weight int64) (oldWeight int64, existed bool) {
	if item, ok := h.byKey[key]; ok {
		oldWeight = item.weight
		item.priority = tick
		item.weight = weight
		heap.Fix(h, item.index)
		return oldWeight, true
	}
	heap.Push(h, &lruItem{key: key, priority: tick, weight: weight})
	return 0, false
}

// touch updates the access tick of key, if present
func (h *accessHeap) touch(key int64, tick uint64) {
	if item, ok := h.byKey[key]; ok {
		item.priority = tick
		heap.Fix(h, item.index)
	}
}

// removeByKey removes an item by its key and returns its weight
func (h *accessHeap) removeByKey(key int64) (int64, bool) {
	item, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, item.index)
	return item.weight, true
}

// --------------------------------------------------------------------------
// Shared-replica table
// --------------------------------------------------------------------------

// sharedTable holds the I/S lines, bounded by weighted capacity. Lookups
// are lock-free through the concurrent map; the access order and weights
// are maintained under a short mutex.
//
// Victims are selected under the mutex but handed to the eviction
// callback after it is released: the callback takes the victim line's
// own lock (to send INVACK, fire listeners and release storage), and
// line locks are never acquired inside the table mutex.
type sharedTable struct {
	lines *xsync.MapOf[int64, *line]

	mu     sync.Mutex
	order  *accessHeap
	weight int64

	capacity int64
	tick     atomic.Uint64

	// onEvict is called for each victim without any lock held. It returns
	// false if the line could not be discarded (locked or migrated in the
	// meantime); the table then re-admits it.
	onEvict func(l *line) bool
}

func newSharedTable(capacity int64) *sharedTable {
	return &sharedTable{
		lines:    xsync.NewMapOf[int64, *line](),
		order:    newAccessHeap(),
		capacity: capacity,
	}
}

// get returns the line and bumps its access tick.
func (t *sharedTable) get(id int64) (*line, bool) {
	l, ok := t.lines.Load(id)
	if !ok {
		return nil, false
	}
	tick := t.tick.Add(1)
	t.mu.Lock()
	t.order.touch(id, tick)
	t.mu.Unlock()
	return l, true
}

// put inserts or re-weighs a line and evicts down to capacity. Returns
// the previous line stored under id (nil if none or unchanged).
func (t *sharedTable) put(id int64, l *line) (prev *line) {
	if old, ok := t.lines.Load(id); ok && old != l {
		prev = old
	}
	t.lines.Store(id, l)

	tick := t.tick.Add(1)
	weight := 1 + int64(l.size())

	t.mu.Lock()
	oldWeight, existed := t.order.add(id, tick, weight)
	if existed {
		t.weight += weight - oldWeight
	} else {
		t.weight += weight
	}
	victims := t.collectVictims()
	t.mu.Unlock()

	t.evictAll(victims)
	return prev
}

// remove drops a line without invoking eviction.
func (t *sharedTable) remove(id int64) {
	t.lines.Delete(id)
	t.mu.Lock()
	if w, ok := t.order.removeByKey(id); ok {
		t.weight -= w
	}
	t.mu.Unlock()
}

// size returns the current total weight.
func (t *sharedTable) size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.weight
}

// collectVictims must be called with mu held.
func (t *sharedTable) collectVictims() []*line {
	var victims []*line
	for t.weight > t.capacity && t.order.Len() > 0 {
		item := heap.Pop(t.order).(*lruItem)
		t.weight -= item.weight
		if l, ok := t.lines.Load(item.key); ok {
			t.lines.Delete(item.key)
			victims = append(victims, l)
		}
	}
	return victims
}

func (t *sharedTable) evictAll(victims []*line) {
	for _, l := range victims {
		if !t.onEvict(l) {
			t.readmit(l)
		}
	}
}

// readmit re-inserts a refused victim without evicting again; the
// temporary overflow is resolved by later puts.
func (t *sharedTable) readmit(l *line) {
	t.lines.Store(l.id, l)

	tick := t.tick.Add(1)
	weight := 1 + int64(l.size())

	t.mu.Lock()
	oldWeight, existed := t.order.add(l.id, tick, weight)
	if existed {
		t.weight += weight - oldWeight
	} else {
		t.weight += weight
	}
	t.mu.Unlock()
}
