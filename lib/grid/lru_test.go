package grid

import (
	"fmt"
	"testing"
)

func TestAccessHeapOrdering(t *testing.T) {
	h := newAccessHeap()

	h.add(1, 10, 2)
	h.add(2, 5, 3)
	h.add(3, 20, 1)

	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}

	// minimum tick first
	if h.items[0].key != 2 {
		t.Errorf("heap min = %d, want 2", h.items[0].key)
	}

	// touching re-orders
	h.touch(2, 30)
	if h.items[0].key != 1 {
		t.Errorf("heap min after touch = %d, want 1", h.items[0].key)
	}

	// update keeps the old weight visible to the caller
	if old, existed := h.add(3, 40, 7); !existed || old != 1 {
		t.Errorf("add(existing) = (%d, %t), want (1, true)", old, existed)
	}

	if w, ok := h.removeByKey(3); !ok || w != 7 {
		t.Errorf("removeByKey = (%d, %t), want (7, true)", w, ok)
	}
	if _, ok := h.removeByKey(3); ok {
		t.Error("removing twice must fail")
	}
}

func TestSharedTableEvictsByWeight(t *testing.T) {
	var evicted []int64
	tbl := newSharedTable(30)
	tbl.onEvict = func(l *line) bool {
		evicted = append(evicted, l.id)
		return true
	}

	// weight of each line is 1 + payload size = 11
	for i := int64(1); i <= 5; i++ {
		l := &line{id: i, state: StateI, nextState: stateNone, data: make([]byte, 10)}
		tbl.put(i, l)
	}

	if got := tbl.size(); got > 30 {
		t.Errorf("weight %d exceeds capacity", got)
	}
	if len(evicted) == 0 {
		t.Fatal("expected evictions")
	}
	// oldest entries go first
	if evicted[0] != 1 {
		t.Errorf("first victim = %d, want 1", evicted[0])
	}
}

func TestSharedTableReadmitsRefusedVictims(t *testing.T) {
	refuse := true
	tbl := newSharedTable(12)
	tbl.onEvict = func(l *line) bool { return !refuse }

	for i := int64(1); i <= 3; i++ {
		l := &line{id: i, state: StateI, nextState: stateNone, data: make([]byte, 10)}
		tbl.put(i, l)
	}

	// victims were refused, so everything is still resident
	for i := int64(1); i <= 3; i++ {
		if _, ok := tbl.get(i); !ok {
			t.Errorf("line %d should have been re-admitted", i)
		}
	}
}

// Evicting a shared (S) replica INVACKs the owner, which drops the
// evicting node from its sharer set and reclaims exclusivity.
func TestEvictionSendsInvAck(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxCapacity = 40 // room for five shared lines of weight 8 (1 + 7-byte payload)

	g := newTestGridWith(t, gridOptions{cfg: cfg}, 1, 2)
	a, b := g.cache(1), g.cache(2)

	rec := &recordingListener{}
	b.AddListener(rec)

	const count = 8
	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		id, err := a.Put([]byte(fmt.Sprintf("line-%02d", i)), nil)
		if err != nil {
			t.Fatal(err)
		}
		a.Release(id)
		ids = append(ids, id)
	}

	for _, id := range ids {
		if _, err := b.Get(id); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, "shared table to shrink", func() bool {
		return b.shared.size() <= cfg.MaxCapacity
	})
	eventually(t, "eviction callbacks", func() bool { return rec.count("evicted") > 0 })

	// the owner of the first (oldest, evicted) line gets its exclusivity
	// back via the INVACK
	requireState(t, a, ids[0], StateE)
}
