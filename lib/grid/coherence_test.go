package grid

import (
	"bytes"
	"sync"
	"testing"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// Two-node share: the owner serves a GET and becomes O; the reader
// becomes S with the owner's data and version.
func TestTwoNodeShare(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	data := []byte{0x42}
	id, err := a.Put(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	got, err := b.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("b read %v, want %v", got, data)
	}

	requireState(t, b, id, StateS)
	requireState(t, a, id, StateO)

	la := lineOf(a, id)
	la.mu.Lock()
	hasSharer := la.sharers.contains(2)
	la.mu.Unlock()
	if !hasSharer {
		t.Error("owner should list the reader as a sharer")
	}

	lb := lineOf(b, id)
	lb.mu.Lock()
	version := lb.version
	lb.mu.Unlock()
	if version != 1 {
		t.Errorf("reader version %d, want 1", version)
	}
}

// Invalidation on write: the reader acquires exclusive ownership; the
// previous owner ends invalid with no sharers of its own to INV.
func TestInvalidationOnWrite(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	id, err := a.Put([]byte{0x42}, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if _, err := b.Get(id); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetX(id, nil)
	if err != nil {
		t.Fatal(err)
	}
	b.Release(id)
	if !bytes.Equal(got, []byte{0x42}) {
		t.Errorf("GetX read %v, want 0x42", got)
	}

	requireState(t, b, id, StateE)
	requireState(t, a, id, StateI)
}

// Three-node share -> exclusive: ownership transfer carries the sharer
// set; the new owner INVs the remaining sharer and reaches E when the
// INVACK lands.
func TestThreeNodeShareThenExclusive(t *testing.T) {
	g := newTestGrid(t, 1, 2, 3)
	a, b, c := g.cache(1), g.cache(2), g.cache(3)

	id, err := a.Put([]byte("shared"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if _, err := b.Get(id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(id); err != nil {
		t.Fatal(err)
	}
	requireState(t, a, id, StateO)

	if _, err := c.GetX(id, nil); err != nil {
		t.Fatal(err)
	}
	c.Release(id)

	requireState(t, a, id, StateI)
	requireState(t, b, id, StateI)
	requireState(t, c, id, StateE)
}

// After ownership moves to a new node through GetX, a later read from a
// former sharer is served by the new owner.
func TestOpsDrainAfterTransition(t *testing.T) {
	g := newTestGrid(t, 1, 2, 3)
	a, b, c := g.cache(1), g.cache(2), g.cache(3)

	id, err := a.Put([]byte("contended"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)
	if _, err := b.Get(id); err != nil {
		t.Fatal(err)
	}

	if _, err := c.GetX(id, nil); err != nil {
		t.Fatal(err)
	}
	c.Release(id)
	requireState(t, c, id, StateE)

	// a GET reaching c after it took ownership is served normally
	got, err := b.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "contended" {
		t.Errorf("b read %q", got)
	}
}

// A node that has lost ownership of a line does not serve reads of it;
// the new owner does.
func TestStaleOwnerRedirect(t *testing.T) {
	g := newTestGrid(t, 1, 2, 3)
	a, b, c := g.cache(1), g.cache(2), g.cache(3)

	id, err := a.Put([]byte("moving"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	// b takes ownership away from a
	if _, err := b.GetX(id, nil); err != nil {
		t.Fatal(err)
	}
	b.Release(id)
	requireState(t, a, id, StateI)

	// c reads; a, now in I, only acknowledges the broadcast and b serves it
	got, err := c.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "moving" {
		t.Errorf("c read %q", got)
	}
	requireState(t, c, id, StateS)
}

// Push replicates an owned line to chosen nodes without them asking.
func TestPush(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	id, err := a.Put([]byte("pushed"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if err := a.Push(id, []msg.NodeID{2}); err != nil {
		t.Fatal(err)
	}

	requireState(t, a, id, StateO)
	requireState(t, b, id, StateS)

	got, err := b.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pushed" {
		t.Errorf("b read %q", got)
	}
}

// PushX transfers exclusive ownership without the target asking.
func TestPushX(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	id, err := a.Put([]byte("transferred"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if err := a.PushX(id, 2); err != nil {
		t.Fatal(err)
	}

	requireState(t, a, id, StateI)
	requireState(t, b, id, StateE)

	got, err := b.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "transferred" {
		t.Errorf("b read %q", got)
	}
}

// appReceiver collects application messages delivered to the owner.
type appReceiver struct {
	mu   sync.Mutex
	data [][]byte
}

func (r *appReceiver) Receive(m *msg.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, m.Data)
}

func (r *appReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// Send routes an application message to the line's owner; completion is
// tied to the MSGACK.
func TestSendToOwner(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	rcv := &appReceiver{}
	a.SetReceiver(rcv)
	b.SetReceiver(&appReceiver{})

	id, err := a.Put([]byte("inbox"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if err := b.Send(id, []byte("hello owner")); err != nil {
		t.Fatal(err)
	}

	eventually(t, "message delivery", func() bool { return rcv.count() == 1 })
}

// A message sent by the owner itself is redelivered locally.
func TestSendLocal(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a := g.cache(1)

	rcv := &appReceiver{}
	a.SetReceiver(rcv)

	id, err := a.Put([]byte("self"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	if err := a.Send(id, []byte("to myself")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "local delivery", func() bool { return rcv.count() == 1 })
}

// Node failure: on each survivor, shared lines owned by the dead node
// reset to I and owned lines drop it from their sharer sets (reaching E
// when none remain).
func TestNodeRemoved(t *testing.T) {
	g := newTestGrid(t, 1, 2, 3)
	a, b, c := g.cache(1), g.cache(2), g.cache(3)

	// b owns a line that a and c share
	id, err := b.Put([]byte("doomed"), nil)
	if err != nil {
		t.Fatal(err)
	}
	b.Release(id)
	if _, err := a.Get(id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(id); err != nil {
		t.Fatal(err)
	}

	// a owns a line shared by b
	id2, err := a.Put([]byte("survivor"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id2)
	if _, err := b.Get(id2); err != nil {
		t.Fatal(err)
	}
	requireState(t, a, id2, StateO)

	g.kill(2)

	// shared lines owned by the dead node reset to I with no owner
	requireState(t, a, id, StateI)
	requireState(t, c, id, StateI)
	la := lineOf(a, id)
	la.mu.Lock()
	owner := la.owner
	la.mu.Unlock()
	if owner != msg.NoNode {
		t.Errorf("owner after removal: %d, want none", owner)
	}

	// the dead node is dropped from sharer sets; sole-sharer lines reach E
	requireState(t, a, id2, StateE)
}
