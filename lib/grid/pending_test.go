package grid

import (
	"testing"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// The pending-message queue is a set: a retransmitted request (same
// kind, same sender, fresh message id) must only be held once.
func TestPendingMessageDedup(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a := g.cache(1)

	l := a.createNewLine(0x6100000001)
	l.mu.Lock()
	defer l.mu.Unlock()

	get := msg.NewGet(1, l.id)
	get.Node = 2
	get.ID = 5

	resent := msg.NewGet(1, l.id)
	resent.Node = 2
	resent.ID = 9

	a.addPendingMessage(l, get)
	a.addPendingMessage(l, resent)
	a.addPendingMessage(l, get)
	if got := len(a.getPendingMessages(l)); got != 1 {
		t.Fatalf("queue holds %d messages, want 1", got)
	}

	// a different kind from the same sender is distinct work
	inv := msg.NewInv(1, l.id, 3)
	inv.Node = 2
	a.addPendingMessage(l, inv)
	if got := len(a.getPendingMessages(l)); got != 2 {
		t.Fatalf("queue holds %d messages, want 2", got)
	}

	// a GET from another sharer is distinct work too
	other := msg.NewGet(1, l.id)
	other.Node = 3
	a.addPendingMessage(l, other)
	if got := len(a.getPendingMessages(l)); got != 3 {
		t.Fatalf("queue holds %d messages, want 3", got)
	}
}
