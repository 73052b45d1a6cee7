package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// collector implements Receiver and records everything it gets.
type collector struct {
	mu   sync.Mutex
	msgs []*msg.Message
}

func (c *collector) Receive(m *msg.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) wait(t *testing.T, n int) []*msg.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*msg.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestMeshSenderFIFO(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1)
	b := mesh.Join(2)

	rcv := &collector{}
	b.SetReceiver(rcv)
	a.SetReceiver(&collector{})

	const count = 1000
	for i := 0; i < count; i++ {
		if err := a.Send(msg.NewGet(2, int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	got := rcv.wait(t, count)
	var lastID uint64
	for i, m := range got {
		if m.Line != int64(i) {
			t.Fatalf("message %d out of order: line %x", i, m.Line)
		}
		if m.ID <= lastID {
			t.Fatalf("message id not monotonic: %d after %d", m.ID, lastID)
		}
		if m.Node != 1 {
			t.Fatalf("sender not stamped: %d", m.Node)
		}
		lastID = m.ID
	}
}

func TestMeshBroadcast(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1)
	b := mesh.Join(2)
	c := mesh.Join(3)

	rcvB, rcvC := &collector{}, &collector{}
	a.SetReceiver(&collector{})
	b.SetReceiver(rcvB)
	c.SetReceiver(rcvC)

	if err := a.Send(msg.NewGet(msg.NoNode, 7)); err != nil {
		t.Fatal(err)
	}

	if m := rcvB.wait(t, 1)[0]; !m.IsBroadcast() {
		t.Error("delivered message should still read as broadcast")
	}
	rcvC.wait(t, 1)
}

func TestMeshServerRouting(t *testing.T) {
	mesh := NewMesh(WithServerRouting())
	server := mesh.Join(msg.Server)
	a := mesh.Join(1)
	b := mesh.Join(2)

	rcvServer, rcvB := &collector{}, &collector{}
	server.SetReceiver(rcvServer)
	a.SetReceiver(&collector{})
	b.SetReceiver(rcvB)

	if err := a.Send(msg.NewGetX(msg.NoNode, 9)); err != nil {
		t.Fatal(err)
	}

	rcvServer.wait(t, 1)
	time.Sleep(10 * time.Millisecond)
	rcvB.mu.Lock()
	defer rcvB.mu.Unlock()
	if len(rcvB.msgs) != 0 {
		t.Errorf("peer should not see broadcast when routing to server, got %v", rcvB.msgs)
	}
}

func TestMeshNodeNotFound(t *testing.T) {
	mesh := NewMesh()
	a := mesh.Join(1)
	a.SetReceiver(&collector{})
	mesh.Join(2).SetReceiver(&collector{})
	mesh.Remove(2)

	if err := a.Send(msg.NewInv(2, 1, msg.NoNode)); err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}
