package backup

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// fakeSource serves fixed line contents.
type fakeSource struct {
	mu    sync.Mutex
	lines map[int64][]byte
	vers  map[int64]uint64
}

func (s *fakeSource) BackupData(id int64) ([]byte, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.lines[id]
	return data, s.vers[id], ok
}

// ackCollector records the acknowledgments fed back to the engine.
type ackCollector struct {
	mu   sync.Mutex
	acks []*msg.Message
}

func (c *ackCollector) Receive(m *msg.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, m)
}

func (c *ackCollector) wait(t *testing.T, kind msg.Type) *msg.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, m := range c.acks {
			if m.MsgType == kind {
				c.mu.Unlock()
				return m
			}
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s arrived", kind)
	return nil
}

func TestReplicatorFlushAndAck(t *testing.T) {
	slave := NewMemory()
	r := NewReplicator(1, slave)

	src := &fakeSource{
		lines: map[int64][]byte{7: []byte("payload")},
		vers:  map[int64]uint64{7: 3},
	}
	acks := &ackCollector{}
	r.SetSource(src)
	r.SetAckSink(acks)

	r.StartBackup()
	r.Backup(7, 3)
	r.EndBackup()

	ack := acks.wait(t, msg.MsgTBackupAck)
	if ack.Line != 7 || ack.Version != 3 {
		t.Errorf("ack = %s, want line 7 version 3", ack)
	}

	data, version, ok := slave.Get(7)
	if !ok || version != 3 || !bytes.Equal(data, []byte("payload")) {
		t.Errorf("slave view = (%v, %d, %t)", data, version, ok)
	}
}

func TestReplicatorInv(t *testing.T) {
	slave := NewMemory()
	r := NewReplicator(1, slave)

	src := &fakeSource{
		lines: map[int64][]byte{9: []byte("x")},
		vers:  map[int64]uint64{9: 1},
	}
	acks := &ackCollector{}
	r.SetSource(src)
	r.SetAckSink(acks)

	// a line the slave never saw is immediately safe
	if !r.Inv(9, 2) {
		t.Error("Inv of an unreplicated line must return true")
	}

	r.StartBackup()
	r.Backup(9, 1)
	r.EndBackup()
	acks.wait(t, msg.MsgTBackupAck)

	// now the slave holds it: Inv must invalidate and signal via INVACK
	if r.Inv(9, 2) {
		t.Error("Inv of a replicated line must return false")
	}
	ack := acks.wait(t, msg.MsgTInvAck)
	if ack.Node != 1 {
		t.Errorf("INVACK must be self-addressed, got node %d", ack.Node)
	}
	if _, _, ok := slave.Get(9); ok {
		t.Error("slave copy should be gone")
	}
}

func TestNoopAcksImmediately(t *testing.T) {
	b := NewNoop()
	acks := &ackCollector{}
	b.SetAckSink(acks)

	b.StartBackup()
	b.Backup(4, 2)
	b.EndBackup()

	ack := acks.wait(t, msg.MsgTBackupAck)
	if ack.Line != 4 || ack.Version != 2 {
		t.Errorf("ack = %s, want line 4 version 2", ack)
	}
	if !b.Inv(4, 3) {
		t.Error("noop backup must always report lines as safe")
	}
}
