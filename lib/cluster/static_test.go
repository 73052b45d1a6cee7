package cluster

import (
	"testing"

	"github.com/ValentinKolb/dGC/lib/msg"
)

type eventRecorder struct {
	added, removed, switched []msg.NodeID
}

func (r *eventRecorder) NodeAdded(n msg.NodeID)    { r.added = append(r.added, n) }
func (r *eventRecorder) NodeRemoved(n msg.NodeID)  { r.removed = append(r.removed, n) }
func (r *eventRecorder) NodeSwitched(n msg.NodeID) { r.switched = append(r.switched, n) }

func TestStaticMembership(t *testing.T) {
	c := NewStatic(1, []msg.NodeID{1, 2, 3}, true, true)

	if c.MyNodeID() != 1 {
		t.Errorf("MyNodeID = %d", c.MyNodeID())
	}
	if !c.IsMaster() {
		t.Error("expected master role")
	}
	if !c.HasServer() {
		t.Error("expected a server")
	}
	if _, ok := c.GetMaster(msg.Server); !ok {
		t.Error("server should be a member")
	}
	if m, ok := c.GetMaster(2); !ok || m != 2 {
		t.Errorf("GetMaster(2) = (%d, %t)", m, ok)
	}
	if _, ok := c.GetMaster(9); ok {
		t.Error("unknown node should not resolve")
	}
}

func TestStaticEvents(t *testing.T) {
	c := NewStatic(1, []msg.NodeID{1, 2}, false, true)
	rec := &eventRecorder{}
	c.AddNodeChangeListener(rec)

	c.AddNode(3)
	if len(rec.added) != 1 || rec.added[0] != 3 {
		t.Errorf("added = %v", rec.added)
	}
	if _, ok := c.GetMaster(3); !ok {
		t.Error("added node should be a member")
	}

	c.RemoveNode(2)
	if len(rec.removed) != 1 || rec.removed[0] != 2 {
		t.Errorf("removed = %v", rec.removed)
	}
	if _, ok := c.GetMaster(2); ok {
		t.Error("removed node should be gone")
	}

	c.SwitchNode(3)
	if len(rec.switched) != 1 || rec.switched[0] != 3 {
		t.Errorf("switched = %v", rec.switched)
	}
	if _, ok := c.GetMaster(3); !ok {
		t.Error("switched node keeps its id")
	}
}

func TestStaticRoleFlip(t *testing.T) {
	c := NewStatic(1, nil, false, false)
	if c.IsMaster() {
		t.Error("expected slave role")
	}
	c.SetMaster(true)
	if !c.IsMaster() {
		t.Error("expected master role after flip")
	}
}
