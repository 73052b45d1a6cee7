package cluster

import (
	"sync"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// Static is an in-memory Cluster implementation. The member list is given
// at construction time; failures and master switches are injected through
// RemoveNode / SwitchNode (typically by a failure detector, or by tests).
type Static struct {
	myID      msg.NodeID
	hasServer bool

	mu        sync.RWMutex
	members   map[msg.NodeID]msg.NodeID // node id -> master serving it
	master    bool
	listeners []NodeChangeListener
}

// NewStatic creates the membership view for the local node myID. members
// lists all current cluster members (the local node is added implicitly);
// hasServer declares whether msg.Server designates a live directory node.
func NewStatic(myID msg.NodeID, members []msg.NodeID, hasServer, isMaster bool) *Static {
	c := &Static{
		myID:      myID,
		hasServer: hasServer,
		master:    isMaster,
		members:   make(map[msg.NodeID]msg.NodeID, len(members)+1),
	}
	c.members[myID] = myID
	for _, m := range members {
		c.members[m] = m
	}
	if hasServer {
		c.members[msg.Server] = msg.Server
	}
	return c
}

func (c *Static) MyNodeID() msg.NodeID { return c.myID }

func (c *Static) IsMaster() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.master
}

func (c *Static) HasServer() bool { return c.hasServer }

func (c *Static) GetMaster(node msg.NodeID) (msg.NodeID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	master, ok := c.members[node]
	return master, ok
}

func (c *Static) AddNodeChangeListener(l NodeChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// SetMaster flips the local node's role. A slave becoming master is what
// happens after a master switch in its favor.
func (c *Static) SetMaster(isMaster bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.master = isMaster
}

// AddNode adds a member and notifies listeners.
func (c *Static) AddNode(node msg.NodeID) {
	c.mu.Lock()
	c.members[node] = node
	ls := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range ls {
		l.NodeAdded(node)
	}
}

// RemoveNode drops a member entirely (no slave takes over) and notifies
// listeners.
func (c *Static) RemoveNode(node msg.NodeID) {
	c.mu.Lock()
	delete(c.members, node)
	ls := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range ls {
		l.NodeRemoved(node)
	}
}

// SwitchNode records that node's slave took over its id and notifies
// listeners.
func (c *Static) SwitchNode(node msg.NodeID) {
	c.mu.Lock()
	c.members[node] = node
	ls := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range ls {
		l.NodeSwitched(node)
	}
}

// snapshotListeners must be called with mu held.
func (c *Static) snapshotListeners() []NodeChangeListener {
	return append([]NodeChangeListener(nil), c.listeners...)
}
