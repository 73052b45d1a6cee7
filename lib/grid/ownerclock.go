package grid

import (
	"sync/atomic"

	"github.com/ValentinKolb/dGC/lib/msg"
)

/*
 * The dirty-read mechanism enables reading invalidated data (I lines) as
 * long as this cannot produce an inconsistent view.
 *
 * Per owner we track the highest message id of any PUT/PUTX/MSG received
 * (lastPut) and count INVs received since. A line's ownerClock is the id
 * of the message that last established its content. Once an invalidated
 * line from some owner has been PUT again, no stale line from that owner
 * may be served until it too has been refreshed - which is exactly the
 * lines whose ownerClock is <= lastPut.
 *
 * lastPut is forced negative during a node-switch window to disable all
 * dirty reads from that owner until the sweep completes.
 */

type ownerClock struct {
	lastPut    atomic.Int64
	invCounter atomic.Int32
}

// getOwnerClock returns (creating if needed) the clock for owner.
func (c *Cache) getOwnerClock(owner msg.NodeID) *ownerClock {
	oc, _ := c.ownerClocks.LoadOrStore(owner, &ownerClock{})
	return oc
}

// setOwnerClock stamps the line from the message that established it and
// advances the sender's clock according to the message kind.
func (c *Cache) setOwnerClock(l *line, m *msg.Message) {
	l.ownerClock = int64(m.ID)

	oc := c.getOwnerClock(m.Node)
	switch m.MsgType {
	case msg.MsgTInv:
		oc.invCounter.Add(1)
	case msg.MsgTPut, msg.MsgTPutX, msg.MsgTMsg:
		c.setOwnerClockPut(oc, int64(m.ID))
	}
}

// setOwnerClockOnPut advances the sender's clock for a node-level PUT-like
// message that does not touch a line.
func (c *Cache) setOwnerClockOnPut(m *msg.Message) {
	c.setOwnerClockPut(c.getOwnerClock(m.Node), int64(m.ID))
}

func (c *Cache) setOwnerClockPut(oc *ownerClock, clock int64) {
	for {
		current := oc.lastPut.Load()
		if current < 0 || clock <= current { // lastPut < 0 is the node-switch window
			return
		}
		if oc.lastPut.CompareAndSwap(current, clock) {
			c.monitor.AddStalePurge(int(oc.invCounter.Swap(0)))
			return
		}
	}
}

// resetOwnerClock forces the owner's lastPut to value (negative disables
// dirty reads entirely).
func (c *Cache) resetOwnerClock(owner msg.NodeID, value int64) {
	if oc, ok := c.ownerClocks.Load(owner); ok {
		oc.lastPut.Store(value)
		count := int(oc.invCounter.Swap(0))
		c.monitor.AddStalePurge(count)
		log.Debugf("resetting owner clock for %d, purging %d lines", owner, count)
	}
}

// isPossibleInconsistencies reports whether serving the line's stale
// content could produce an inconsistent view. Must be called with the
// line's mutex held.
func (c *Cache) isPossibleInconsistencies(l *line) bool {
	owner := l.owner
	if owner == msg.NoNode {
		return false
	}
	oc, ok := c.ownerClocks.Load(owner)
	if !ok {
		return false
	}
	lastPut := oc.lastPut.Load()
	return lastPut < 0 || l.ownerClock <= lastPut
}
