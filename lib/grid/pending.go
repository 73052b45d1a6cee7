package grid

import (
	"github.com/ValentinKolb/dGC/lib/msg"
)

/*
 * Per-line deferred work. The index maps are concurrent so unrelated
 * lines never contend, but the slice stored for a given line is only
 * read or replaced while that line's mutex is held - the line lock
 * protects its queues like every other line field.
 */

// addPendingOp parks an op on its line. The op gets a future so the
// caller can block on it; an op that already has one is already parked.
func (c *Cache) addPendingOp(l *line, op *Op) {
	if l == nil || op.hasFuture() {
		return
	}
	op.createFuture()

	ops, _ := c.pendingOps.Load(l.id)
	c.pendingOps.Store(l.id, append(ops, op))
}

// getPendingOps returns (but does not clear) the line's op queue.
func (c *Cache) getPendingOps(l *line) []*Op {
	ops, _ := c.pendingOps.Load(l.id)
	return ops
}

func (c *Cache) removePendingOp(l *line, op *Op) {
	ops, _ := c.pendingOps.Load(l.id)
	for i, o := range ops {
		if o == op {
			ops = append(ops[:i:i], ops[i+1:]...)
			break
		}
	}
	if len(ops) == 0 {
		c.pendingOps.Delete(l.id)
	} else {
		c.pendingOps.Store(l.id, ops)
	}
}

// setPendingOps replaces the line's op queue after a drain pass.
func (c *Cache) setPendingOps(l *line, ops []*Op) {
	if len(ops) == 0 {
		c.pendingOps.Delete(l.id)
	} else {
		c.pendingOps.Store(l.id, ops)
	}
}

// addPendingMessage parks a message on its line. The queue is an
// insertion-ordered set: a message equal to one already queued is
// dropped, so a retransmitted request is only ever held once.
func (c *Cache) addPendingMessage(l *line, m *msg.Message) {
	msgs, _ := c.pendingMsgs.Load(l.id)
	for _, queued := range msgs {
		if queued.MsgType == m.MsgType && queued.Node == m.Node {
			return
		}
	}
	c.pendingMsgs.Store(l.id, append(msgs, m))
}

func (c *Cache) hasPendingMessages(l *line) bool {
	msgs, _ := c.pendingMsgs.Load(l.id)
	return len(msgs) > 0
}

// getAndClearPendingMessages returns and clears the line's message queue.
func (c *Cache) getAndClearPendingMessages(l *line) []*msg.Message {
	msgs, _ := c.pendingMsgs.Load(l.id)
	c.pendingMsgs.Delete(l.id)
	return msgs
}

// getPendingMessages returns (but does not clear) the line's message queue.
func (c *Cache) getPendingMessages(l *line) []*msg.Message {
	msgs, _ := c.pendingMsgs.Load(l.id)
	return msgs
}

// setPendingMessages replaces the line's message queue (node-event sweep).
func (c *Cache) setPendingMessages(l *line, msgs []*msg.Message) {
	if len(msgs) == 0 {
		c.pendingMsgs.Delete(l.id)
	} else {
		c.pendingMsgs.Store(l.id, msgs)
	}
}
