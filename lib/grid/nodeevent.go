package grid

import (
	"sync"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// nodeEvent describes an in-progress membership change: lines referring
// to node must be retargeted to newOwner.
type nodeEvent struct {
	node     msg.NodeID
	newOwner msg.NodeID
}

// nodeEventSet is the process-wide set of membership changes currently
// being applied. While a sweep iterates all lines, normal dispatch may
// look up a line the sweep has not reached yet; it then applies the
// registered events to that line first.
type nodeEventSet struct {
	mu     sync.RWMutex
	events map[msg.NodeID]nodeEvent
}

func newNodeEventSet() *nodeEventSet {
	return &nodeEventSet{events: make(map[msg.NodeID]nodeEvent)}
}

func (s *nodeEventSet) add(e nodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.node] = e
}

func (s *nodeEventSet) remove(e nodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, e.node)
}

func (s *nodeEventSet) snapshot() []nodeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil
	}
	out := make([]nodeEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	return out
}
