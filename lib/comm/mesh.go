package comm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// Mesh connects any number of nodes within one process. Every message is
// round-tripped through a serializer on delivery, so receivers observe
// value copies exactly as they would off the wire.
type Mesh struct {
	mu       sync.RWMutex
	nodes    map[msg.NodeID]*meshNode
	toServer bool
	codec    msg.ISerializer
}

// MeshOption configures a Mesh.
type MeshOption func(*Mesh)

// WithServerRouting makes broadcasts go to the server node only instead of
// being multicast to all peers.
func WithServerRouting() MeshOption {
	return func(m *Mesh) { m.toServer = true }
}

// WithSerializer overrides the serializer used to copy delivered messages.
func WithSerializer(s msg.ISerializer) MeshOption {
	return func(m *Mesh) { m.codec = s }
}

// NewMesh creates an empty mesh.
func NewMesh(opts ...MeshOption) *Mesh {
	m := &Mesh{
		nodes: make(map[msg.NodeID]*meshNode),
		codec: msg.NewBinarySerializer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join adds a node to the mesh and returns its transport endpoint.
// The returned Comm is not live until SetReceiver has been called.
func (m *Mesh) Join(id msg.NodeID) Comm {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := &meshNode{mesh: m, id: id, in: newInbox(id)}
	m.nodes[id] = n
	return n
}

// Remove disconnects a node. Subsequent sends to it fail with
// ErrNodeNotFound. Used to simulate node failure.
func (m *Mesh) Remove(id msg.NodeID) {
	m.mu.Lock()
	n := m.nodes[id]
	delete(m.nodes, id)
	m.mu.Unlock()

	if n != nil {
		n.in.Close()
	}
}

// lookup returns the endpoint for id, or nil.
func (m *Mesh) lookup(id msg.NodeID) *meshNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[id]
}

// peersOf returns all endpoints except id.
func (m *Mesh) peersOf(id msg.NodeID) []*meshNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*meshNode, 0, len(m.nodes))
	for nid, n := range m.nodes {
		if nid != id {
			peers = append(peers, n)
		}
	}
	return peers
}

// --------------------------------------------------------------------------
// Node endpoint
// --------------------------------------------------------------------------

// meshNode is one node's endpoint into the mesh. It implements Comm.
type meshNode struct {
	mesh     *Mesh
	id       msg.NodeID
	receiver Receiver
	in       *inbox
	msgID    atomic.Uint64
}

func (n *meshNode) SetReceiver(r Receiver) {
	n.receiver = r

	// one delivery goroutine per node: per-sender FIFO is preserved
	// because each sender enqueues sequentially into the single inbox
	go n.in.serve(func(m *msg.Message) {
		m.Timestamp = time.Now().UnixNano()
		r.Receive(m)
	})
}

func (n *meshNode) SendToServerInsteadOfMulticast() bool {
	return n.mesh.toServer
}

func (n *meshNode) Send(m *msg.Message) error {
	m.Node = n.id
	m.ID = n.msgID.Add(1)

	if m.IsBroadcast() {
		if n.mesh.toServer {
			return n.deliver(msg.Server, m)
		}
		for _, peer := range n.mesh.peersOf(n.id) {
			n.push(peer, m)
		}
		return nil
	}
	return n.deliver(m.To, m)
}

func (n *meshNode) deliver(to msg.NodeID, m *msg.Message) error {
	peer := n.mesh.lookup(to)
	if peer == nil {
		return ErrNodeNotFound
	}
	n.push(peer, m)
	return nil
}

// push hands a wire copy of m to the peer's inbox.
func (n *meshNode) push(peer *meshNode, m *msg.Message) {
	b, err := n.mesh.codec.Serialize(m)
	if err != nil {
		panic(fmt.Sprintf("comm: cannot serialize %s: %v", m, err))
	}
	cp := &msg.Message{}
	if err := n.mesh.codec.Deserialize(b, cp); err != nil {
		panic(fmt.Sprintf("comm: cannot deserialize %s: %v", m, err))
	}
	peer.in.Push(cp)
}
