package comm

import (
	"errors"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// ErrNodeNotFound is returned by Send when the target node has left the
// cluster. The caller is expected to synthesize an auto-response.
var ErrNodeNotFound = errors.New("comm: target node not found")

// Receiver consumes inbound messages delivered by the transport.
type Receiver interface {
	Receive(m *msg.Message)
}

// Comm is the transport used by the coherence engine.
type Comm interface {
	// Send transmits m to m.To (all peers if m.To is msg.NoNode). The
	// sender id and a per-sender monotonic message id are stamped onto m
	// before transmission. Returns ErrNodeNotFound if the target is gone.
	Send(m *msg.Message) error

	// SetReceiver registers the sink for inbound messages. Must be called
	// once before the node is attached to the mesh/wire.
	SetReceiver(r Receiver)

	// SendToServerInsteadOfMulticast reports whether broadcasts are routed
	// to the server node rather than multicast to all peers.
	SendToServerInsteadOfMulticast() bool
}
