// Package msg defines the wire message model of the grid cache coherence
// protocol and the serializers used to put messages on the wire.
//
// A single Message struct is used for all message kinds; which fields are
// meaningful depends on the kind. Factory functions construct well-formed
// messages for each kind, including the reply kinds that must reference
// the request they answer.
//
// The package also defines NodeID, the cluster-wide node identifier
// carried by every message. Two ids are reserved: Server designates the
// optional directory node and NoNode means "unknown" (or, as a send
// target, "broadcast").
package msg
