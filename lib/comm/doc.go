// Package comm defines the transport interface of the grid cache and an
// in-process mesh implementation of it.
//
// The transport contract the coherence engine relies on:
//
//   - Send either hands the message to the wire or returns ErrNodeNotFound
//     synchronously when the target node has left the cluster (the engine
//     then synthesizes an auto-response).
//   - Messages from a single sender are delivered to the receiver in send
//     order. The dirty-read machinery additionally requires the message
//     ids stamped on send to be monotonically increasing per sender.
//   - Inbound messages are delivered by calling Receive on the registered
//     Receiver from dedicated transport goroutines. The engine never runs
//     a blocking operation on those goroutines.
//
// The Mesh transport connects any number of nodes within one process and
// is what the test harness and single-process deployments use. Each node
// has a batching inbox drained by one goroutine, which preserves the
// per-sender FIFO order because a sender enqueues sequentially.
package comm
