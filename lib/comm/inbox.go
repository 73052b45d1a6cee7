package comm

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dGC/lib/msg"
	"github.com/VictoriaMetrics/metrics"
)

// inbox is the delivery queue of one node. Producers append under a
// short mutex; the delivery goroutine swaps the whole queue out and
// works through the batch, so a burst of senders never contends with an
// in-flight delivery. Pushes from one sender are sequential calls and
// keep their relative order, which is what gives the mesh its
// per-sender FIFO guarantee.
//
// Enqueue and delivery totals are published per node so a stalled
// receiver shows up as a growing gap between the two counters.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*msg.Message
	closed bool

	enqueued  *metrics.Counter
	delivered *metrics.Counter
}

func newInbox(node msg.NodeID) *inbox {
	q := &inbox{
		enqueued:  metrics.GetOrCreateCounter(fmt.Sprintf(`dgc_comm_enqueued_total{node="%d"}`, node)),
		delivered: metrics.GetOrCreateCounter(fmt.Sprintf(`dgc_comm_delivered_total{node="%d"}`, node)),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push queues a message for delivery. Returns false once the inbox is
// closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *inbox) Push(m *msg.Message) bool {
	if m == nil {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, m)
	q.mu.Unlock()

	q.enqueued.Inc()
	q.cond.Signal()
	return true
}

// serve delivers queued messages to fn until the inbox is closed and
// drained. It is run by the node's single delivery goroutine.
func (q *inbox) serve(fn func(*msg.Message)) {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		batch := q.queue
		q.queue = nil
		closed := q.closed
		q.mu.Unlock()

		for _, m := range batch {
			fn(m)
			q.delivered.Inc()
		}

		if closed && len(batch) == 0 {
			return
		}
	}
}

// Close stops the inbox, preventing further writes.
// Messages already queued are still delivered.
func (q *inbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}
