package backup

import (
	"sync"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// noop is the channel used by nodes that run without a slave. There is
// nothing to replicate to, so every backed-up line is acknowledged right
// away and every line is always safe to transfer.
//
// Acknowledgments are delivered from a worker goroutine: the engine
// calls Backup with line locks held, and the BACKUPACK takes those same
// locks on its way in.
type noop struct {
	mu      sync.Mutex
	batch   []entry
	pending []entry

	sink AckSink
	wake chan struct{}
}

// NewNoop returns a Backup for a node without a slave.
func NewNoop() Backup {
	b := &noop{wake: make(chan struct{}, 1)}
	go b.run()
	return b
}

func (b *noop) SetSource(Source) {}

func (b *noop) SetAckSink(sink AckSink) { b.sink = sink }

func (b *noop) StartBackup() {}

func (b *noop) Backup(id int64, version uint64) {
	b.mu.Lock()
	b.batch = append(b.batch, entry{id: id, version: version})
	b.mu.Unlock()
}

func (b *noop) EndBackup() {
	b.Flush()
}

func (b *noop) Flush() {
	b.mu.Lock()
	b.pending = append(b.pending, b.batch...)
	b.batch = nil
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *noop) Inv(int64, msg.NodeID) bool { return true }

func (b *noop) run() {
	for range b.wake {
		b.mu.Lock()
		work := b.pending
		b.pending = nil
		b.mu.Unlock()

		if b.sink == nil {
			continue
		}
		for _, e := range work {
			b.sink.Receive(msg.NewBackupAck(msg.NoNode, e.id, e.version))
		}
	}
}
