package backup

import (
	"sync"

	"github.com/ValentinKolb/dGC/lib/msg"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("backup")

type entry struct {
	id      int64
	version uint64
}

// Replicator is the master-side replication channel to a single slave.
//
// Backup requests are batched; Flush (and every EndBackup) wakes a worker
// goroutine that reads the current line contents from the Source, applies
// them to the Slave and feeds the resulting acknowledgments back into the
// ack sink. The worker keeps the channel asynchronous: callers may hold
// line locks, and the acknowledgments must go through the regular message
// path to take those same locks.
type Replicator struct {
	self  msg.NodeID
	slave Slave

	mu         sync.Mutex
	batch      []entry
	inBatch    bool
	closed     []entry
	replicated map[int64]struct{}

	src  Source
	sink AckSink

	wake chan struct{}
}

// NewReplicator creates the channel from the master with node id self to
// the given slave and starts its flush worker.
func NewReplicator(self msg.NodeID, slave Slave) *Replicator {
	r := &Replicator{
		self:       self,
		slave:      slave,
		replicated: make(map[int64]struct{}),
		wake:       make(chan struct{}, 1),
	}
	go r.run()
	return r
}

func (r *Replicator) SetSource(src Source)   { r.src = src }
func (r *Replicator) SetAckSink(sink AckSink) { r.sink = sink }

func (r *Replicator) StartBackup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inBatch {
		panic("backup: nested batch")
	}
	r.inBatch = true
}

func (r *Replicator) Backup(id int64, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inBatch {
		panic("backup: Backup outside batch")
	}
	r.batch = append(r.batch, entry{id: id, version: version})
}

func (r *Replicator) EndBackup() {
	r.mu.Lock()
	r.closed = append(r.closed, r.batch...)
	r.batch = nil
	r.inBatch = false
	r.mu.Unlock()

	r.Flush()
}

func (r *Replicator) Flush() {
	select {
	case r.wake <- struct{}{}:
	default: // worker already signalled
	}
}

func (r *Replicator) Inv(id int64, sharer msg.NodeID) bool {
	r.mu.Lock()
	_, held := r.replicated[id]
	if held {
		delete(r.replicated, id)
	}
	r.mu.Unlock()

	if !held {
		return true // slave never saw the line
	}

	// The invalidation completes asynchronously; the self-addressed
	// INVACK tells the engine when the slave is clean.
	go func() {
		r.slave.ApplyInv(id, sharer)
		ack := msg.NewInvAckTo(r.self, id)
		ack.Node = r.self
		r.sink.Receive(ack)
	}()
	return false
}

// run is the flush worker.
func (r *Replicator) run() {
	for range r.wake {
		r.mu.Lock()
		work := r.closed
		r.closed = nil
		r.mu.Unlock()

		for _, e := range work {
			data, version, ok := r.src.BackupData(e.id)
			if !ok {
				log.Debugf("line %x gone before backup, skipping", e.id)
				continue
			}
			r.slave.ApplyBackup(e.id, version, data)

			r.mu.Lock()
			r.replicated[e.id] = struct{}{}
			r.mu.Unlock()

			ack := msg.NewBackupAck(r.self, e.id, version)
			ack.Node = r.self
			r.sink.Receive(ack)
		}
	}
}

// --------------------------------------------------------------------------
// In-memory slave
// --------------------------------------------------------------------------

// Memory is a Slave keeping the replicated lines in a map. Used by tests
// and as the building block for a slave process that is not itself a
// full cache node.
type Memory struct {
	mu    sync.Mutex
	lines map[int64]memLine
}

type memLine struct {
	version uint64
	data    []byte
}

// NewMemory creates an empty in-memory slave.
func NewMemory() *Memory {
	return &Memory{lines: make(map[int64]memLine)}
}

func (m *Memory) ApplyBackup(id int64, version uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.lines[id]; ok && old.version > version {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.lines[id] = memLine{version: version, data: cp}
}

func (m *Memory) ApplyInv(id int64, newOwner msg.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, id)
}

// Get returns the slave's view of a line.
func (m *Memory) Get(id int64) (data []byte, version uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[id]
	return l.data, l.version, ok
}
