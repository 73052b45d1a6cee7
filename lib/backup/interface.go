package backup

import (
	"github.com/ValentinKolb/dGC/lib/msg"
)

// Source is the master-side view the channel reads line contents from at
// flush time. Implemented by the coherence engine.
type Source interface {
	// BackupData returns the current content and version of an owned
	// line, or ok=false if the line is gone.
	BackupData(id int64) (data []byte, version uint64, ok bool)
}

// Slave is the slave-side sink the channel replicates into.
type Slave interface {
	// ApplyBackup installs the given line content on the slave.
	ApplyBackup(id int64, version uint64, data []byte)
	// ApplyInv invalidates the slave's view of the line. newOwner names
	// the node the line is being transferred to.
	ApplyInv(id int64, newOwner msg.NodeID)
}

// AckSink receives the acknowledgment messages the channel generates for
// the master (BACKUPACK per flushed line, self-addressed INVACK per
// completed invalidation). Implemented by the coherence engine.
type AckSink interface {
	Receive(m *msg.Message)
}

// Backup is the master-side replication channel.
type Backup interface {
	// SetSource registers the line content source. Must be called before
	// the first Backup call.
	SetSource(src Source)
	// SetAckSink registers the receiver for BACKUPACK / INVACK messages.
	SetAckSink(sink AckSink)

	// StartBackup opens a batch. Batches may not be nested.
	StartBackup()
	// Backup adds a line at the given version to the open batch.
	Backup(id int64, version uint64)
	// EndBackup closes the batch and hands it to the flusher.
	EndBackup()
	// Flush asks for all closed batches to be replicated to the slave and
	// returns without waiting for it; acknowledgments arrive later.
	Flush()

	// Inv ensures the slave holds no stale view of the line. Returns true
	// if that is already guaranteed; otherwise false, and a self-addressed
	// INVACK will be delivered to the ack sink when the slave is done.
	Inv(id int64, sharer msg.NodeID) bool
}
