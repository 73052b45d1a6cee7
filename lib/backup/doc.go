// Package backup implements the master/slave replication channel of the
// grid cache.
//
// A master node batches backup requests for its modified lines between
// StartBackup and EndBackup; Flush pushes the batched line contents to
// the slave. The slave applies them and the master is handed a
// BACKUPACK for each line, which clears the line's MODIFIED flag in the
// coherence engine.
//
// Inv is the slave-side invalidation handshake: before a master gives up
// ownership of a line its slave may still hold, it asks the channel to
// guarantee the slave has no stale view. Inv returns true when that
// guarantee already holds (the line was never replicated); otherwise the
// invalidation is pushed to the slave and the master receives a
// self-addressed INVACK once it is done.
package backup
