package grid

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dGC/lib/backup"
	"github.com/ValentinKolb/dGC/lib/msg"
)

// Transactional rollback: a SET inside the transaction records a
// snapshot; rollback restores version, modified flag and payload.
func TestTransactionRollback(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a := g.cache(1)

	id, err := a.Put([]byte("v1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)

	eventually(t, "backup ack", func() bool { return !flagIs(a, id, flagModified) })

	txn := a.BeginTransaction()
	got, err := a.GetS(id, txn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("GetS read %q", got)
	}

	l := lineOf(a, id)
	l.mu.Lock()
	v1 := l.version
	l.mu.Unlock()

	if err := a.Set(id, []byte("v2"), txn); err != nil {
		t.Fatal(err)
	}
	if !flagIs(a, id, flagModified) {
		t.Error("SET should mark the line modified")
	}

	if err := a.Rollback(txn); err != nil {
		t.Fatal(err)
	}
	if err := a.EndTransaction(txn, true); err != nil {
		t.Fatal(err)
	}

	l.mu.Lock()
	version, data, modified := l.version, cloneBytes(l.data), l.is(flagModified)
	l.mu.Unlock()

	if version != v1 {
		t.Errorf("version after rollback: %d, want %d", version, v1)
	}
	if !bytes.Equal(data, []byte("v1")) {
		t.Errorf("data after rollback: %q, want v1", data)
	}
	if modified {
		t.Error("modified flag should be restored")
	}
	if a.IsLineLocked(id) {
		t.Error("line should be unlocked after EndTransaction")
	}
}

// A read-only transaction commits without issuing a backup.
func TestReadOnlyTransactionCommit(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a := g.cache(1)

	id, err := a.Put([]byte("ro"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)
	eventually(t, "backup ack", func() bool { return !flagIs(a, id, flagModified) })

	txn := a.BeginTransaction()
	if _, err := a.GetS(id, txn); err != nil {
		t.Fatal(err)
	}
	if !a.IsLineLocked(id) {
		t.Error("GetS should lock the line")
	}
	if err := a.EndTransaction(txn, false); err != nil {
		t.Fatal(err)
	}
	if a.IsLineLocked(id) {
		t.Error("commit should unlock the line")
	}
	if flagIs(a, id, flagModified) {
		t.Error("read-only commit must not mark the line modified")
	}
}

// Commit of a modified line replicates it to the slave and clears the
// MODIFIED flag on the BACKUPACK.
func TestCommitBacksUpModifiedLines(t *testing.T) {
	slave := backup.NewMemory()
	repl := backup.NewReplicator(1, slave)

	g := newTestGridWith(t, gridOptions{
		cfg:     defaultTestConfig(),
		backups: map[msg.NodeID]backup.Backup{1: repl},
	}, 1, 2)
	a := g.cache(1)

	txn := a.BeginTransaction()
	id, err := a.Put([]byte("replicate me"), txn)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.EndTransaction(txn, false); err != nil {
		t.Fatal(err)
	}

	eventually(t, "slave copy", func() bool {
		data, _, ok := slave.Get(id)
		return ok && bytes.Equal(data, []byte("replicate me"))
	})
	eventually(t, "modified cleared", func() bool { return !flagIs(a, id, flagModified) })
	if !flagIs(a, id, flagSlave) {
		t.Error("SLAVE flag should be set after a backup")
	}
}

// Giving up ownership of a replicated line invalidates the slave's copy
// first.
func TestOwnershipTransferInvalidatesSlave(t *testing.T) {
	slave := backup.NewMemory()
	repl := backup.NewReplicator(1, slave)

	g := newTestGridWith(t, gridOptions{
		cfg:     defaultTestConfig(),
		backups: map[msg.NodeID]backup.Backup{1: repl},
	}, 1, 2)
	a, b := g.cache(1), g.cache(2)

	txn := a.BeginTransaction()
	id, err := a.Put([]byte("protected"), txn)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.EndTransaction(txn, false); err != nil {
		t.Fatal(err)
	}
	eventually(t, "slave copy", func() bool { _, _, ok := slave.Get(id); return ok })

	// b takes the line; the slave view must be invalidated
	if _, err := b.GetX(id, nil); err != nil {
		t.Fatal(err)
	}
	b.Release(id)

	requireState(t, b, id, StateE)
	eventually(t, "slave invalidated", func() bool { _, _, ok := slave.Get(id); return !ok })
	eventually(t, "slave flag cleared", func() bool { return !flagIs(a, id, flagSlave) })
}

// A line locked by a transaction holds peer requests; they drain on
// commit.
func TestLockedLineHoldsMessages(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a, b := g.cache(1), g.cache(2)

	id, err := a.Put([]byte("held"), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Release(id)
	eventually(t, "backup ack", func() bool { return !flagIs(a, id, flagModified) })

	txn := a.BeginTransaction()
	if _, err := a.GetS(id, txn); err != nil {
		t.Fatal(err)
	}

	done := make(chan []byte, 1)
	go func() {
		data, err := b.Get(id)
		if err != nil {
			done <- nil
			return
		}
		done <- data
	}()

	eventually(t, "GET to be held", func() bool {
		l := lineOf(a, id)
		l.mu.Lock()
		defer l.mu.Unlock()
		return a.hasPendingMessages(l)
	})

	if err := a.EndTransaction(txn, false); err != nil {
		t.Fatal(err)
	}

	data := <-done
	if string(data) != "held" {
		t.Errorf("b read %q after drain", data)
	}
}

// Release is the single-line commit: it unlocks and drains (or backs up)
// one line without a transaction object.
func TestRelease(t *testing.T) {
	g := newTestGrid(t, 1, 2)
	a := g.cache(1)

	id, err := a.Put([]byte("solo"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsLineLocked(id) {
		t.Fatal("Put should leave the line locked")
	}
	a.Release(id)
	if a.IsLineLocked(id) {
		t.Error("Release should unlock the line")
	}
}
