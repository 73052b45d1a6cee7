package grid

import (
	"sync"
)

// rollbackInfo is the snapshot taken at the first write to a line within
// a transaction.
type rollbackInfo struct {
	version  uint64
	modified bool
	data     []byte
}

// Transaction groups operations that lock lines. It records every op run
// under it, every line locked under it, and (when rollback is supported)
// a snapshot per written line.
//
// Thread-safety: a transaction may be touched from multiple goroutines
// (op completions run on message-handling goroutines).
type Transaction struct {
	mu       sync.Mutex
	ops      []*Op
	lines    map[int64]struct{}
	rollback map[int64]rollbackInfo // nil when rollback is unsupported
}

func newTransaction(rollbackSupported bool) *Transaction {
	txn := &Transaction{
		lines: make(map[int64]struct{}),
	}
	if rollbackSupported {
		txn.rollback = make(map[int64]rollbackInfo)
	}
	return txn
}

// add records an op run under this transaction.
func (t *Transaction) add(op *Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
}

func (t *Transaction) getOps() []*Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Op(nil), t.ops...)
}

// addLine records that the line was locked under this transaction.
func (t *Transaction) addLine(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[id] = struct{}{}
}

func (t *Transaction) contains(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lines[id]
	return ok
}

func (t *Transaction) getLines() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.lines))
	for id := range t.lines {
		out = append(out, id)
	}
	return out
}

// isRecorded reports whether a rollback snapshot exists for the line.
func (t *Transaction) isRecorded(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rollback == nil {
		return true // nothing is ever recorded
	}
	_, ok := t.rollback[id]
	return ok
}

// recordRollback snapshots the line's pre-write state. Only the first
// snapshot per line is kept.
func (t *Transaction) recordRollback(id int64, version uint64, modified bool, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rollback == nil {
		return
	}
	if _, ok := t.rollback[id]; ok {
		return
	}
	t.rollback[id] = rollbackInfo{version: version, modified: modified, data: data}
}

// forEachRollback applies f to every recorded snapshot.
func (t *Transaction) forEachRollback(f func(id int64, r rollbackInfo)) {
	t.mu.Lock()
	snap := make(map[int64]rollbackInfo, len(t.rollback))
	for id, r := range t.rollback {
		snap[id] = r
	}
	t.mu.Unlock()

	for id, r := range snap {
		f(id, r)
	}
}
