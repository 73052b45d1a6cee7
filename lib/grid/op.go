package grid

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dGC/lib/msg"
)

// --------------------------------------------------------------------------
// Operation Types
// --------------------------------------------------------------------------

// OpType enumerates the local operations the engine executes.
type OpType uint8

const (
	OpGet          OpType = iota // read the line's content
	OpGetS                       // read and lock (shared intent within a transaction)
	OpGetX                       // acquire exclusive ownership and lock
	OpSet                        // write the line's content
	OpDel                        // delete the line
	OpSend                       // deliver an application message to the owner
	OpPush                       // replicate the line to the given nodes
	OpPushX                      // transfer ownership to the given node
	OpPut                        // allocate a new id and store content
	OpAlloc                      // allocate n consecutive ids
	OpLstn                       // install a per-line listener
	OpGetFromOwner               // internal: resolve the owner for a Send
)

func (t OpType) String() string {
	switch t {
	case OpGet:
		return "GET"
	case OpGetS:
		return "GETS"
	case OpGetX:
		return "GETX"
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	case OpSend:
		return "SEND"
	case OpPush:
		return "PUSH"
	case OpPushX:
		return "PUSHX"
	case OpPut:
		return "PUT"
	case OpAlloc:
		return "ALLOC"
	case OpLstn:
		return "LSTN"
	case OpGetFromOwner:
		return "GET_FROM_OWNER"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

// isOf reports membership in a bit set built by opSet.
func (t OpType) isOf(set uint32) bool {
	return set&(1<<t) != 0
}

func opSet(types ...OpType) uint32 {
	var s uint32
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

var (
	hitOrMissOps = opSet(OpGet, OpGetS, OpGetX, OpSet, OpDel)
	fastTrackOps = opSet(OpGet, OpGetS, OpGetX, OpSet, OpDel, OpLstn)
	lockingOps   = opSet(OpGetS, OpGetX, OpSet, OpDel)
	pushOps      = opSet(OpPush, OpPushX)
)

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Op is a deferred operation. Ops reference their line by id, not by
// pointer: queued work is re-resolved through the line table on every
// step so that node-event sweeps can safely invalidate it.
type Op struct {
	Type  OpType
	Line  int64
	Data  []byte
	Extra any
	Txn   *Transaction

	fut   *Future
	start time.Time
}

func newOp(t OpType, line int64, data []byte, extra any, txn *Transaction) *Op {
	return &Op{Type: t, Line: line, Data: data, Extra: extra, Txn: txn}
}

func (op *Op) String() string {
	return fmt.Sprintf("Op.%s(line:%x)", op.Type, op.Line)
}

func (op *Op) hasFuture() bool {
	return op.fut != nil
}

func (op *Op) createFuture() {
	if op.fut == nil {
		op.fut = newFuture()
	}
}

// nodeHint extracts the optional target-node hint carried by an op.
func (op *Op) nodeHint() msg.NodeID {
	if hint, ok := op.Extra.(msg.NodeID); ok {
		return hint
	}
	return msg.NoNode
}

// --------------------------------------------------------------------------
// Futures
// --------------------------------------------------------------------------

type opResult struct {
	val any
	err error
}

// Future carries the deferred result of an asynchronous operation.
type Future struct {
	ch chan opResult
}

func newFuture() *Future {
	return &Future{ch: make(chan opResult, 1)}
}

// resolve completes the future. Only the first resolution wins; later
// ones are dropped (a timed-out op may still be completed by a late
// message).
func (f *Future) resolve(val any, err error) {
	select {
	case f.ch <- opResult{val: val, err: err}:
	default:
	}
}

// Result blocks until the future resolves or timeout elapses.
func (f *Future) Result(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-f.ch:
		return res.val, res.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Wait blocks until the future resolves.
func (f *Future) Wait() (any, error) {
	res := <-f.ch
	return res.val, res.err
}

// --------------------------------------------------------------------------
// Dispatch sentinels
// --------------------------------------------------------------------------

type pendingType struct{}

func (pendingType) String() string { return "PENDING" }

// resPending is the sentinel result meaning "cannot complete in the
// line's current state, park the op".
var resPending any = pendingType{}

type didntHandleType struct{}

// resDidntHandle is returned by the no-line handlers when the caller must
// create the line and retry.
var resDidntHandle any = didntHandleType{}
