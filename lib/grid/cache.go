package grid

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dGC/lib/backup"
	"github.com/ValentinKolb/dGC/lib/cluster"
	"github.com/ValentinKolb/dGC/lib/comm"
	"github.com/ValentinKolb/dGC/lib/msg"
	"github.com/ValentinKolb/dGC/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("grid")

// dirtyReads enables serving stale I lines when provably consistent.
const dirtyReads = true

const sharerSetDefaultSize = 10

// Change masks: what a state-machine step did to a line. Pending work is
// re-evaluated against the mask of the step that woke it.
const (
	lineNoChange        = 0
	lineStateChanged    = 1 << 0
	lineOwnerChanged    = 1 << 1
	lineModifiedChanged = 1 << 2
	lineEverything      = ^0
)

func msgSet(types ...msg.Type) uint32 {
	var s uint32
	for _, t := range types {
		s |= 1 << t
	}
	return s
}

func msgIsOf(t msg.Type, set uint32) bool {
	return set&(1<<t) != 0
}

var messagesBlockedByLock = msgSet(msg.MsgTGet, msg.MsgTGetX, msg.MsgTInv, msg.MsgTPut, msg.MsgTPutX)

// dispatch is the per-entry-point context of one outermost call into the
// engine. Messages the engine addresses to itself while a line mutex is
// held are parked here and drained after the outermost step released it,
// preserving outermost-first ordering. inNodeEvent suppresses lazy
// node-event application while the sweep itself runs.
type dispatch struct {
	parked      []*msg.Message
	inNodeEvent bool
}

func (d *dispatch) park(m *msg.Message) {
	d.parked = append(d.parked, m)
}

// --------------------------------------------------------------------------
// Cache
// --------------------------------------------------------------------------

// Cache is the per-node coherence engine.
type Cache struct {
	name string
	cfg  Config

	cluster cluster.Cluster
	comm    comm.Comm
	storage storage.Storage
	backup  backup.Backup
	monitor Monitor
	idAlloc *idAllocator

	hasServer                bool
	broadcastsRoutedToServer bool

	receiver comm.Receiver // application-level MSG sink

	owned       *xsync.MapOf[int64, *line]
	shared      *sharedTable
	pendingOps  *xsync.MapOf[int64, []*Op]
	pendingMsgs *xsync.MapOf[int64, []*msg.Message]
	ownerClocks *xsync.MapOf[msg.NodeID, *ownerClock]

	listenersMu sync.RWMutex
	listeners   []Listener

	nodeEvents *nodeEventSet

	freeLines      chan *line
	freeSharerSets chan sharerSet
}

// New creates the coherence engine for this node and wires it to its
// collaborators. The returned cache is live: inbound messages and
// membership events are processed as they arrive.
func New(name string, cfg Config, cl cluster.Cluster, cm comm.Comm, st storage.Storage,
	bk backup.Backup, refs RefAllocator, monitor Monitor) (*Cache, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if monitor == nil {
		monitor = NewNoopMonitor()
	}

	c := &Cache{
		name:        name,
		cfg:         cfg,
		cluster:     cl,
		comm:        cm,
		storage:     st,
		backup:      bk,
		monitor:     monitor,
		hasServer:   cl.HasServer(),
		owned:       xsync.NewMapOf[int64, *line](),
		pendingOps:  xsync.NewMapOf[int64, []*Op](),
		pendingMsgs: xsync.NewMapOf[int64, []*msg.Message](),
		ownerClocks: xsync.NewMapOf[msg.NodeID, *ownerClock](),
		nodeEvents:  newNodeEventSet(),
	}
	c.broadcastsRoutedToServer = c.hasServer && cm.SendToServerInsteadOfMulticast()
	c.shared = newSharedTable(cfg.MaxCapacity)
	c.shared.onEvict = c.onSharedEvict
	c.idAlloc = newIDAllocator(c, refs)

	if cfg.ReuseLines {
		c.freeLines = make(chan *line, 1024)
	}
	if cfg.ReuseSharerSets {
		c.freeSharerSets = make(chan sharerSet, 1024)
	}

	bk.SetSource(c)
	bk.SetAckSink(c)
	cl.AddNodeChangeListener(c)
	cm.SetReceiver(c)
	return c, nil
}

// Name returns the cache's name (used for metrics labels).
func (c *Cache) Name() string { return c.name }

// HasServer reports whether the cluster has a directory node.
func (c *Cache) HasServer() bool { return c.hasServer }

// SetReceiver registers the sink for application-level MSG messages.
func (c *Cache) SetReceiver(r comm.Receiver) { c.receiver = r }

// AddListener registers a process-wide line event listener.
func (c *Cache) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener removes a process-wide line event listener.
func (c *Cache) RemoveListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// State returns the line's current coherence state; ok is false when the
// line is unknown locally.
func (c *Cache) State(id int64) (State, bool) {
	l := c.getLine(id)
	if l == nil {
		return StateI, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

// IsLineLocked reports whether the line is pinned by a transaction.
func (c *Cache) IsLineLocked(id int64) bool {
	l := c.getLine(id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked()
}

func (c *Cache) myNodeID() msg.NodeID {
	return c.cluster.MyNodeID()
}

// --------------------------------------------------------------------------
// Public operations
// --------------------------------------------------------------------------

// Get returns the line's content.
func (c *Cache) Get(id int64) ([]byte, error) {
	res, err := c.DoOp(OpGet, id, nil, nil, nil)
	return asBytes(res), err
}

// GetHinted is Get with a hint naming the node believed to own the line.
func (c *Cache) GetHinted(id int64, hint msg.NodeID) ([]byte, error) {
	res, err := c.DoOp(OpGet, id, nil, hint, nil)
	return asBytes(res), err
}

// GetS returns the line's content and locks the line under txn.
func (c *Cache) GetS(id int64, txn *Transaction) ([]byte, error) {
	res, err := c.DoOp(OpGetS, id, nil, nil, txn)
	return asBytes(res), err
}

// GetX acquires exclusive ownership, locks the line under txn and
// returns its content.
func (c *Cache) GetX(id int64, txn *Transaction) ([]byte, error) {
	res, err := c.DoOp(OpGetX, id, nil, nil, txn)
	return asBytes(res), err
}

// Set writes the line's content, acquiring exclusive ownership first.
func (c *Cache) Set(id int64, data []byte, txn *Transaction) error {
	_, err := c.DoOp(OpSet, id, data, nil, txn)
	return err
}

// Del deletes the line. Reserved ids survive deletion.
func (c *Cache) Del(id int64, txn *Transaction) error {
	_, err := c.DoOp(OpDel, id, nil, nil, txn)
	return err
}

// Put allocates a fresh id and stores data under it. The new line is
// owned exclusively and locked under txn.
func (c *Cache) Put(data []byte, txn *Transaction) (int64, error) {
	res, err := c.DoOp(OpPut, -1, data, nil, txn)
	if err != nil {
		return -1, err
	}
	return res.(int64), nil
}

// Alloc allocates count consecutive fresh ids, all owned exclusively and
// locked under txn. Returns the first id.
func (c *Cache) Alloc(count int, txn *Transaction) (int64, error) {
	res, err := c.DoOp(OpAlloc, -1, nil, count, txn)
	if err != nil {
		return -1, err
	}
	return res.(int64), nil
}

// Push replicates an owned, backed-up line to the given nodes.
func (c *Cache) Push(id int64, nodes []msg.NodeID) error {
	_, err := c.DoOp(OpPush, id, nil, nodes, nil)
	return err
}

// PushX transfers exclusive ownership of the line to the given node.
func (c *Cache) PushX(id int64, to msg.NodeID) error {
	_, err := c.DoOp(OpPushX, id, nil, to, nil)
	return err
}

// Send delivers an application message to the line's owner. Completion
// is tied to the owner's MSGACK.
func (c *Cache) Send(id int64, data []byte) error {
	_, err := c.DoOp(OpSend, id, nil, msg.NewMsg(msg.NoNode, id, data), nil)
	return err
}

// Listen installs l as the line's listener (nil removes it).
func (c *Cache) Listen(id int64, l Listener) error {
	_, err := c.DoOp(OpLstn, id, nil, l, nil)
	return err
}

func asBytes(res any) []byte {
	b, _ := res.([]byte)
	return b
}

// --------------------------------------------------------------------------
// Execution flow
// --------------------------------------------------------------------------

// DoOp runs an operation, blocking up to the configured timeout when the
// line is in transition.
func (c *Cache) DoOp(t OpType, id int64, data []byte, extra any, txn *Transaction) (any, error) {
	if !c.cluster.IsMaster() && t != OpLstn {
		return nil, ErrNotMaster
	}

	log.Debugf("run(fast): Op.%s(line:%x)", t, id)
	res, err := c.runFastTrack(t, id, data, extra, txn)
	if err != nil {
		return nil, err
	}
	if op, ok := res.(*Op); ok {
		return c.doOp(op)
	}
	if res == resPending {
		return c.doOp(newOp(t, id, data, extra, txn)) // "slow" track
	}
	return res, nil
}

// DoOpAsync runs an operation without blocking; the result arrives on the
// returned future.
func (c *Cache) DoOpAsync(t OpType, id int64, data []byte, extra any, txn *Transaction) (*Future, error) {
	if !c.cluster.IsMaster() && t != OpLstn {
		return nil, ErrNotMaster
	}

	res, err := c.runFastTrack(t, id, data, extra, txn)
	if err != nil {
		return resolvedFuture(nil, err), nil
	}
	if op, ok := res.(*Op); ok {
		return c.doOpAsync(op)
	}
	if res == resPending {
		return c.doOpAsync(newOp(t, id, data, extra, txn))
	}
	return resolvedFuture(res, nil), nil
}

func resolvedFuture(val any, err error) *Future {
	f := newFuture()
	f.resolve(val, err)
	return f
}

// doOp blocks on the op's future when it parks.
func (c *Cache) doOp(op *Op) (any, error) {
	if op.Txn != nil {
		op.Txn.add(op)
	}
	res, err := c.runOp(op)
	if err != nil {
		return nil, err
	}
	if res == resPending {
		return op.fut.Result(c.cfg.Timeout)
	}
	return res, nil
}

func (c *Cache) doOpAsync(op *Op) (*Future, error) {
	if op.Txn != nil {
		op.Txn.add(op)
	}
	res, err := c.runOp(op)
	if err != nil {
		return resolvedFuture(nil, err), nil
	}
	if res == resPending {
		return op.fut, nil
	}
	return resolvedFuture(res, nil), nil
}

// runFastTrack tries to run the op without allocating an Op record.
func (c *Cache) runFastTrack(t OpType, id int64, data []byte, extra any, txn *Transaction) (any, error) {
	if !t.isOf(fastTrackOps) {
		return resPending, nil // no fast track
	}
	l := c.getLine(id)
	if l == nil {
		res, err := c.handleOpNoLine(t, id, extra)
		if err != nil {
			return nil, err
		}
		if res != resDidntHandle {
			return res, nil
		}
		return resPending, nil // no fast track
	}

	d := &dispatch{}
	l.mu.Lock()
	res, err := c.handleOpFields(d, l, t, data, extra, txn, nil, false, lineEverything)
	l.mu.Unlock()
	c.drainShortCircuit(d)

	if err != nil {
		return nil, err
	}
	if res != resPending {
		c.monitor.AddOp(t, 0)
	}
	return res, nil
}

// runOp executes an Op record (slow track). Also used to retry parked ops.
func (c *Cache) runOp(op *Op) (any, error) {
	log.Debugf("run: %s", op)

	d := &dispatch{}
	if op.Type == OpPut || op.Type == OpAlloc {
		res, err := c.execOp(d, op, nil)
		c.drainShortCircuit(d)
		return res, err
	}

	l := c.getLine(op.Line)
	if l == nil {
		res, err := c.handleOpNoLine(op.Type, op.Line, op.Extra)
		if err != nil {
			return nil, err
		}
		if res != resDidntHandle {
			return res, nil
		}
		l = c.createNewLine(op.Line)
	}

	l.mu.Lock()
	res, err := c.execOp(d, op, l)
	l.mu.Unlock()

	c.drainShortCircuit(d)

	if err != nil {
		return nil, err
	}
	if next, ok := res.(*Op); ok {
		return c.runOp(next)
	}
	return res, nil
}

// retryOp re-runs an op that was parked outside a line queue (id
// allocation) and resolves its future on completion.
func (c *Cache) retryOp(op *Op) {
	res, err := c.runOp(op)
	if err != nil {
		op.fut.resolve(nil, err)
		return
	}
	if res != resPending {
		op.fut.resolve(res, nil)
	}
}

// execOp must be called with the line's mutex held (l may be nil only
// for PUT/ALLOC).
func (c *Cache) execOp(d *dispatch, op *Op, l *line) (any, error) {
	res, err := c.handleOpObj(d, l, op, false, lineEverything)
	if err != nil {
		return nil, err
	}
	if res == resPending {
		op.start = time.Now()
		log.Debugf("adding op to pending %s on line %s", op, l)
		c.addPendingOp(l, op)
	}
	return res, nil
}

// handleOpObj dispatches an Op record. pending marks re-evaluation of an
// already-parked op.
func (c *Cache) handleOpObj(d *dispatch, l *line, op *Op, pending bool, change int) (any, error) {
	log.Debugf("handleOp: %s line: %s", op, l)

	var res any
	var err error
	switch op.Type {
	case OpPut:
		res, err = c.handleOpPut(op)
	case OpAlloc:
		res, err = c.handleOpAlloc(op)
	default:
		res, err = c.handleOpFields(d, l, op.Type, op.Data, op.Extra, op.Txn, op, pending, change)
	}
	if err != nil {
		return nil, c.opError(op, err, pending)
	}
	if res == resPending {
		return res, nil
	}
	if _, ok := res.(*Op); ok {
		return res, nil
	}
	c.completeOp(op, res, pending)
	return res, nil
}

// handleOpFields is the allocation-free core dispatch, shared by the
// fast track (op == nil) and the Op-record path.
func (c *Cache) handleOpFields(d *dispatch, l *line, t OpType, data []byte, extra any,
	txn *Transaction, op *Op, pending bool, change int) (any, error) {

	c.handleNodeEvents(d, l)

	var res any
	var err error

	if l != nil && c.shouldHoldOp(l, t) {
		res = resPending
	} else {
		switch t {
		case OpGet, OpGetS:
			res, err = c.handleOpGet(d, l, t, nodeHintOf(extra), txn, change)
		case OpGetX:
			res, err = c.handleOpGetX(d, l, nodeHintOf(extra), txn, change)
		case OpGetFromOwner:
			res = c.handleOpGetFromOwner(l, extra)
		case OpSet:
			res, err = c.handleOpSet(d, l, data, nodeHintOf(extra), txn, change)
		case OpDel:
			res, err = c.handleOpDel(d, l, nodeHintOf(extra), txn, change)
		case OpSend:
			res, err = c.handleOpSend(d, l, extra, op, change)
		case OpPush:
			res = c.handleOpPush(d, l, extra, change)
		case OpPushX:
			res = c.handleOpPushX(d, l, extra, change)
		case OpLstn:
			res = c.handleOpListen(l, extra)
		}
	}
	if err != nil {
		return nil, err
	}

	if !pending && t.isOf(hitOrMissOps) && res != resPending {
		if l.state == StateI {
			c.monitor.AddStaleHit()
		} else {
			c.monitor.AddHit()
		}
	}
	return res, nil
}

func (c *Cache) completeOp(op *Op, res any, pending bool) {
	var duration time.Duration
	if pending && !op.start.IsZero() {
		duration = time.Since(op.start)
	}
	if op != nil && op.hasFuture() {
		op.fut.resolve(res, nil)
	}
	if op != nil {
		c.monitor.AddOp(op.Type, duration)
	}
}

// opError routes an op failure: parked ops get it on their future,
// synchronous ones see it returned.
func (c *Cache) opError(op *Op, err error, pending bool) error {
	if pending {
		op.createFuture()
		op.fut.resolve(nil, err)
		return nil
	}
	return err
}

// handleOpNoLine handles ops whose line is not present.
// resDidntHandle means the caller must create the line and retry.
func (c *Cache) handleOpNoLine(t OpType, id int64, extra any) (any, error) {
	log.Debugf("line %x not found", id)
	switch t {
	case OpGetFromOwner:
		return extra, nil
	case OpPush, OpPushX:
		log.Infof("attempt to push line %x, but line is not in cache", id)
		return nil, nil
	default:
		return resDidntHandle, nil
	}
}

// shouldHoldOp implements the back-pressure rule for local ops: give
// queued messages a chance before locking the line (unless we are the
// transition that will drain them), and stall pushes while a backup is
// in flight.
func (c *Cache) shouldHoldOp(l *line, t OpType) bool {
	return (c.hasPendingMessages(l) &&
		t.isOf(lockingOps) &&
		!l.isLocked() &&
		!(l.state != StateE && l.nextState == StateE)) ||
		(l.is(flagModified) && t.isOf(pushOps))
}

// handlePendingOps re-evaluates the line's parked ops in insertion order.
// Must be called with the line's mutex held.
func (c *Cache) handlePendingOps(d *dispatch, l *line, change int) {
	if l == nil {
		return
	}
	// iterate a snapshot but mutate the live queue: this step may reenter
	// itself through the node-event hook, and removal is idempotent
	for _, op := range c.getPendingOps(l) {
		log.Debugf("handling pending op %s, change = %d", op, change)
		res, _ := c.handleOpObj(d, l, op, true, change)
		if res != resPending {
			c.removePendingOp(l, op)
		}
	}
}

// --------------------------------------------------------------------------
// Message receive flow
// --------------------------------------------------------------------------

// Receive is the transport entry point. It is also how the backup
// channel feeds acknowledgments into the engine.
func (c *Cache) Receive(m *msg.Message) {
	d := &dispatch{}
	log.Debugf("received: %s", m)
	c.receive1(d, m)
	c.drainShortCircuit(d)
}

// drainShortCircuit processes self-addressed deliveries parked during
// the dispatch, outermost-first. Must be called with no line mutex held.
func (c *Cache) drainShortCircuit(d *dispatch) {
	for len(d.parked) > 0 {
		m := d.parked[0]
		d.parked = d.parked[1:]
		log.Debugf("received short-circuit: %s", m)
		c.receive1(d, m)
	}
}

func (c *Cache) receive1(d *dispatch, m *msg.Message) {
	switch m.MsgType {
	case msg.MsgTMsg:
		c.handleMessageMsg(d, m)
		return
	case msg.MsgTMsgAck:
		if m.Line == -1 {
			if c.receiver != nil {
				c.receiver.Receive(m)
			}
			return
		}
	}
	c.runMessage(d, m)
	c.monitor.AddMessageReceived(m.MsgType)
}

func (c *Cache) runMessage(d *dispatch, m *msg.Message) {
	l := c.getLine(m.Line)
	if l == nil {
		if c.handleMessageNoLine(d, m) {
			return
		}
		l = c.createNewLine(m.Line)
	}

	l.mu.Lock()
	c.handleMessage(d, m, l)
	l.mu.Unlock()
}

// handleMessageMsg routes application-level messages to the attached
// receiver, replying MSGACK where required.
func (c *Cache) handleMessageMsg(d *dispatch, m *msg.Message) {
	if c.receiver == nil {
		return
	}

	if dirtyReads {
		c.setOwnerClockOnPut(m)
	}

	if m.Line == -1 {
		c.receiver.Receive(m)
		if m.ReplyRequired {
			c.send(d, msg.NewMsgAck(m))
		}
		return
	}

	l := c.getLine(m.Line)
	if l == nil {
		c.handleMessageNoLine(d, m)
		return
	}
	l.mu.Lock()
	notOwner := c.handleNotOwner(d, m, l)
	l.mu.Unlock()
	if notOwner {
		return
	}

	c.receiver.Receive(m)
	if m.ReplyRequired {
		c.send(d, msg.NewMsgAck(m))
	}
}

// handleMessage must be called with the line's mutex held.
func (c *Cache) handleMessage(d *dispatch, m *msg.Message, l *line) {
	c.handleNodeEvents(d, l)
	change := c.handleMessage1(d, m, l)
	c.handlePendingOps(d, l, change)
	c.handlePendingMessagesAfterMessage(d, l, change)
}

func (c *Cache) handleMessage1(d *dispatch, m *msg.Message, l *line) int {
	if c.shouldHoldMessage(l, m) {
		log.Debugf("adding message to pending %s on line %s", m, l)
		c.addPendingMessage(l, m)
		if l.is(flagModified) {
			c.backup.Flush()
		}
		return lineNoChange
	}

	change, err := c.dispatchMessage(d, m, l)
	if err != nil {
		if errors.Is(err, errIrrelevantState) {
			log.Warningf("got message %s when at irrelevant state %s", m, l.state)
			return lineNoChange
		}
		log.Errorf("message %s failed on line %s: %v", m, l, err)
		return lineNoChange
	}
	return change
}

func (c *Cache) dispatchMessage(d *dispatch, m *msg.Message, l *line) (int, error) {
	switch m.MsgType {
	case msg.MsgTPut:
		return c.handleMessagePut(m, l)
	case msg.MsgTPutX:
		return c.handleMessagePutX(d, m, l)
	case msg.MsgTGet:
		return c.handleMessageGet(d, m, l)
	case msg.MsgTGetX:
		return c.handleMessageGetX(d, m, l)
	case msg.MsgTInv:
		return c.handleMessageInvalidate(d, m, l)
	case msg.MsgTInvAck:
		return c.handleMessageInvalidateAck(d, m, l)
	case msg.MsgTNotFound:
		return c.handleMessageNotFound(m, l)
	case msg.MsgTChngdOwnr:
		return c.handleMessageChngdOwnr(m, l)
	case msg.MsgTMsgAck:
		return c.handleMessageMsgAck(m, l)
	case msg.MsgTBackup: // in slave mode only
		return c.handleMessageBackup(m, l)
	case msg.MsgTBackupAck:
		return c.handleMessageBackupAck(m, l)
	case msg.MsgTTimeout:
		return c.handleMessageTimeout(m, l)
	default:
		log.Warningf("unhandled message %s", m)
		return lineNoChange, nil
	}
}

// handleMessageNoLine handles messages whose line is not present.
// Returns true if the message was handled; false if the line must be
// created and the message retried.
func (c *Cache) handleMessageNoLine(d *dispatch, m *msg.Message) bool {
	log.Debugf("line %x not found", m.Line)
	switch m.MsgType {
	case msg.MsgTInv:
		c.send(d, msg.NewInvAck(m))
		return true
	case msg.MsgTInvAck:
		return true
	case msg.MsgTGet, msg.MsgTGetX, msg.MsgTMsg:
		c.handleNotOwner(d, m, nil)
		return true
	default:
		return false
	}
}

// handleNotOwner answers requests we cannot serve because we do not own
// the line: NOT_FOUND for deleted lines, a redirect (or broadcast ACK)
// otherwise. Returns false when we do own the line.
func (c *Cache) handleNotOwner(d *dispatch, m *msg.Message, l *line) bool {
	if l != nil && l.is(flagDeleted) {
		c.send(d, msg.NewNotFound(m))
		return true
	}
	if l == nil || l.state == StateI || l.state == StateS {
		var (
			id      int64
			owner   = msg.NoNode
			certain = false
		)
		if l == nil {
			id = m.Line
		} else {
			id = l.id
			owner = l.owner
			// S doesn't mean we're certain about the owner: transfer of
			// ownership (PUTX) happens before the INVs go out. We're still
			// more certain than at I.
			certain = l.state == StateS
		}

		if certain || !m.IsBroadcast() {
			c.send(d, msg.NewChngdOwnr(m, id, owner, certain))
		} else {
			c.send(d, msg.NewAck(m))
		}
		return true
	}
	return false
}

// handlePendingMessages drains the line's message queue. Must be called
// with the line's mutex held.
func (c *Cache) handlePendingMessages(d *dispatch, l *line, reason DelayReason) int {
	change := lineNoChange

	now := time.Now().UnixNano()
	count := 0
	var totalDelay time.Duration

	for _, m := range c.getAndClearPendingMessages(l) {
		log.Debugf("handling pending message %s", m)
		change |= c.handleMessage1(d, m, l)

		count++
		if m.Timestamp > 0 {
			totalDelay += time.Duration(now - m.Timestamp)
		}
	}

	if count > 0 {
		c.monitor.AddMessageHandlingDelay(count, totalDelay, reason)
	}

	if change != lineNoChange {
		c.handlePendingOps(d, l, change)
		c.handlePendingMessagesAfterMessage(d, l, change)
	}
	return change
}

// shouldHoldMessage implements the back-pressure rule for inbound
// messages; INV is never blocked by the local lock alone.
func (c *Cache) shouldHoldMessage(l *line, m *msg.Message) bool {
	res := msgIsOf(m.MsgType, messagesBlockedByLock) &&
		(l.isLocked() || l.is(flagModified) || (l.state != StateE && l.nextState == StateE))
	if res && m.MsgType == msg.MsgTInv && !l.isLocked() && !l.is(flagModified) {
		return false
	}
	return res
}

func (c *Cache) handlePendingMessagesAfterMessage(d *dispatch, l *line, change int) {
	if !l.isLocked() && !l.is(flagModified) {
		if change&lineModifiedChanged != 0 {
			c.handlePendingMessages(d, l, DelayBackup)
		} else if change&lineStateChanged != 0 {
			c.handlePendingMessages(d, l, DelayOther)
		}
	}
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// BeginTransaction starts a transaction. Pass it to the locking ops.
func (c *Cache) BeginTransaction() *Transaction {
	return newTransaction(c.cfg.RollbackSupported)
}

// Rollback restores every line written under txn to its snapshot.
func (c *Cache) Rollback(txn *Transaction) error {
	if !c.cfg.RollbackSupported {
		return errors.New("grid: cache configured to not support rollbacks")
	}

	txn.forEachRollback(func(id int64, r rollbackInfo) {
		l := c.getLine(id)
		if l == nil {
			return
		}
		l.mu.Lock()
		log.Debugf("rolling back line %x to version %d, modified = %t", id, r.version, r.modified)
		l.version = r.version
		l.setFlag(flagModified, r.modified)
		if _, err := c.writeData(l, r.data); err != nil {
			log.Errorf("rollback of line %x failed: %v", id, err)
		}
		l.mu.Unlock()
	})
	return nil
}

// EndTransaction unlocks every line locked under txn, scheduling a
// backup for the modified ones, and collects the first op error.
// abort=true suppresses the error re-raise (the caller rolled back).
func (c *Cache) EndTransaction(txn *Transaction, abort bool) error {
	var firstErr error
	for _, op := range txn.getOps() {
		if op.hasFuture() {
			if _, err := op.fut.Result(c.cfg.Timeout); err != nil {
				log.Debugf("error in op %s: %v", op, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	flush := false
	var unmodified []*line

	c.backup.StartBackup()
	for _, id := range txn.getLines() {
		l := c.getLine(id)
		if l == nil {
			continue
		}
		l.mu.Lock()
		if c.unlockLine(l, txn) {
			if !l.is(flagModified) {
				unmodified = append(unmodified, l)
			} else {
				l.setFlag(flagSlave, true)
				c.backup.Backup(l.id, l.version)
				if c.hasPendingMessages(l) {
					flush = true
				}
			}
		}
		l.mu.Unlock()
	}
	c.backup.EndBackup()

	if flush {
		c.backup.Flush()
	}

	d := &dispatch{}
	for _, l := range unmodified {
		l.mu.Lock()
		c.handlePendingMessages(d, l, DelayLock)
		l.mu.Unlock()
	}
	c.drainShortCircuit(d)

	if !abort && firstErr != nil {
		return firstErr
	}
	return nil
}

// Release unlocks a single line locked outside a transaction.
func (c *Cache) Release(id int64) {
	l := c.getLine(id)
	if l == nil {
		return
	}

	d := &dispatch{}
	l.mu.Lock()
	if c.unlockLine(l, nil) {
		if !l.is(flagModified) {
			c.handlePendingMessages(d, l, DelayLock)
		} else {
			c.backupLine(l)
		}
	}
	l.mu.Unlock()
	c.drainShortCircuit(d)
}

// backupLine schedules a single-line backup. Must be called with the
// line's mutex held.
func (c *Cache) backupLine(l *line) {
	l.setFlag(flagSlave, true)
	c.backup.StartBackup()
	c.backup.Backup(l.id, l.version)
	c.backup.EndBackup()
	if c.hasPendingMessages(l) {
		c.backup.Flush()
	}
}

// --------------------------------------------------------------------------
// Op handling
// --------------------------------------------------------------------------

func (c *Cache) handleOpGet(d *dispatch, l *line, t OpType, hint msg.NodeID, txn *Transaction, change int) (any, error) {
	if change&(lineStateChanged|lineOwnerChanged) == 0 {
		return resPending, nil
	}

	if l.is(flagDeleted) {
		if err := c.handleDeleted(l); err != nil {
			return nil, err
		}
	}

	if !c.transitionToS(d, l, hint) {
		if dirtyReads && t != OpGetS && l.version > 0 && !c.isPossibleInconsistencies(l) {
			return c.readData(l), nil
		}
		return resPending, nil
	}

	if t == OpGetS {
		c.lockLine(l, txn)
	}
	return c.readData(l), nil
}

func (c *Cache) handleOpGetX(d *dispatch, l *line, hint msg.NodeID, txn *Transaction, change int) (any, error) {
	if change&(lineStateChanged|lineOwnerChanged) == 0 {
		return resPending, nil
	}

	if l.is(flagDeleted) {
		if err := c.handleDeleted(l); err != nil {
			return nil, err
		}
	}

	if !c.transitionToE(d, l, hint) {
		return resPending, nil
	}

	c.lockLine(l, txn) // we only get here when >= O (see transitionToE)

	return c.readData(l), nil
}

func (c *Cache) handleOpGetFromOwner(l *line, extra any) any {
	get := extra.(*Op)
	if l.owner >= 0 {
		get.Extra = l.owner
	}
	return get
}

func (c *Cache) transitionToS(d *dispatch, l *line, hint msg.NodeID) bool {
	if l.state.isLessThan(StateS) {
		if c.setNextState(l, StateS) {
			c.send(d, msg.NewGet(getTarget(l, hint), l.id))
		}
		return false
	}
	return true
}

func (c *Cache) transitionToO(d *dispatch, l *line, hint msg.NodeID) bool {
	if l.state.isLessThan(StateO) {
		if c.setNextState(l, StateO) {
			c.send(d, msg.NewGetX(getTarget(l, hint), l.id))
		}
		return false
	}
	return true
}

func (c *Cache) transitionToE(d *dispatch, l *line, hint msg.NodeID) bool {
	if !c.transitionToO(d, l, hint) {
		return false
	}

	var res bool
	if l.state.isLessThan(StateE) {
		if c.setNextState(l, StateE) {
			for sharer := range l.sharers {
				if sharer != msg.Server { // server was already INVed in handleMessagePutX
					// owner may not be us but the previous owner - see handleMessagePutX
					c.send(d, msg.NewInv(sharer, l.id, l.owner))
				}
			}
		}
		if c.broadcastsRoutedToServer {
			// in this particular case we wait for the server to INVACK;
			// otherwise there may be consistency problems
			res = !l.sharers.contains(msg.Server)
		} else if !c.hasServer {
			// owner still holds the previous owner. Its INVACK means it
			// has INVed its slaves, so we're safe.
			res = !l.sharers.contains(l.owner)
		} else {
			// we don't wait for acks; GET messages are kept pending until
			// the transition completes
			res = true
		}
	} else {
		res = true
	}

	if res {
		l.setFlag(flagModified, true) // let slaves know we own the line
	}
	return res
}

func (c *Cache) handleOpSet(d *dispatch, l *line, data []byte, hint msg.NodeID, txn *Transaction, change int) (any, error) {
	if change&(lineStateChanged|lineOwnerChanged) == 0 {
		return resPending, nil
	}

	if l.is(flagDeleted) {
		if err := c.handleDeleted(l); err != nil {
			return nil, err
		}
	}

	// transitionToE sets MODIFIED, so the rollback snapshot takes the flag
	// as it was before this op
	modified := l.is(flagModified)
	if !c.transitionToE(d, l, hint) {
		return resPending, nil
	}
	if txn != nil && c.cfg.RollbackSupported && !txn.isRecorded(l.id) {
		txn.recordRollback(l.id, l.version, modified, cloneBytes(l.data))
	}

	if err := c.setData(l, data, txn); err != nil {
		return nil, err
	}

	if txn == nil && !l.isLocked() {
		c.backupLine(l)
	}
	return nil, nil
}

// handleDeleted resurrects reserved lines; anything else is gone.
func (c *Cache) handleDeleted(l *line) error {
	if IsReserved(l.id) {
		l.setFlag(flagDeleted, false)
		c.setState(l, StateE)
		return nil
	}
	return &RefNotFoundError{ID: l.id}
}

func (c *Cache) handleOpPut(op *Op) (any, error) {
	id := c.idAlloc.allocateIds(op, 1)
	if id == -1 {
		return resPending, nil
	}

	l := c.allocateLine()
	l.mu.Lock()
	l.id = id
	c.setState(l, StateE)
	c.setOwner(l, c.myNodeID())
	if err := c.setData(l, op.Data, op.Txn); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	c.lockLine(l, op.Txn)
	c.putLine(l)
	l.mu.Unlock()

	return id, nil
}

func (c *Cache) handleOpAlloc(op *Op) (any, error) {
	count := op.Extra.(int)
	id := c.idAlloc.allocateIds(op, count)
	if id == -1 {
		return resPending, nil
	}

	for i := 0; i < count; i++ {
		l := c.allocateLine()
		l.mu.Lock()
		l.id = id + int64(i)
		c.setState(l, StateE)
		c.setOwner(l, c.myNodeID())
		if err := c.setData(l, nil, op.Txn); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		c.lockLine(l, op.Txn)
		c.putLine(l)
		l.mu.Unlock()
	}
	return id, nil
}

func (c *Cache) handleOpDel(d *dispatch, l *line, hint msg.NodeID, txn *Transaction, change int) (any, error) {
	if change&(lineStateChanged|lineOwnerChanged) == 0 {
		return resPending, nil
	}

	if l.is(flagDeleted) {
		// a reserved id is owned exclusively again; anything else is gone
		return nil, c.handleDeleted(l)
	}

	if !c.transitionToE(d, l, hint) {
		return resPending, nil
	}

	id := l.id
	l.setFlag(flagDeleted, true)

	if c.hasServer {
		if l.state == StateE {
			c.setState(l, StateO)
		}
		l.sharers.add(msg.Server)
		c.send(d, msg.NewDel(msg.Server, id))
	} else {
		c.setState(l, StateI)
	}

	c.deallocateStorage(id, l.data)
	l.data = nil

	c.fireLineEvicted(l)
	return nil, nil
}

func (c *Cache) handleOpSend(d *dispatch, l *line, extra any, op *Op, change int) (any, error) {
	if l.is(flagDeleted) {
		if err := c.handleDeleted(l); err != nil {
			return nil, err
		}
	}

	if change&lineOwnerChanged == 0 {
		return resPending, nil // there's no reason to resend
	}

	m := extra.(*msg.Message)
	if m.To != msg.NoNode && m.To == l.owner {
		return resPending, nil // there's no reason to resend
	}

	if !l.state.isLessThan(StateO) {
		// we are the owner: redeliver locally
		local := *m
		local.Node = c.myNodeID()
		local.ReplyRequired = false
		d.park(&local)
		return nil, nil
	}

	// we make a copy of the message because the original may have been
	// sent already and sit in comm queues; changing its target would
	// cause trouble
	fwd := msg.NewMsg(l.owner, m.Line, m.Data)
	c.send(d, fwd)
	if op != nil {
		op.Extra = fwd
	}
	// unlike other ops, this one always stays pending and is completed by
	// handleMessageMsgAck
	return resPending, nil
}

func (c *Cache) handleOpPush(d *dispatch, l *line, extra any, change int) any {
	if change&lineModifiedChanged == 0 {
		return resPending
	}

	if l.state.isLessThan(StateO) {
		log.Infof("attempt to push line %x while state is only %s", l.id, l.state)
		return nil
	}

	c.setState(l, StateO)
	nodes := extra.([]msg.NodeID)
	for _, node := range nodes {
		l.sharers.add(node)
	}

	for _, node := range nodes {
		c.send(d, msg.NewPut(node, l.id, l.version, c.readData(l)))
	}
	return nil
}

func (c *Cache) handleOpPushX(d *dispatch, l *line, extra any, change int) any {
	if change&lineModifiedChanged == 0 {
		return resPending
	}

	if l.state.isLessThan(StateE) {
		log.Infof("attempt to push line %x while state is only %s", l.id, l.state)
		return nil
	}

	toNode := extra.(msg.NodeID)
	c.setOwner(l, toNode)
	sharers := l.sharers.slice()
	c.setState(l, StateI)

	c.send(d, msg.NewPutX(toNode, l.id, sharers, l.version, c.readData(l)))
	return nil
}

func (c *Cache) handleOpListen(l *line, extra any) any {
	listener, _ := extra.(Listener)
	l.listener = listener
	return nil
}

func nodeHintOf(extra any) msg.NodeID {
	if hint, ok := extra.(msg.NodeID); ok {
		return hint
	}
	return msg.NoNode
}

func getTarget(l *line, hint msg.NodeID) msg.NodeID {
	target := l.owner
	if target < 0 {
		target = hint
	}
	return target
}

// setData writes line content under an optional transaction, recording
// the rollback snapshot before the first write.
func (c *Cache) setData(l *line, data []byte, txn *Transaction) error {
	if txn != nil && c.cfg.RollbackSupported && !txn.isRecorded(l.id) {
		txn.recordRollback(l.id, l.version, l.is(flagModified), cloneBytes(l.data))
	}
	changed, err := c.writeData(l, data)
	if err != nil {
		return err
	}
	if changed || l.version == 0 { // first write always updates version, even a null one
		l.version++
		l.setFlag(flagModified, true)
		log.Debugf("line %x now has a new version %d, setting to modified", l.id, l.version)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message handling
// --------------------------------------------------------------------------

func (c *Cache) handleMessageGet(d *dispatch, m *msg.Message, l *line) (int, error) {
	if c.handleNotOwner(d, m, l) {
		return lineNoChange, nil
	}
	if err := relevantStates(l, StateE, StateO); err != nil {
		return 0, err
	}

	change := lineNoChange
	if c.setState(l, StateO) {
		change |= lineStateChanged
	}
	l.sharers.add(m.Node)

	c.send(d, msg.NewPutReply(m, l.version, c.readData(l)))
	return change, nil
}

func (c *Cache) handleMessagePut(m *msg.Message, l *line) (int, error) {
	if err := relevantStates(l, StateI, StateS); err != nil {
		return 0, err
	}

	if l.version > m.Version {
		return lineNoChange, nil
	}

	change := lineNoChange
	if c.setState(l, StateS) {
		change |= lineStateChanged
	}
	if c.setOwner(l, m.Node) {
		change |= lineOwnerChanged
	}
	l.version = m.Version
	if _, err := c.writeData(l, m.Data); err != nil {
		return change, err
	}
	if dirtyReads {
		c.setOwnerClock(l, m)
	}

	c.fireLineReceived(l)
	return change, nil
}

func (c *Cache) handleMessageGetX(d *dispatch, m *msg.Message, l *line) (int, error) {
	if c.handleNotOwner(d, m, l) {
		return lineNoChange, nil
	}
	if err := relevantStates(l, StateE, StateO); err != nil {
		return 0, err
	}

	if l.is(flagSlave) {
		if c.backup.Inv(l.id, m.Node) {
			l.setFlag(flagSlave, false)
		}
	}

	if !c.hasServer && l.is(flagSlave) {
		l.sharers.add(c.myNodeID())
	}

	sharers := l.sharers.slice() // setState will replace the sharer set

	change := lineNoChange
	next := StateI
	if !c.hasServer && l.is(flagSlave) {
		next = StateS
	}
	if c.setState(l, next) {
		change |= lineStateChanged
	}
	if c.setOwner(l, m.Node) {
		change |= lineOwnerChanged
	}

	c.send(d, msg.NewPutXReply(m, sharers, l.version, c.readData(l)))

	return change, nil
}

func (c *Cache) handleMessagePutX(d *dispatch, m *msg.Message, l *line) (int, error) {
	if err := relevantStates(l, StateI, StateS); err != nil {
		return 0, err
	}
	if l.version > m.Version {
		log.Warningf("got PUTX with version %d which is older than current version %d", m.Version, l.version)
		return lineNoChange, nil
	}

	sharers := make(sharerSet, len(m.Sharers)+1)
	for _, s := range m.Sharers {
		sharers.add(s)
	}
	if c.hasServer && m.Node != msg.Server {
		// make sure the server is notified of the ownership transfer;
		// done by INV below
		sharers.add(msg.Server)
	}
	sharers.remove(c.myNodeID()) // don't INV myself

	change := lineNoChange
	if l.state.isLessThan(StateO) {
		change |= lineOwnerChanged
	}
	if sharers.isEmpty() {
		if c.setState(l, StateE) {
			change |= lineStateChanged
		}
		if c.setOwner(l, c.myNodeID()) {
			change |= lineOwnerChanged
		}
	} else {
		if c.setState(l, StateO) {
			change |= lineStateChanged
		}
		c.setOwner(l, m.Node) // we set owner to the PREVIOUS owner - used for routing INVs
	}
	for s := range sharers {
		l.sharers.add(s)
	}
	l.version = m.Version
	if _, err := c.writeData(l, m.Data); err != nil {
		return change, err
	}

	if dirtyReads {
		c.setOwnerClock(l, m)
	}

	c.fireLineReceived(l)

	if c.hasServer && m.Node != msg.Server {
		c.send(d, msg.NewInv(msg.Server, l.id, m.Node))
	}
	return change, nil
}

func (c *Cache) handleMessageInvalidate(d *dispatch, m *msg.Message, l *line) (int, error) {
	if c.cluster.IsMaster() {
		if err := relevantStates(l, StateS, StateI, StateO); err != nil {
			return 0, err
		}
	} else {
		if err := relevantStates(l, StateI, StateE); err != nil {
			return 0, err
		}
	}

	owner := m.Node
	if m.Node == msg.Server || m.Node == c.myNodeID() {
		owner = m.PrevOwner
	}

	change := lineNoChange
	c.setNextState(l, stateNone)
	if c.setState(l, StateI) {
		change |= lineStateChanged
	}
	if c.setOwner(l, owner) {
		change |= lineOwnerChanged
	}
	// if we have pending ops (a nextState), we do nothing here - when the
	// owner unlocks the line it will respond
	if dirtyReads {
		c.setOwnerClock(l, m)
	}

	if c.cluster.IsMaster() {
		if l.is(flagSlave) {
			if c.backup.Inv(l.id, owner) {
				l.setFlag(flagSlave, false)
			}
		}

		if l.is(flagSlave) {
			c.addPendingMessage(l, m)
		} else if m.Node != msg.Server {
			c.send(d, msg.NewInvAck(m))
		}
	}
	return change, nil
}

func (c *Cache) handleMessageInvalidateAck(d *dispatch, m *msg.Message, l *line) (int, error) {
	// invack from our slave
	if m.Node == c.myNodeID() {
		if l.isLocked() {
			c.addPendingMessage(l, m)
			return lineNoChange, nil
		}

		if err := relevantStates(l, StateI, StateS); err != nil {
			return 0, err
		}

		l.setFlag(flagSlave, false)
		change := lineModifiedChanged
		if l.state == StateS { // we assume the owner would want us to INV
			c.setNextState(l, stateNone)
			if c.setState(l, StateI) {
				change |= lineStateChanged
			}
			if dirtyReads {
				c.setOwnerClock(l, m)
			}
			c.send(d, msg.NewInvAckTo(l.owner, l.id))
		}
		return change, nil
	}

	// invack from a peer
	if err := relevantStates(l, StateO); err != nil {
		return 0, err
	}
	change := lineNoChange
	l.sharers.remove(m.Node)
	if l.sharers.isEmpty() {
		next := StateE
		if l.is(flagDeleted) {
			next = StateI
		}
		if c.setState(l, next) {
			change |= lineStateChanged
		}
		if c.setOwner(l, c.myNodeID()) {
			change |= lineOwnerChanged
		}
		change |= lineStateChanged
	} else if (c.broadcastsRoutedToServer && m.Node == msg.Server) ||
		(!c.hasServer && m.Node == l.owner) {
		// the ack that completes the wait-set also drives the drain
		change |= lineStateChanged
	}
	if m.ReplyTo == 0 {
		c.send(d, msg.NewAck(m))
	}

	return change, nil
}

func (c *Cache) handleMessageNotFound(m *msg.Message, l *line) (int, error) {
	if err := relevantStates(l, StateI); err != nil {
		return 0, err
	}

	if m.Node == msg.Server || !c.hasServer {
		l.setFlag(flagDeleted, true)
		return lineStateChanged, nil
	}
	c.setOwner(l, msg.Server)
	c.setNextState(l, stateNone)
	return lineOwnerChanged, nil
}

func (c *Cache) handleMessageChngdOwnr(m *msg.Message, l *line) (int, error) {
	// S doesn't mean we're certain about the owner: ownership transfer
	// (PUTX) happens before the INVs go out
	if err := relevantStates(l, StateI, StateS); err != nil {
		return 0, err
	}

	if m.NewOwner != msg.NoNode {
		if _, ok := c.cluster.GetMaster(m.NewOwner); !ok {
			// either the sender has not seen the removal of the new owner
			// yet, or we have not seen its addition
			log.Debugf("not changing owner of %x to %d because node is not in the cluster", l.id, m.NewOwner)
			c.setNextState(l, stateNone)
			return lineOwnerChanged, nil // ... but we retry the op; hopefully the cluster info syncs up
		}
	}

	if c.setOwner(l, m.NewOwner) {
		change := lineOwnerChanged

		if m.Node == msg.Server && m.NewOwner == c.myNodeID() {
			c.setState(l, StateE) // it's me! probably we sent PUTX to a node that died
			change |= lineStateChanged
		}

		// force the pending ops to resend their messages
		c.setNextState(l, stateNone)
		return change, nil
	}
	return lineNoChange, nil
}

func (c *Cache) handleMessageMsgAck(ack *msg.Message, l *line) (int, error) {
	var sendOp *Op
	for _, op := range c.getPendingOps(l) {
		if op.Type == OpSend {
			if m, ok := op.Extra.(*msg.Message); ok && m.ID == ack.ReplyTo {
				sendOp = op
				break
			}
		}
	}
	if sendOp != nil {
		c.completeOp(sendOp, nil, true)
		c.removePendingOp(l, sendOp)
	}
	return lineNoChange, nil
}

func (c *Cache) handleMessageTimeout(m *msg.Message, l *line) (int, error) {
	for _, op := range c.getPendingOps(l) {
		op.createFuture()
		log.Infof("TIMEOUT: %s", op)
		op.fut.resolve(nil, ErrTimeout)
	}
	c.setPendingOps(l, nil)
	l.nextState = stateNone
	return lineStateChanged, nil
}

func (c *Cache) handleMessageBackup(m *msg.Message, l *line) (int, error) {
	if c.cluster.IsMaster() {
		log.Warningf("received backup message while master (ignoring): %s", m)
		return lineNoChange, nil
	}

	if l.version > m.Version {
		return lineNoChange, nil
	}

	// state is set to E: when the master dies, the node-event sweep on
	// the other peers moves their S lines to I, so we don't track sharers
	change := lineNoChange
	if c.setState(l, StateE) {
		change |= lineStateChanged
	}
	if c.setOwner(l, m.Node) {
		change |= lineOwnerChanged
	}
	l.version = m.Version
	if _, err := c.writeData(l, m.Data); err != nil {
		return change, err
	}

	c.fireLineReceived(l)
	return change, nil
}

func (c *Cache) handleMessageBackupAck(m *msg.Message, l *line) (int, error) {
	if err := relevantStates(l, StateO, StateE); err != nil {
		return 0, err
	}

	change := lineNoChange
	if l.is(flagModified) && l.version == m.Version {
		log.Debugf("backup of line %x version %d done, setting to unmodified", l.id, l.version)
		l.setFlag(flagModified, false)
		change |= lineModifiedChanged
	}
	return change, nil
}

// --------------------------------------------------------------------------
// Node event handling
// --------------------------------------------------------------------------

// NodeAdded implements cluster.NodeChangeListener.
func (c *Cache) NodeAdded(node msg.NodeID) {
}

// NodeRemoved sweeps all lines referring to the removed node: shared
// lines it owned are invalidated and retargeted, owned lines drop it
// from their sharer sets, and its queued messages are discarded.
func (c *Cache) NodeRemoved(node msg.NodeID) {
	log.Infof("node %d removed", node)
	newOwner := msg.NoNode
	if c.hasServer {
		newOwner = msg.Server
	}

	event := nodeEvent{node: node, newOwner: newOwner}
	c.nodeEvents.add(event)
	d := &dispatch{inNodeEvent: true}

	c.processLines(func(l *line) {
		// drop pending messages from the removed node
		msgs := c.getPendingMessages(l)
		var keep []*msg.Message
		for _, m := range msgs {
			if m.Node != node {
				keep = append(keep, m)
			}
		}
		if len(keep) != len(msgs) {
			c.setPendingMessages(l, keep)
		}
		c.processLineOnNodeEvent(d, l, node, newOwner)
	})

	c.nodeEvents.remove(event)
	d.inNodeEvent = false
	c.drainShortCircuit(d)
}

// NodeSwitched handles a slave taking over for its master: dirty reads
// from that node are disabled for the duration of the sweep, shared
// lines it owned are invalidated (its slave believes they are E), and it
// is removed from all sharer sets (S lines are not backed up).
func (c *Cache) NodeSwitched(node msg.NodeID) {
	event := nodeEvent{node: node, newOwner: node}
	c.nodeEvents.add(event)
	d := &dispatch{inNodeEvent: true}

	if dirtyReads {
		c.resetOwnerClock(node, -1)
	}

	c.processLines(func(l *line) {
		c.processLineOnNodeEvent(d, l, node, node)
	})

	if dirtyReads {
		c.resetOwnerClock(node, 1) // now puts can update the clock again
	}

	c.nodeEvents.remove(event)
	d.inNodeEvent = false
	c.drainShortCircuit(d)
}

// handleNodeEvents applies currently-registered membership changes to a
// line before normal dispatch touches it. Must be called with the line's
// mutex held.
func (c *Cache) handleNodeEvents(d *dispatch, l *line) {
	if l == nil || d.inNodeEvent {
		return
	}
	for _, e := range c.nodeEvents.snapshot() {
		c.processLineOnNodeEvent(d, l, e.node, e.newOwner)
	}
}

// processLineOnNodeEvent must be called with the line's mutex held.
func (c *Cache) processLineOnNodeEvent(d *dispatch, l *line, node, newOwner msg.NodeID) {
	if l.state.isLessThan(StateO) && l.owner == node {
		// the dead node's slaves hold these lines as E, so S must go to I
		log.Debugf("node %d switched/removed - owned line %s, setting to I and owner to %d", node, l, newOwner)

		change := lineNoChange
		if c.setState(l, StateI) {
			change |= lineStateChanged
		}
		c.setNextState(l, stateNone)
		if node != newOwner {
			if c.setOwner(l, newOwner) {
				change |= lineOwnerChanged
			}
		}
		l.ownerClock = 0
		c.handlePendingOps(d, l, change)
	} else if l.state == StateO && l.sharers.remove(node) {
		log.Debugf("node %d switched/removed - removing from sharers of line %s", node, l)
		if l.sharers.isEmpty() {
			c.setState(l, StateE)
			c.handlePendingOps(d, l, lineStateChanged)
		}
	}
}

// processLines runs f over every line in both tables, under each line's
// mutex.
func (c *Cache) processLines(f func(l *line)) {
	c.owned.Range(func(_ int64, l *line) bool {
		l.mu.Lock()
		f(l)
		l.mu.Unlock()
		return true
	})
	c.shared.lines.Range(func(_ int64, l *line) bool {
		l.mu.Lock()
		f(l)
		l.mu.Unlock()
		return true
	})
}

// --------------------------------------------------------------------------
// Backup integration
// --------------------------------------------------------------------------

// BackupData implements backup.Source: it reads an owned line's current
// content for replication.
func (c *Cache) BackupData(id int64) ([]byte, uint64, bool) {
	l := c.getLine(id)
	if l == nil {
		return nil, 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.isLessThan(StateO) {
		return nil, 0, false
	}
	return cloneBytes(l.data), l.version, true
}

// ApplyBackup implements backup.Slave: it installs replicated content on
// a slave-role node.
func (c *Cache) ApplyBackup(id int64, version uint64, data []byte) {
	m := msg.NewBackup(c.myNodeID(), id, version, data)
	m.Node = c.myNodeID()
	c.Receive(m)
}

// ApplyInv implements backup.Slave: the master is giving up ownership of
// the line, so the slave's copy must go.
func (c *Cache) ApplyInv(id int64, newOwner msg.NodeID) {
	m := msg.NewInv(c.myNodeID(), id, newOwner)
	m.Node = c.myNodeID()
	c.Receive(m)
}

// --------------------------------------------------------------------------
// Implementation details
// --------------------------------------------------------------------------

// setNextState records the transition target. nextState only ever
// advances; stateNone clears it. Must be called with the line's mutex
// held.
func (c *Cache) setNextState(l *line, next State) bool {
	if l.nextState == next {
		return false
	}
	if l.nextState == stateNone || next == stateNone || l.nextState.isLessThan(next) {
		l.nextState = next
		if next == StateS || next == StateO {
			c.monitor.AddMiss()
		}
		if next == StateE {
			c.monitor.AddInvalidate(len(l.sharers))
		}
		return true
	}
	return false
}

// setState performs the transition, migrating the line between the owned
// and shared tables and managing the sharer set. Must be called with the
// line's mutex held.
func (c *Cache) setState(l *line, state State) bool {
	if l.nextState != stateNone && (l.nextState == state || l.nextState.isLessThan(state)) {
		l.nextState = stateNone
	}
	if l.state == state {
		return false
	}
	log.Debugf("set state %x %s -> %s", l.id, l.state, state)

	if !state.isLessThan(StateO) && l.state.isLessThan(StateO) {
		c.owned.Store(l.id, l)
		c.shared.remove(l.id)
	} else if state.isLessThan(StateO) && !l.state.isLessThan(StateO) {
		c.shared.put(l.id, l)
		c.owned.Delete(l.id)
	}

	l.state = state
	if !state.isLessThan(StateO) {
		if l.sharers != nil {
			c.deallocateSharerSet(l.sharers)
		}
		l.sharers = c.allocateSharerSet()
	} else if l.sharers != nil {
		c.deallocateSharerSet(l.sharers)
		l.sharers = nil
	}
	if state == StateI && !l.is(flagDeleted) {
		c.fireLineInvalidated(l)
	}
	return true
}

// setOwner must be called AFTER setState, with the line's mutex held.
func (c *Cache) setOwner(l *line, owner msg.NodeID) bool {
	if owner == l.owner {
		return false
	}
	log.Debugf("set owner %x %d -> %d", l.id, l.owner, owner)
	l.owner = owner
	return true
}

// writeData stores data into the line, returning whether the content
// changed. Must be called with the line's mutex held and after setState
// (the shared table is re-weighed for sub-O lines).
func (c *Cache) writeData(l *line, data []byte) (bool, error) {
	if data == nil {
		return c.writeNull(l), nil
	}
	if len(data) > c.cfg.MaxItemSize {
		return false, &SizeExceededError{Size: len(data), Max: c.cfg.MaxItemSize}
	}

	if c.cfg.CompareBeforeWrite && l.data != nil && bytes.Equal(l.data, data) {
		return false, nil
	}

	c.allocateLineData(l, len(data))
	copy(l.data, data)
	if l.state.isLessThan(StateO) {
		c.shared.put(l.id, l) // weight changed
	}
	return true, nil
}

func (c *Cache) writeNull(l *line) bool {
	if l.data == nil {
		return false
	}
	c.deallocateStorage(l.id, l.data)
	l.data = nil
	if l.state.isLessThan(StateO) {
		c.shared.put(l.id, l) // weight changed
	}
	return true
}

func (c *Cache) allocateLineData(l *line, size int) {
	if l.data != nil {
		// reuse the buffer when it fits and isn't wildly oversized
		if cap(l.data) >= size && cap(l.data) < size*4 {
			l.data = l.data[:size]
			return
		}
		c.deallocateStorage(l.id, l.data)
		l.data = nil
	}
	log.Debugf("allocating storage (%d bytes) for line %x", size, l.id)
	l.data = c.storage.Allocate(size)
}

// readData returns a copy of the line's content. Must be called with the
// line's mutex held.
func (c *Cache) readData(l *line) []byte {
	return cloneBytes(l.data)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// createNewLine creates and publishes an I line for the id.
func (c *Cache) createNewLine(id int64) *line {
	l := c.allocateLine()
	l.id = id
	return c.putLine(l)
}

// putLine publishes a line in the table matching its state, returning
// the winning record.
func (c *Cache) putLine(l *line) *line {
	if l.state.isLessThan(StateO) {
		// put (not putIfAbsent) so that the eviction weights are updated
		old := c.shared.put(l.id, l)
		if old != nil && old != l {
			c.evictLine(old, false)
		}
		return l
	}
	old, loaded := c.owned.LoadOrStore(l.id, l)
	if loaded && old != l {
		c.discardLine(&dispatch{}, l, false)
		return old
	}
	return l
}

// removeLine drops a line from whichever table holds it.
func (c *Cache) removeLine(id int64) {
	if _, ok := c.owned.LoadAndDelete(id); !ok {
		c.shared.remove(id)
	}
}

// onSharedEvict is the shared table's eviction callback. It runs without
// any lock held; TryLock avoids lock inversion with goroutines that
// already hold the victim's mutex and are waiting on the table.
func (c *Cache) onSharedEvict(l *line) bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()

	if !l.state.isLessThan(StateO) || l.isLocked() ||
		len(c.getPendingOps(l)) > 0 || c.hasPendingMessages(l) {
		return false // line is in use, re-admit
	}

	c.discardLine(&dispatch{}, l, true)
	return true
}

// evictLine discards a line and removes it from its table.
func (c *Cache) evictLine(l *line, invack bool) {
	l.mu.Lock()
	id := l.id
	c.discardLine(&dispatch{}, l, invack)
	l.mu.Unlock()
	c.removeLine(id)
}

// discardLine releases everything a line holds. Must be called with the
// line's mutex held.
func (c *Cache) discardLine(d *dispatch, l *line, invack bool) {
	log.Debugf("evicted %s", l)
	c.fireLineEvicted(l)
	if invack && l.state == StateS {
		c.send(d, msg.NewInvAckTo(l.owner, l.id))
	}
	c.deallocateStorage(l.id, l.data)
	l.data = nil
	c.clearLine(l)
	c.deallocateLine(l)
}

// clearLine must be called with the line's mutex held.
func (c *Cache) clearLine(l *line) {
	if l.sharers != nil {
		c.deallocateSharerSet(l.sharers)
	}
	l.id = 0
	l.flags = 0
	l.state = StateI
	l.nextState = stateNone
	l.owner = msg.NoNode
	l.sharers = nil
	l.version = 0
	l.ownerClock = 0
	l.data = nil
	l.listener = nil
}

// lockLine pins the line; must be called with the line's mutex held.
func (c *Cache) lockLine(l *line, txn *Transaction) {
	log.Debugf("locking line %s", l)
	l.lock()
	if txn != nil {
		txn.addLine(l.id)
	}
}

// unlockLine unpins the line; must be called with the line's mutex held.
func (c *Cache) unlockLine(l *line, txn *Transaction) bool {
	log.Debugf("unlocking line %s", l)
	if !l.isLocked() {
		return false
	}
	l.unlock()
	return true
}

// send hands a message to the transport. A vanished target is answered
// locally: INVACK for INV, an uncertain CHNGD_OWNR for GET/GETX.
func (c *Cache) send(d *dispatch, m *msg.Message) {
	log.Debugf("sending: %s", m)
	if err := c.comm.Send(m); err != nil {
		if errors.Is(err, comm.ErrNodeNotFound) {
			if resp := genResponse(m); resp != nil {
				resp.Node = m.To // as if the dead node answered
				log.Debugf("auto response: %s (to: %s)", resp, m)
				d.park(resp)
			}
		} else {
			log.Errorf("send of %s failed: %v", m, err)
		}
	}
	c.monitor.AddMessageSent(m.MsgType)
}

func genResponse(m *msg.Message) *msg.Message {
	switch m.MsgType {
	case msg.MsgTInv:
		return msg.NewInvAck(m)
	case msg.MsgTGet, msg.MsgTGetX:
		return msg.NewChngdOwnr(m, m.Line, msg.NoNode, false)
	default:
		return nil // don't respond
	}
}

// getLine finds the line in either table.
func (c *Cache) getLine(id int64) *line {
	if l, ok := c.owned.Load(id); ok {
		return l
	}
	if l, ok := c.shared.get(id); ok {
		return l
	}
	return nil
}

// --------------------------------------------------------------------------
// Pooling
// --------------------------------------------------------------------------

func (c *Cache) allocateLine() *line {
	if c.freeLines != nil {
		select {
		case l := <-c.freeLines:
			return l
		default:
		}
	}
	return &line{state: StateI, nextState: stateNone, owner: msg.NoNode}
}

func (c *Cache) deallocateLine(l *line) {
	if c.freeLines == nil {
		return
	}
	select {
	case c.freeLines <- l:
	default: // free list full
	}
}

func (c *Cache) allocateSharerSet() sharerSet {
	if c.freeSharerSets != nil {
		select {
		case s := <-c.freeSharerSets:
			return s
		default:
		}
	}
	return make(sharerSet, sharerSetDefaultSize)
}

func (c *Cache) deallocateSharerSet(s sharerSet) {
	if c.freeSharerSets == nil {
		return
	}
	s.clear()
	select {
	case c.freeSharerSets <- s:
	default:
	}
}

// --------------------------------------------------------------------------
// Listener events
// --------------------------------------------------------------------------

func (c *Cache) eachListener(l *line, f func(lst Listener)) {
	fire := func(lst Listener) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("listener panicked: %v", r)
			}
		}()
		f(lst)
	}

	if l.listener != nil {
		fire(l.listener)
	}
	c.listenersMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, lst := range listeners {
		fire(lst)
	}
}

func (c *Cache) fireLineInvalidated(l *line) {
	c.eachListener(l, func(lst Listener) {
		lst.Invalidated(l.id)
	})
}

func (c *Cache) fireLineReceived(l *line) {
	id, version, data := l.id, l.version, cloneBytes(l.data)
	c.eachListener(l, func(lst Listener) {
		lst.Received(id, version, data)
	})
}

func (c *Cache) fireLineEvicted(l *line) {
	c.eachListener(l, func(lst Listener) {
		lst.Evicted(l.id)
	})
}

func (c *Cache) deallocateStorage(id int64, buf []byte) {
	if buf != nil {
		log.Debugf("deallocating storage for line %x", id)
		c.storage.Deallocate(id, buf)
	}
}

// relevantStates guards a message handler against states it is not
// defined for.
func relevantStates(l *line, states ...State) error {
	for _, s := range states {
		if l.state == s {
			return nil
		}
	}
	return errIrrelevantState
}
