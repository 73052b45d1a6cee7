package msg

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Node Identifiers
// --------------------------------------------------------------------------

// NodeID identifies a node in the cluster.
type NodeID int16

const (
	// Server is the reserved id of the directory node (if the cluster has one).
	Server NodeID = 0

	// NoNode means "no/unknown node". As a send target it requests a broadcast.
	NoNode NodeID = -1
)

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// Type enumerates the message kinds of the coherence protocol.
type Type uint8

const (
	MsgTGet       Type = iota // read request, owner replies with PUT
	MsgTGetX                  // ownership request, owner replies with PUTX
	MsgTPut                   // line data from the owner (makes receiver a sharer)
	MsgTPutX                  // ownership transfer carrying the sharer set
	MsgTInv                   // invalidate a shared copy
	MsgTInvAck                // acknowledge an INV (or a shared-copy eviction)
	MsgTDel                   // notify the directory of a deletion
	MsgTNotFound              // the requested line does not exist (anymore)
	MsgTChngdOwnr             // redirect: the line is owned by another node
	MsgTMsg                   // application-level message routed to the owner
	MsgTMsgAck                // acknowledge a MSG
	MsgTBackup                // master -> slave line replication
	MsgTBackupAck             // slave -> master replication acknowledgment
	MsgTTimeout               // internal: fail all pending ops on a line
	MsgTAck                   // generic acknowledgment (broadcast replies)
)

func (t Type) String() string {
	switch t {
	case MsgTGet:
		return "GET"
	case MsgTGetX:
		return "GETX"
	case MsgTPut:
		return "PUT"
	case MsgTPutX:
		return "PUTX"
	case MsgTInv:
		return "INV"
	case MsgTInvAck:
		return "INVACK"
	case MsgTDel:
		return "DEL"
	case MsgTNotFound:
		return "NOT_FOUND"
	case MsgTChngdOwnr:
		return "CHNGD_OWNR"
	case MsgTMsg:
		return "MSG"
	case MsgTMsgAck:
		return "MSGACK"
	case MsgTBackup:
		return "BACKUP"
	case MsgTBackupAck:
		return "BACKUPACK"
	case MsgTTimeout:
		return "TIMEOUT"
	case MsgTAck:
		return "ACK"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single protocol message. Which fields are used
// depends on the message type.
//
// ID is stamped by the transport on send and is monotonically increasing
// per sender; the dirty-read machinery relies on this.
type Message struct {
	MsgType Type `json:"msg_type"`

	// Routing
	ID      uint64 `json:"id,omitempty"`       // per-sender monotonic message id
	ReplyTo uint64 `json:"reply_to,omitempty"` // id of the request this answers (0 = unsolicited)
	Node    NodeID `json:"node"`               // sender, stamped by the transport
	To      NodeID `json:"to"`                 // target; NoNode = broadcast

	// Line-level fields. Line is -1 for node-level messages.
	Line    int64  `json:"line"`
	Version uint64 `json:"version,omitempty"` // Used for: PUT, PUTX, BACKUP, BACKUPACK

	PrevOwner     NodeID   `json:"prev_owner,omitempty"` // Used for: INV
	NewOwner      NodeID   `json:"new_owner,omitempty"`  // Used for: CHNGD_OWNR
	Certain       bool     `json:"certain,omitempty"`    // Used for: CHNGD_OWNR
	Sharers       []NodeID `json:"sharers,omitempty"`    // Used for: PUTX
	ReplyRequired bool     `json:"reply_required,omitempty"`
	Data          []byte   `json:"data,omitempty"` // Used for: PUT, PUTX, MSG, BACKUP

	// Timestamp (wall-clock Unix nanos) set on receive, for delay accounting.
	// Not serialized.
	Timestamp int64 `json:"-"`
}

// IsBroadcast reports whether this message was sent to all peers rather
// than a specific node.
func (m *Message) IsBroadcast() bool {
	return m.To == NoNode
}

func (m *Message) String() string {
	return fmt.Sprintf("%s{id: %d, node: %d, to: %d, line: %x, ver: %d}",
		m.MsgType, m.ID, m.Node, m.To, m.Line, m.Version)
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// reply fills the routing fields of a response to req.
func reply(m *Message, req *Message) *Message {
	m.To = req.Node
	m.Line = req.Line
	m.ReplyTo = req.ID
	return m
}

// NewGet creates a read request for line. A NoNode target broadcasts.
func NewGet(to NodeID, line int64) *Message {
	return &Message{MsgType: MsgTGet, To: to, Line: line}
}

// NewGetX creates an ownership request for line. A NoNode target broadcasts.
func NewGetX(to NodeID, line int64) *Message {
	return &Message{MsgType: MsgTGetX, To: to, Line: line}
}

// NewPut creates a PUT carrying the line's current content.
func NewPut(to NodeID, line int64, version uint64, data []byte) *Message {
	return &Message{MsgType: MsgTPut, To: to, Line: line, Version: version, Data: data}
}

// NewPutReply creates a PUT answering the given GET.
func NewPutReply(req *Message, version uint64, data []byte) *Message {
	return reply(&Message{MsgType: MsgTPut, Version: version, Data: data}, req)
}

// NewPutX creates an ownership transfer carrying the current sharer set.
func NewPutX(to NodeID, line int64, sharers []NodeID, version uint64, data []byte) *Message {
	return &Message{MsgType: MsgTPutX, To: to, Line: line, Sharers: sharers, Version: version, Data: data}
}

// NewPutXReply creates a PUTX answering the given GETX.
func NewPutXReply(req *Message, sharers []NodeID, version uint64, data []byte) *Message {
	return reply(&Message{MsgType: MsgTPutX, Sharers: sharers, Version: version, Data: data}, req)
}

// NewInv creates an invalidation request. prevOwner names the owner the
// receiver should fall back to for subsequent reads.
func NewInv(to NodeID, line int64, prevOwner NodeID) *Message {
	return &Message{MsgType: MsgTInv, To: to, Line: line, PrevOwner: prevOwner}
}

// NewInvAck acknowledges the given INV.
func NewInvAck(req *Message) *Message {
	return reply(&Message{MsgType: MsgTInvAck}, req)
}

// NewInvAckTo creates an unsolicited INVACK (shared-copy eviction, slave sync).
func NewInvAckTo(to NodeID, line int64) *Message {
	return &Message{MsgType: MsgTInvAck, To: to, Line: line}
}

// NewDel notifies the directory that line has been deleted.
func NewDel(to NodeID, line int64) *Message {
	return &Message{MsgType: MsgTDel, To: to, Line: line}
}

// NewNotFound tells the requester the line does not exist.
func NewNotFound(req *Message) *Message {
	return reply(&Message{MsgType: MsgTNotFound}, req)
}

// NewChngdOwnr redirects the requester to newOwner. certain is false when
// the sender only believes (but does not know) who the owner is.
func NewChngdOwnr(req *Message, line int64, newOwner NodeID, certain bool) *Message {
	m := reply(&Message{MsgType: MsgTChngdOwnr, NewOwner: newOwner, Certain: certain}, req)
	m.Line = line
	return m
}

// NewMsg creates an application-level message for the owner of line.
// Pass line -1 for a node-level message.
func NewMsg(to NodeID, line int64, data []byte) *Message {
	return &Message{MsgType: MsgTMsg, To: to, Line: line, Data: data, ReplyRequired: true}
}

// NewMsgAck acknowledges the given MSG.
func NewMsgAck(req *Message) *Message {
	return reply(&Message{MsgType: MsgTMsgAck}, req)
}

// NewBackup creates a master -> slave replication message.
func NewBackup(to NodeID, line int64, version uint64, data []byte) *Message {
	return &Message{MsgType: MsgTBackup, To: to, Line: line, Version: version, Data: data}
}

// NewBackupAck acknowledges the replication of line at version.
func NewBackupAck(to NodeID, line int64, version uint64) *Message {
	return &Message{MsgType: MsgTBackupAck, To: to, Line: line, Version: version}
}

// NewTimeout creates the internal message that fails all pending ops on line.
func NewTimeout(to NodeID, line int64) *Message {
	return &Message{MsgType: MsgTTimeout, To: to, Line: line}
}

// NewAck creates a generic acknowledgment for req (broadcast replies).
func NewAck(req *Message) *Message {
	return reply(&Message{MsgType: MsgTAck}, req)
}
