package msg

import (
	"encoding/binary"
	"fmt"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() ISerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements ISerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasReplyTo   byte = 1 << 0
	hasVersion   byte = 1 << 1
	hasPrevOwner byte = 1 << 2
	hasNewOwner  byte = 1 << 3
	hasSharers   byte = 1 << 4
	hasData      byte = 1 << 5
	hasCertain   byte = 1 << 6
	hasReplyReq  byte = 1 << 7
)

// fixed header: type (1), flags (1), id (8), node (2), to (2), line (8)
const headerSize = 1 + 1 + 8 + 2 + 2 + 8

// --------------------------------------------------------------------------
// Interface Methods (docu see msg.ISerializer)
// --------------------------------------------------------------------------

func (s binarySerializerImpl) Serialize(m *Message) ([]byte, error) {
	result := make([]byte, s.sizeBytes(m))

	// Write fixed header
	result[0] = byte(m.MsgType)
	binary.BigEndian.PutUint64(result[2:10], m.ID)
	binary.BigEndian.PutUint16(result[10:12], uint16(m.Node))
	binary.BigEndian.PutUint16(result[12:14], uint16(m.To))
	binary.BigEndian.PutUint64(result[14:22], uint64(m.Line))

	var flags byte
	pos := headerSize

	if m.ReplyTo != 0 {
		flags |= hasReplyTo
		binary.BigEndian.PutUint64(result[pos:pos+8], m.ReplyTo)
		pos += 8
	}
	if m.Version != 0 {
		flags |= hasVersion
		binary.BigEndian.PutUint64(result[pos:pos+8], m.Version)
		pos += 8
	}
	if m.PrevOwner != 0 {
		flags |= hasPrevOwner
		binary.BigEndian.PutUint16(result[pos:pos+2], uint16(m.PrevOwner))
		pos += 2
	}
	if m.NewOwner != 0 {
		flags |= hasNewOwner
		binary.BigEndian.PutUint16(result[pos:pos+2], uint16(m.NewOwner))
		pos += 2
	}
	if m.Sharers != nil {
		flags |= hasSharers
		binary.BigEndian.PutUint16(result[pos:pos+2], uint16(len(m.Sharers)))
		pos += 2
		for _, sharer := range m.Sharers {
			binary.BigEndian.PutUint16(result[pos:pos+2], uint16(sharer))
			pos += 2
		}
	}
	if m.Data != nil {
		flags |= hasData
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(m.Data)))
		pos += 4
		copy(result[pos:pos+len(m.Data)], m.Data)
		pos += len(m.Data)
	}
	if m.Certain {
		flags |= hasCertain
	}
	if m.ReplyRequired {
		flags |= hasReplyReq
	}

	result[1] = flags
	return result, nil
}

func (s binarySerializerImpl) Deserialize(b []byte, m *Message) error {
	if len(b) < headerSize {
		return fmt.Errorf("message too short: %d bytes", len(b))
	}

	m.MsgType = Type(b[0])
	flags := b[1]
	m.ID = binary.BigEndian.Uint64(b[2:10])
	m.Node = NodeID(binary.BigEndian.Uint16(b[10:12]))
	m.To = NodeID(binary.BigEndian.Uint16(b[12:14]))
	m.Line = int64(binary.BigEndian.Uint64(b[14:22]))

	pos := headerSize

	// check verifies the remaining length before each optional field read
	check := func(n int) error {
		if pos+n > len(b) {
			return fmt.Errorf("truncated message: need %d bytes at offset %d, have %d", n, pos, len(b))
		}
		return nil
	}

	m.ReplyTo = 0
	if flags&hasReplyTo != 0 {
		if err := check(8); err != nil {
			return err
		}
		m.ReplyTo = binary.BigEndian.Uint64(b[pos : pos+8])
		pos += 8
	}
	m.Version = 0
	if flags&hasVersion != 0 {
		if err := check(8); err != nil {
			return err
		}
		m.Version = binary.BigEndian.Uint64(b[pos : pos+8])
		pos += 8
	}
	m.PrevOwner = 0
	if flags&hasPrevOwner != 0 {
		if err := check(2); err != nil {
			return err
		}
		m.PrevOwner = NodeID(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
	}
	m.NewOwner = 0
	if flags&hasNewOwner != 0 {
		if err := check(2); err != nil {
			return err
		}
		m.NewOwner = NodeID(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
	}
	m.Sharers = nil
	if flags&hasSharers != 0 {
		if err := check(2); err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if err := check(2 * n); err != nil {
			return err
		}
		m.Sharers = make([]NodeID, n)
		for i := 0; i < n; i++ {
			m.Sharers[i] = NodeID(binary.BigEndian.Uint16(b[pos : pos+2]))
			pos += 2
		}
	}
	m.Data = nil
	if flags&hasData != 0 {
		if err := check(4); err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if err := check(n); err != nil {
			return err
		}
		m.Data = make([]byte, n)
		copy(m.Data, b[pos:pos+n])
		pos += n
	}
	m.Certain = flags&hasCertain != 0
	m.ReplyRequired = flags&hasReplyReq != 0
	return nil
}

// sizeBytes calculates the total serialized size of a message
func (s binarySerializerImpl) sizeBytes(m *Message) int {
	size := headerSize
	if m.ReplyTo != 0 {
		size += 8
	}
	if m.Version != 0 {
		size += 8
	}
	if m.PrevOwner != 0 {
		size += 2
	}
	if m.NewOwner != 0 {
		size += 2
	}
	if m.Sharers != nil {
		size += 2 + 2*len(m.Sharers)
	}
	if m.Data != nil {
		size += 4 + len(m.Data)
	}
	return size
}
