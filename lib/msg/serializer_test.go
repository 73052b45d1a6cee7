package msg

import (
	"bytes"
	"testing"
)

// testMessages returns one representative message per kind that goes on
// the wire, exercising every optional field combination.
func testMessages() []*Message {
	get := NewGet(3, 0x10)
	get.ID = 7
	get.Node = 2

	return []*Message{
		get,
		NewGetX(NoNode, 0x11),
		NewPutReply(get, 4, []byte{0x42, 0x43}),
		NewPutX(5, 0x12, []NodeID{2, 3, Server}, 9, []byte("payload")),
		NewInv(2, 0x13, 4),
		NewInvAck(get),
		NewInvAckTo(1, 0x14),
		NewDel(Server, 0x15),
		NewNotFound(get),
		NewChngdOwnr(get, 0x16, 6, true),
		NewMsg(4, -1, []byte("hello")),
		NewMsgAck(get),
		NewBackup(1, 0x17, 12, []byte{}),
		NewBackupAck(2, 0x18, 12),
		NewTimeout(1, 0x19),
		NewAck(get),
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	serializers := map[string]ISerializer{
		"binary": NewBinarySerializer(),
		"json":   NewJSONSerializer(),
	}

	for name, s := range serializers {
		t.Run(name, func(t *testing.T) {
			for _, orig := range testMessages() {
				b, err := s.Serialize(orig)
				if err != nil {
					t.Fatalf("serialize %s: %v", orig, err)
				}

				var got Message
				if err := s.Deserialize(b, &got); err != nil {
					t.Fatalf("deserialize %s: %v", orig, err)
				}

				if got.MsgType != orig.MsgType || got.ID != orig.ID ||
					got.Node != orig.Node || got.To != orig.To ||
					got.Line != orig.Line || got.Version != orig.Version ||
					got.ReplyTo != orig.ReplyTo ||
					got.PrevOwner != orig.PrevOwner || got.NewOwner != orig.NewOwner ||
					got.Certain != orig.Certain {
					t.Errorf("round trip mismatch:\nsent %+v\ngot  %+v", orig, got)
				}
				if !bytes.Equal(got.Data, orig.Data) && !(len(got.Data) == 0 && len(orig.Data) == 0) {
					t.Errorf("data mismatch for %s: sent %v got %v", orig, orig.Data, got.Data)
				}
				if len(got.Sharers) != len(orig.Sharers) {
					t.Errorf("sharers mismatch for %s: sent %v got %v", orig, orig.Sharers, got.Sharers)
				}
			}
		})
	}
}

func TestBinaryDeserializeTruncated(t *testing.T) {
	s := NewBinarySerializer()
	b, err := s.Serialize(NewPutX(5, 0x12, []NodeID{2, 3}, 9, []byte("payload")))
	if err != nil {
		t.Fatal(err)
	}

	var m Message
	for i := 0; i < len(b); i++ {
		if err := s.Deserialize(b[:i], &m); err == nil {
			t.Errorf("expected error for truncation at %d bytes", i)
		}
	}
}

func TestIsBroadcast(t *testing.T) {
	if !NewGet(NoNode, 1).IsBroadcast() {
		t.Error("GET to NoNode should be a broadcast")
	}
	if NewGet(3, 1).IsBroadcast() {
		t.Error("GET to a node should not be a broadcast")
	}
}
