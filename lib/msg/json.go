package msg

import (
	"encoding/json"
)

// NewJSONSerializer creates a new serializer using the JSON format.
// Slower than the binary serializer but human-readable; useful for
// debugging and for interop with non-Go tooling.
func NewJSONSerializer() ISerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements ISerializer using JSON
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see msg.ISerializer)
// --------------------------------------------------------------------------

func (s jsonSerializerImpl) Serialize(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (s jsonSerializerImpl) Deserialize(b []byte, m *Message) error {
	return json.Unmarshal(b, m)
}
