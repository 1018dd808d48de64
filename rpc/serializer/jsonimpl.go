package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewJSONSerializer creates a serializer producing human readable messages.
// Byte values (documents, blobs, replication frames) are base64 encoded.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	// unknown fields point to a peer speaking another protocol version
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var out common.Message
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("invalid json message: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid json message: trailing data")
	}
	*msg = out
	return nil
}
