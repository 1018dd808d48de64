package serializer

import "github.com/ValentinKolb/dSync/rpc/common"

// IRPCSerializer converts Messages to and from their wire form. Client and
// server must use the same implementation. Replication frames between peers
// travel through the serializer of the server as well.
type IRPCSerializer interface {
	// Serialize encodes msg.
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, overwriting every field. Malformed
	// input is reported as an error, never as a partially filled message.
	Deserialize(b []byte, msg *common.Message) error
}
