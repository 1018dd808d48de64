package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewGOBSerializer creates a serializer using Go's gob format. Every message
// carries its own type description, so it is the largest of the three
// formats on the wire. Empty byte values decode as nil.
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{
		buffers: sync.Pool{New: func() interface{} { return new(bytes.Buffer) }},
	}
}

type gobSerializerImpl struct {
	buffers sync.Pool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g *gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := g.buffers.Get().(*bytes.Buffer)
	defer g.buffers.Put(buf)
	buf.Reset()

	if err := gob.NewEncoder(buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("gob encode %s: %w", msg.MsgType, err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (g *gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	var out common.Message
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
		return fmt.Errorf("invalid gob message: %w", err)
	}
	*msg = out
	return nil
}
