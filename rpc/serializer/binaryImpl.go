package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	msgType (1) | flags (4) | present fields in declaration order
//
// Integers are big endian, strings, byte slices and id lists carry a 4 byte
// length prefix.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasAccount uint32 = 1 << iota
	hasCollection
	hasID
	hasIDs
	hasChangeIDs
	hasUpdated
	hasDestroyed
	hasState
	hasNewState
	hasText
	hasLimit
	hasCount
	hasPosition
	hasDurability
	hasValue
	hasOk
	hasCode
	hasErr
	hasHint
)

const headerSize = 5

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	out := make([]byte, headerSize, b.sizeBytes(msg))
	out[0] = byte(msg.MsgType)
	var flags uint32

	if msg.Account != 0 {
		flags |= hasAccount
		out = binary.BigEndian.AppendUint64(out, msg.Account)
	}
	if msg.Collection != 0 {
		flags |= hasCollection
		out = append(out, msg.Collection)
	}
	if msg.ID != 0 {
		flags |= hasID
		out = binary.BigEndian.AppendUint64(out, msg.ID)
	}
	for _, l := range []struct {
		flag uint32
		ids  []uint64
	}{{hasIDs, msg.IDs}, {hasChangeIDs, msg.ChangeIDs}, {hasUpdated, msg.Updated}, {hasDestroyed, msg.Destroyed}} {
		if len(l.ids) == 0 {
			continue
		}
		flags |= l.flag
		out = binary.BigEndian.AppendUint32(out, uint32(len(l.ids)))
		for _, id := range l.ids {
			out = binary.BigEndian.AppendUint64(out, id)
		}
	}
	for _, s := range []struct {
		flag uint32
		s    string
	}{{hasState, msg.State}, {hasNewState, msg.NewState}, {hasText, msg.Text}} {
		if s.s == "" {
			continue
		}
		flags |= s.flag
		out = appendBytes(out, []byte(s.s))
	}
	for _, n := range []struct {
		flag uint32
		n    uint64
	}{{hasLimit, msg.Limit}, {hasCount, msg.Count}, {hasPosition, msg.Position}} {
		if n.n == 0 {
			continue
		}
		flags |= n.flag
		out = binary.BigEndian.AppendUint64(out, n.n)
	}
	if msg.Durability != 0 {
		flags |= hasDurability
		out = append(out, msg.Durability)
	}
	// nil and empty values are distinguished
	if msg.Value != nil {
		flags |= hasValue
		out = appendBytes(out, msg.Value)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code != 0 {
		flags |= hasCode
		out = binary.BigEndian.AppendUint64(out, msg.Code)
	}
	if msg.Err != "" {
		flags |= hasErr
		out = appendBytes(out, []byte(msg.Err))
	}
	if msg.Hint != "" {
		flags |= hasHint
		out = appendBytes(out, []byte(msg.Hint))
	}

	binary.BigEndian.PutUint32(out[1:headerSize], flags)
	return out, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, dst *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}
	out := common.Message{MsgType: common.MessageType(data[0])}
	msg := &out
	flags := binary.BigEndian.Uint32(data[1:headerSize])
	r := reader{data: data, pos: headerSize}

	if flags&hasAccount != 0 {
		msg.Account = r.u64("account")
	}
	if flags&hasCollection != 0 {
		msg.Collection = r.u8("collection")
	}
	if flags&hasID != 0 {
		msg.ID = r.u64("id")
	}
	if flags&hasIDs != 0 {
		msg.IDs = r.ids("ids")
	}
	if flags&hasChangeIDs != 0 {
		msg.ChangeIDs = r.ids("change ids")
	}
	if flags&hasUpdated != 0 {
		msg.Updated = r.ids("updated")
	}
	if flags&hasDestroyed != 0 {
		msg.Destroyed = r.ids("destroyed")
	}
	if flags&hasState != 0 {
		msg.State = string(r.bytes("state"))
	}
	if flags&hasNewState != 0 {
		msg.NewState = string(r.bytes("new state"))
	}
	if flags&hasText != 0 {
		msg.Text = string(r.bytes("text"))
	}
	if flags&hasLimit != 0 {
		msg.Limit = r.u64("limit")
	}
	if flags&hasCount != 0 {
		msg.Count = r.u64("count")
	}
	if flags&hasPosition != 0 {
		msg.Position = r.u64("position")
	}
	if flags&hasDurability != 0 {
		msg.Durability = r.u8("durability")
	}
	if flags&hasValue != 0 {
		if v := r.bytes("value"); v != nil {
			msg.Value = append(make([]byte, 0, len(v)), v...)
		}
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasCode != 0 {
		msg.Code = r.u64("code")
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}
	if flags&hasHint != 0 {
		msg.Hint = string(r.bytes("hint"))
	}
	if r.err != nil {
		return r.err
	}
	*dst = out
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize + 8 + 1 + 8 + 3*8 + 1 + 8 // fixed width fields
	for _, ids := range [][]uint64{msg.IDs, msg.ChangeIDs, msg.Updated, msg.Destroyed} {
		size += 4 + 8*len(ids)
	}
	for _, s := range []string{msg.State, msg.NewState, msg.Text, msg.Err, msg.Hint} {
		size += 4 + len(s)
	}
	return size + 4 + len(msg.Value)
}

// reader decodes fields in order and remembers the first error. Once an
// error occurred every further read returns a zero value.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) || n < 0 {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) u8(field string) uint8 {
	if !r.need(1, field) {
		return 0
	}
	r.pos++
	return r.data[r.pos-1]
}

func (r *reader) u64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	r.pos += 8
	return binary.BigEndian.Uint64(r.data[r.pos-8:])
}

func (r *reader) bytes(field string) []byte {
	if !r.need(4, field+" length") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	if !r.need(n, field) {
		return nil
	}
	r.pos += n
	return r.data[r.pos-n : r.pos]
}

func (r *reader) ids(field string) []uint64 {
	if !r.need(4, field+" count") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	if !r.need(8*n, field) {
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(r.data[r.pos:])
		r.pos += 8
	}
	return out
}
