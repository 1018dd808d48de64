package common

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
)

var errShortPayload = errors.New("rpc: payload too short")

// --------------------------------------------------------------------------
// Mutate
// --------------------------------------------------------------------------

// NewMutateRequest encodes a store request.
func NewMutateRequest(req store.Request) *Message {
	value := binary.BigEndian.AppendUint32(nil, uint32(len(req.Mutations)))
	for _, m := range req.Mutations {
		value = docstore.AppendMutation(value, m)
	}
	return &Message{
		MsgType:    MsgTMutate,
		Account:    req.Account,
		Collection: uint8(req.Collection),
		State:      req.IfInState,
		Durability: uint8(req.Durability),
		Value:      value,
	}
}

// ToRequest decodes a Mutate request.
func (m *Message) ToRequest() (store.Request, error) {
	req := store.Request{
		Account:    m.Account,
		Collection: schema.Collection(m.Collection),
		IfInState:  m.State,
		Durability: store.Durability(m.Durability),
	}
	if len(m.Value) < 4 {
		return req, errShortPayload
	}
	n := int(binary.BigEndian.Uint32(m.Value))
	off := 4
	for i := 0; i < n; i++ {
		mut, used, err := docstore.ReadMutation(m.Value[off:])
		if err != nil {
			return req, fmt.Errorf("rpc: mutation %d: %w", i, err)
		}
		req.Mutations = append(req.Mutations, mut)
		off += used
	}
	return req, nil
}

// NewMutateResponse encodes the outcome of a Mutate request.
func NewMutateResponse(resp *store.Response, err error) *Message {
	msg := NewResponse(MsgTMutate, err)
	if resp == nil {
		return msg
	}
	for _, r := range resp.Results {
		msg.IDs = append(msg.IDs, r.DocumentID)
		msg.ChangeIDs = append(msg.ChangeIDs, r.ChangeID)
	}
	msg.State = resp.OldState
	msg.NewState = resp.NewState
	msg.Position = resp.Position
	msg.Ok = resp.Committed
	msg.Text = resp.RequestID
	return msg
}

// ToResponse decodes a Mutate response.
func (m *Message) ToResponse() (*store.Response, error) {
	if len(m.IDs) != len(m.ChangeIDs) {
		return nil, fmt.Errorf("rpc: %d document ids but %d change ids", len(m.IDs), len(m.ChangeIDs))
	}
	resp := &store.Response{
		RequestID: m.Text,
		OldState:  m.State,
		NewState:  m.NewState,
		Position:  m.Position,
		Committed: m.Ok,
	}
	for i := range m.IDs {
		resp.Results = append(resp.Results, store.MutationResult{DocumentID: m.IDs[i], ChangeID: m.ChangeIDs[i]})
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Documents
// --------------------------------------------------------------------------

// EncodeDocuments writes count (4) | per document: id (8) | length (4) | body.
func EncodeDocuments(docs []*docstore.Document) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(docs)))
	for _, d := range docs {
		body := docstore.EncodeDocument(d)
		out = binary.BigEndian.AppendUint64(out, d.ID)
		out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
		out = append(out, body...)
	}
	return out
}

// DecodeDocuments reverses EncodeDocuments.
func DecodeDocuments(account uint64, coll schema.Collection, data []byte) ([]*docstore.Document, error) {
	if len(data) < 4 {
		return nil, errShortPayload
	}
	n := int(binary.BigEndian.Uint32(data))
	off := 4
	docs := make([]*docstore.Document, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < off+12 {
			return nil, errShortPayload
		}
		id := binary.BigEndian.Uint64(data[off:])
		l := int(binary.BigEndian.Uint32(data[off+8:]))
		off += 12
		if len(data) < off+l {
			return nil, errShortPayload
		}
		d, err := docstore.DecodeDocument(account, coll, id, data[off:off+l])
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
		off += l
	}
	return docs, nil
}

// --------------------------------------------------------------------------
// Index queries
// --------------------------------------------------------------------------

const (
	queryHasEqual byte = 1 << iota
	queryHasStart
	queryHasEnd
	queryDescending
)

// EncodeQuery writes field (1) | flags (1) | limit (4) | equal | start | end.
func EncodeQuery(q docstore.Query) []byte {
	var flags byte
	if q.Equal != nil {
		flags |= queryHasEqual
	}
	if q.Start != nil {
		flags |= queryHasStart
	}
	if q.End != nil {
		flags |= queryHasEnd
	}
	if q.Descending {
		flags |= queryDescending
	}
	out := []byte{byte(q.Field), flags}
	out = binary.BigEndian.AppendUint32(out, uint32(q.Limit))
	for _, v := range []*schema.Value{q.Equal, q.Start, q.End} {
		if v != nil {
			out = schema.AppendValue(out, *v)
		}
	}
	return out
}

// DecodeQuery reverses EncodeQuery.
func DecodeQuery(data []byte) (docstore.Query, error) {
	var q docstore.Query
	if len(data) < 6 {
		return q, errShortPayload
	}
	q.Field = schema.FieldID(data[0])
	flags := data[1]
	q.Limit = int(binary.BigEndian.Uint32(data[2:6]))
	q.Descending = flags&queryDescending != 0
	off := 6
	for _, slot := range []struct {
		flag byte
		dst  **schema.Value
	}{{queryHasEqual, &q.Equal}, {queryHasStart, &q.Start}, {queryHasEnd, &q.End}} {
		if flags&slot.flag == 0 {
			continue
		}
		v, used, err := schema.ReadValue(data[off:])
		if err != nil {
			return q, err
		}
		*slot.dst = &v
		off += used
	}
	return q, nil
}

// --------------------------------------------------------------------------
// Changes
// --------------------------------------------------------------------------

// NewChangesResponse encodes a ChangesSince result.
func NewChangesResponse(c *store.Changes, err error) *Message {
	msg := NewResponse(MsgTChangesSince, err)
	if c == nil {
		return msg
	}
	msg.State = c.OldState
	msg.NewState = c.NewState
	msg.IDs = c.Created
	msg.Updated = c.Updated
	msg.Destroyed = c.Destroyed
	msg.Ok = c.HasMoreChanges
	msg.Count = c.TotalChanges
	return msg
}

// ToChanges decodes a ChangesSince response.
func (m *Message) ToChanges() *store.Changes {
	return &store.Changes{
		OldState:       m.State,
		NewState:       m.NewState,
		Created:        m.IDs,
		Updated:        m.Updated,
		Destroyed:      m.Destroyed,
		HasMoreChanges: m.Ok,
		TotalChanges:   m.Count,
	}
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// NewStatusResponse encodes the node status as JSON.
func NewStatusResponse(s *store.NodeStatus, err error) *Message {
	msg := NewResponse(MsgTStatus, err)
	if s == nil || err != nil {
		return msg
	}
	raw, jerr := json.Marshal(s)
	if jerr != nil {
		return msg.SetError(jerr)
	}
	msg.Value = raw
	return msg
}

// ToStatus decodes a Status response.
func (m *Message) ToStatus() (*store.NodeStatus, error) {
	var s store.NodeStatus
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return nil, fmt.Errorf("rpc: decode status: %w", err)
	}
	return &s, nil
}
