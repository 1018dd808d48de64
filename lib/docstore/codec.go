package docstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/schema"
)

var errShortMutation = errors.New("docstore: truncated mutation")

// AppendMutation appends the binary form of m to dst. Fields are written in
// ascending id order; a field with a zero Kind encodes a removal.
func AppendMutation(dst []byte, m Mutation) []byte {
	dst = append(dst, byte(m.Kind))
	dst = binary.BigEndian.AppendUint64(dst, m.DocumentID)

	ids := make([]int, 0, len(m.Fields))
	for id := range m.Fields {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(ids)))
	for _, id := range ids {
		v := m.Fields[schema.FieldID(id)]
		dst = append(dst, byte(id))
		if v.Kind == 0 {
			dst = append(dst, 0)
			continue
		}
		dst = append(dst, 1)
		dst = schema.AppendValue(dst, v)
	}
	dst = appendHashes(dst, m.Attach)
	return appendHashes(dst, m.Detach)
}

func appendHashes(dst []byte, hs []blob.Hash) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(hs)))
	for _, h := range hs {
		dst = append(dst, h[:]...)
	}
	return dst
}

// ReadMutation decodes a mutation written by AppendMutation and returns the
// number of bytes consumed.
func ReadMutation(data []byte) (Mutation, int, error) {
	var m Mutation
	if len(data) < 11 {
		return m, 0, errShortMutation
	}
	m.Kind = OpKind(data[0])
	m.DocumentID = binary.BigEndian.Uint64(data[1:9])
	n := int(binary.BigEndian.Uint16(data[9:11]))
	off := 11
	if n > 0 {
		m.Fields = make(schema.Fields, n)
	}
	for i := 0; i < n; i++ {
		if len(data) < off+2 {
			return m, 0, errShortMutation
		}
		fid, present := schema.FieldID(data[off]), data[off+1]
		off += 2
		if present == 0 {
			m.Fields[fid] = schema.Value{}
			continue
		}
		v, used, err := schema.ReadValue(data[off:])
		if err != nil {
			return m, 0, fmt.Errorf("docstore: field %d: %w", fid, err)
		}
		m.Fields[fid] = v
		off += used
	}
	var err error
	var used int
	if m.Attach, used, err = readHashes(data[off:]); err != nil {
		return m, 0, err
	}
	off += used
	if m.Detach, used, err = readHashes(data[off:]); err != nil {
		return m, 0, err
	}
	return m, off + used, nil
}

func readHashes(data []byte) ([]blob.Hash, int, error) {
	if len(data) < 2 {
		return nil, 0, errShortMutation
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n*32 {
		return nil, 0, errShortMutation
	}
	var out []blob.Hash
	for i := 0; i < n; i++ {
		var h blob.Hash
		copy(h[:], data[2+i*32:])
		out = append(out, h)
	}
	return out, 2 + n*32, nil
}

// EncodeDocument returns the stored form of d.
func EncodeDocument(d *Document) []byte { return encodeDocument(d) }

// DecodeDocument parses the stored form of a document.
func DecodeDocument(account uint64, coll schema.Collection, id uint64, raw []byte) (*Document, error) {
	return decodeDocument(account, coll, id, raw)
}
