package docstore

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/schema"
)

const docVersion byte = 1

// Document is the stored form of a typed record.
type Document struct {
	Account    uint64
	Collection schema.Collection
	ID         uint64
	Fields     schema.Fields
	Blobs      []blob.Hash
}

// encodeDocument writes fields in ascending field id order so that equal
// documents always encode to equal bytes.
func encodeDocument(d *Document) []byte {
	ids := make([]int, 0, len(d.Fields))
	for id := range d.Fields {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	out := []byte{docVersion}
	out = binary.BigEndian.AppendUint16(out, uint16(len(ids)))
	for _, id := range ids {
		out = append(out, byte(id))
		out = schema.AppendValue(out, d.Fields[schema.FieldID(id)])
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(d.Blobs)))
	for _, h := range d.Blobs {
		out = append(out, h[:]...)
	}
	return out
}

func decodeDocument(account uint64, coll schema.Collection, id uint64, raw []byte) (*Document, error) {
	bad := func(what string) error {
		return fmt.Errorf("docstore: document %d/%s/%d: %s", account, coll, id, what)
	}
	if len(raw) < 3 || raw[0] != docVersion {
		return nil, bad("unknown encoding")
	}
	d := &Document{Account: account, Collection: coll, ID: id, Fields: make(schema.Fields)}
	n := int(binary.BigEndian.Uint16(raw[1:3]))
	off := 3
	for i := 0; i < n; i++ {
		if off >= len(raw) {
			return nil, bad("truncated fields")
		}
		fid := schema.FieldID(raw[off])
		v, used, err := schema.ReadValue(raw[off+1:])
		if err != nil {
			return nil, bad(err.Error())
		}
		d.Fields[fid] = v
		off += 1 + used
	}
	if len(raw) < off+2 {
		return nil, bad("truncated blob list")
	}
	nb := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) != off+nb*32 {
		return nil, bad("malformed blob list")
	}
	for i := 0; i < nb; i++ {
		var h blob.Hash
		copy(h[:], raw[off:off+32])
		d.Blobs = append(d.Blobs, h)
		off += 32
	}
	return d, nil
}
