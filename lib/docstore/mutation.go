package docstore

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/schema"
)

var (
	ErrNotFound   = errors.New("document not found")
	ErrValidation = errors.New("validation failed")
)

// OpKind selects the mutation performed by a Mutation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation describes a single document write.
//
// For inserts Fields holds the complete document. For updates Fields is a
// diff: present values replace the stored ones and values with a zero Kind
// remove the field. Attach and Detach change the set of referenced blobs.
type Mutation struct {
	Kind       OpKind
	DocumentID uint64
	Fields     schema.Fields
	Attach     []blob.Hash
	Detach     []blob.Hash
}

// Result describes the effect of an applied mutation.
type Result struct {
	DocumentID uint64
	ChangeID   uint64
	// BlobDeltas holds the reference count changes the mutation implies. They
	// are not part of the transaction, since blob records are shared between
	// collections and must be adjusted under the writer that orders all batches.
	BlobDeltas map[blob.Hash]int64
}

// Validate checks the mutation against the collection schema without touching storage.
func Validate(coll schema.Collection, m Mutation) error {
	s, ok := schema.Lookup(coll)
	if !ok {
		return fmt.Errorf("%w: unknown collection %d", ErrValidation, coll)
	}
	var err error
	switch m.Kind {
	case OpInsert:
		if len(m.Detach) > 0 {
			err = errors.New("insert cannot detach blobs")
		} else {
			err = s.ValidateInsert(m.Fields)
		}
	case OpUpdate:
		if m.DocumentID == 0 {
			err = errors.New("missing document id")
		} else if len(m.Fields) > 0 {
			err = s.ValidatePatch(m.Fields)
		} else if len(m.Attach) == 0 && len(m.Detach) == 0 {
			err = errors.New("empty update")
		}
	case OpDelete:
		if m.DocumentID == 0 {
			err = errors.New("missing document id")
		}
	default:
		err = fmt.Errorf("unknown operation %d", m.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Apply turns a mutation into writes on tx: the document itself, its
// secondary index and full-text postings, and the change log entry. Callers
// must serialize Apply per (account, collection).
func Apply(tx *db.Txn, account uint64, coll schema.Collection, m Mutation) (*Result, error) {
	if err := Validate(coll, m); err != nil {
		return nil, err
	}
	s, _ := schema.Lookup(coll)

	var (
		old, doc *Document
		kind     changelog.Kind
		err      error
	)
	switch m.Kind {
	case OpInsert:
		kind = changelog.KindInsert
		id, err := changelog.NextDocumentID(tx, account, coll)
		if err != nil {
			return nil, err
		}
		doc = &Document{Account: account, Collection: coll, ID: id, Fields: m.Fields.Clone()}
		doc.Blobs = attach(nil, m.Attach)
	case OpUpdate:
		kind = changelog.KindUpdate
		if old, err = load(tx, account, coll, m.DocumentID); err != nil {
			return nil, err
		}
		doc = &Document{Account: account, Collection: coll, ID: old.ID, Fields: old.Fields.Clone()}
		for fid, v := range m.Fields {
			if v.Kind == 0 {
				delete(doc.Fields, fid)
			} else {
				doc.Fields[fid] = v
			}
		}
		doc.Blobs = detach(attach(old.Blobs, m.Attach), m.Detach)
	case OpDelete:
		kind = changelog.KindDelete
		if old, err = load(tx, account, coll, m.DocumentID); err != nil {
			return nil, err
		}
	}

	if err := writeDocument(tx, s, old, doc); err != nil {
		return nil, err
	}

	id := m.DocumentID
	if doc != nil {
		id = doc.ID
	}
	changeID, err := changelog.Append(tx, account, coll, kind, id)
	if err != nil {
		return nil, err
	}
	return &Result{DocumentID: id, ChangeID: changeID, BlobDeltas: blobDeltas(old, doc)}, nil
}

func load(tx *db.Txn, account uint64, coll schema.Collection, id uint64) (*Document, error) {
	raw, ok, err := tx.Get(docKey(account, coll, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%s/%d", ErrNotFound, account, coll, id)
	}
	return decodeDocument(account, coll, id, raw)
}

// writeDocument replaces old with doc. Either may be nil (insert and delete).
// Index entries and postings are diffed so that only stale entries are removed
// and only missing ones are added.
func writeDocument(tx *db.Txn, s *schema.Schema, old, doc *Document) error {
	var (
		account uint64
		id      uint64
		coll    = s.Collection
	)
	oldFields, newFields := schema.Fields(nil), schema.Fields(nil)
	if old != nil {
		account, id, oldFields = old.Account, old.ID, old.Fields
	}
	if doc != nil {
		account, id, newFields = doc.Account, doc.ID, doc.Fields
	}

	for _, f := range s.Fields {
		if !f.Sorted() {
			continue
		}
		ov, hadOld := oldFields[f.ID]
		nv, hasNew := newFields[f.ID]
		if hadOld && hasNew && ov.Equal(nv) {
			continue
		}
		if hadOld {
			if err := tx.Delete(indexKey(account, coll, f.ID, ov, id)); err != nil {
				return err
			}
		}
		if hasNew {
			if err := tx.Set(indexKey(account, coll, f.ID, nv, id), nil); err != nil {
				return err
			}
		}
	}

	oldTokens, newTokens := tokenSet(s, oldFields), tokenSet(s, newFields)
	for tok := range oldTokens {
		if _, keep := newTokens[tok]; !keep {
			if err := tx.Delete(postingKey(account, coll, tok, id)); err != nil {
				return err
			}
		}
	}
	for tok := range newTokens {
		if _, had := oldTokens[tok]; !had {
			if err := tx.Set(postingKey(account, coll, tok, id), nil); err != nil {
				return err
			}
		}
	}

	if doc == nil {
		return tx.Delete(docKey(account, coll, id))
	}
	return tx.Set(docKey(account, coll, id), encodeDocument(doc))
}

func tokenSet(s *schema.Schema, fields schema.Fields) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range s.Fields {
		v, ok := fields[f.ID]
		if !ok || !f.FullText() {
			continue
		}
		for _, tok := range schema.Tokenize(v.Text, f.Tokenizer) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func attach(blobs, add []blob.Hash) []blob.Hash {
	out := append([]blob.Hash(nil), blobs...)
	for _, h := range add {
		if !contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func detach(blobs, remove []blob.Hash) []blob.Hash {
	out := blobs[:0]
	for _, h := range blobs {
		if !contains(remove, h) {
			out = append(out, h)
		}
	}
	return out
}

func contains(list []blob.Hash, h blob.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func blobDeltas(old, doc *Document) map[blob.Hash]int64 {
	deltas := make(map[blob.Hash]int64)
	if old != nil {
		for _, h := range old.Blobs {
			deltas[h]--
		}
	}
	if doc != nil {
		for _, h := range doc.Blobs {
			deltas[h]++
		}
	}
	for h, d := range deltas {
		if d == 0 {
			delete(deltas, h)
		}
	}
	return deltas
}
