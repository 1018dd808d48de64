package docstore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/schema"
)

// Get loads a single document.
func Get(r db.Reader, account uint64, coll schema.Collection, id uint64) (*Document, bool, error) {
	raw, ok, err := r.Get(docKey(account, coll, id))
	if err != nil || !ok {
		return nil, false, err
	}
	d, err := decodeDocument(account, coll, id, raw)
	return d, err == nil, err
}

// GetMany loads several documents. Ids without a document are returned in notFound.
func GetMany(r db.Reader, account uint64, coll schema.Collection, ids []uint64) (docs []*Document, notFound []uint64, err error) {
	for _, id := range ids {
		d, ok, err := Get(r, account, coll, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			notFound = append(notFound, id)
			continue
		}
		docs = append(docs, d)
	}
	return docs, notFound, nil
}

// Query selects documents through the secondary index of one field.
//
// Equal restricts the result to one value. Otherwise Start (inclusive) and
// End (exclusive) bound the range; nil means unbounded.
type Query struct {
	Field      schema.FieldID
	Equal      *schema.Value
	Start      *schema.Value
	End        *schema.Value
	Descending bool
	Limit      int
}

// Find returns the ids of the documents matching q in index order.
func Find(r db.Reader, account uint64, coll schema.Collection, q Query) ([]uint64, error) {
	s, ok := schema.Lookup(coll)
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %d", ErrValidation, coll)
	}
	f, ok := s.Field(q.Field)
	if !ok || !f.Sorted() {
		return nil, fmt.Errorf("%w: field %d of %s is not indexed", ErrValidation, q.Field, s.Name)
	}
	for _, v := range []*schema.Value{q.Equal, q.Start, q.End} {
		if v != nil && v.Kind != f.Kind {
			return nil, fmt.Errorf("%w: field %q expects %s, got %s", ErrValidation, f.Name, f.Kind, v.Kind)
		}
	}

	prefix := fieldPrefix(account, coll, q.Field)
	var resume, stop []byte
	switch {
	case q.Equal != nil:
		prefix = append(prefix, q.Equal.SortKey()...)
	default:
		// every entry of a value is longer than prefix+sortKey, so resuming
		// strictly after it keeps the start inclusive
		if q.Start != nil {
			resume = append(append([]byte{}, prefix...), q.Start.SortKey()...)
		}
		if q.End != nil {
			stop = append(append([]byte{}, prefix...), q.End.SortKey()...)
		}
	}

	var ids []uint64
	it := r.Scan(prefix, resume)
	defer it.Close()
	for it.Next() {
		if stop != nil && bytes.Compare(it.Key(), stop) >= 0 {
			break
		}
		ids = append(ids, trailingID(it.Key()))
		if !q.Descending && q.Limit > 0 && len(ids) >= q.Limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if q.Descending {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
		if q.Limit > 0 && len(ids) > q.Limit {
			ids = ids[:q.Limit]
		}
	}
	return ids, nil
}

// Search returns the ids of documents containing every word of text, in
// ascending id order. Whole value fields (e.g. addresses) match when text
// equals the stored value after folding.
func Search(r db.Reader, account uint64, coll schema.Collection, text string, limit int) ([]uint64, error) {
	s, ok := schema.Lookup(coll)
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %d", ErrValidation, coll)
	}

	matches := make(map[uint64]struct{})
	if words := schema.Tokenize(text, schema.TokenizeWords); len(words) > 0 {
		ids, err := intersect(r, account, coll, words)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			matches[id] = struct{}{}
		}
	}
	for _, f := range s.Fields {
		if !f.FullText() || f.Tokenizer != schema.TokenizeWhole {
			continue
		}
		whole := schema.Tokenize(text, schema.TokenizeWhole)
		if len(whole) == 0 {
			break
		}
		ids, err := postings(r, account, coll, whole[0])
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			matches[id] = struct{}{}
		}
		break
	}

	out := make([]uint64, 0, len(matches))
	for id := range matches {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func postings(r db.Reader, account uint64, coll schema.Collection, token string) ([]uint64, error) {
	var ids []uint64
	it := r.Scan(tokenPrefix(account, coll, token), nil)
	defer it.Close()
	for it.Next() {
		ids = append(ids, trailingID(it.Key()))
	}
	return ids, it.Err()
}

// intersect ANDs the posting lists of tokens. Posting lists are sorted by id.
func intersect(r db.Reader, account uint64, coll schema.Collection, tokens []string) ([]uint64, error) {
	var acc []uint64
	for i, tok := range tokens {
		ids, err := postings(r, account, coll, tok)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = ids
			continue
		}
		acc = intersectSorted(acc, ids)
		if len(acc) == 0 {
			break
		}
	}
	return acc, nil
}

func intersectSorted(a, b []uint64) []uint64 {
	out := a[:0]
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// Count returns the number of documents of a collection.
func Count(r db.Reader, account uint64, coll schema.Collection) (int, error) {
	n := 0
	it := r.Scan(docPrefix(account, coll), nil)
	defer it.Close()
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// IDs lists all document ids of a collection in ascending order.
func IDs(r db.Reader, account uint64, coll schema.Collection) ([]uint64, error) {
	var ids []uint64
	it := r.Scan(docPrefix(account, coll), nil)
	defer it.Close()
	for it.Next() {
		ids = append(ids, util.Uint64At(it.Key(), len(it.Key())-8))
	}
	return ids, it.Err()
}
