package changelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("changelog")

// ErrCannotCalculateChanges is returned when the requested window is no
// longer (or was never) covered by this collection's log.
var ErrCannotCalculateChanges = errors.New("cannot calculate changes")

// --------------------------------------------------------------------------
// Entries
// --------------------------------------------------------------------------

// Kind is the type of mutation recorded by an entry.
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is one immutable change log record.
type Entry struct {
	ChangeID   uint64
	Kind       Kind
	DocumentID uint64
}

func encodeEntry(kind Kind, docID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{byte(kind)}, docID)
}

func decodeEntry(changeID uint64, raw []byte) (Entry, error) {
	if len(raw) != 9 {
		return Entry{}, fmt.Errorf("changelog: malformed entry %d", changeID)
	}
	return Entry{ChangeID: changeID, Kind: Kind(raw[0]), DocumentID: util.Uint64At(raw, 1)}, nil
}

// --------------------------------------------------------------------------
// Meta
// --------------------------------------------------------------------------

// Meta holds the counters of one (account, collection) log.
type Meta struct {
	Last   uint64 // highest assigned change id
	Lowest uint64 // states below this change id can no longer be served
}

type getter interface {
	Get(key []byte) ([]byte, bool, error)
}

func readUint(r getter, key []byte) (uint64, error) {
	raw, ok, err := r.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("changelog: malformed counter %q", key)
	}
	return util.Uint64At(raw, 0), nil
}

func writeUint(tx *db.Txn, key []byte, v uint64) error {
	return tx.Set(key, util.AppendUint64(nil, v))
}

// ReadMeta returns the counters of the log of (account, collection).
func ReadMeta(r getter, account uint64, coll schema.Collection) (Meta, error) {
	last, err := readUint(r, metaKey(account, coll, metaLast))
	if err != nil {
		return Meta{}, err
	}
	lowest, err := readUint(r, metaKey(account, coll, metaLowest))
	return Meta{Last: last, Lowest: lowest}, err
}

// NextDocumentID allocates a document id. Ids are never reused within a collection.
func NextDocumentID(tx *db.Txn, account uint64, coll schema.Collection) (uint64, error) {
	key := metaKey(account, coll, metaNextDoc)
	last, err := readUint(tx, key)
	if err != nil {
		return 0, err
	}
	return last + 1, writeUint(tx, key, last+1)
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

// Append records a mutation and returns the assigned change id. The caller
// must serialize appends per (account, collection).
func Append(tx *db.Txn, account uint64, coll schema.Collection, kind Kind, docID uint64) (uint64, error) {
	key := metaKey(account, coll, metaLast)
	last, err := readUint(tx, key)
	if err != nil {
		return 0, err
	}
	id := last + 1
	if err := tx.Set(entryKey(account, coll, id), encodeEntry(kind, docID)); err != nil {
		return 0, err
	}
	return id, writeUint(tx, key, id)
}

// Compact drops entries so that at most retain entries remain and advances
// the watermark accordingly. It returns the number of dropped entries.
func Compact(tx *db.Txn, account uint64, coll schema.Collection, retain uint64) (int, error) {
	meta, err := ReadMeta(tx, account, coll)
	if err != nil {
		return 0, err
	}
	if meta.Last <= retain {
		return 0, nil
	}
	lowest := meta.Last - retain
	if lowest <= meta.Lowest {
		return 0, nil
	}

	dropped := 0
	it := tx.Scan(entryPrefix(account, coll), nil)
	defer it.Close()
	for it.Next() {
		id := util.Uint64At(it.Key(), len(it.Key())-8)
		if id > lowest {
			break
		}
		if err := tx.Delete(it.Key()); err != nil {
			return dropped, err
		}
		dropped++
	}
	if err := it.Err(); err != nil {
		return dropped, err
	}
	log.Debugf("compacted %d entries of %d/%s, lowest retained state %d", dropped, account, coll, lowest)
	return dropped, writeUint(tx, metaKey(account, coll, metaLowest), lowest)
}

// Reset drops every entry of the log and moves the state forward by one so
// that all previously issued states become unusable. Counters are kept.
func Reset(tx *db.Txn, account uint64, coll schema.Collection) error {
	meta, err := ReadMeta(tx, account, coll)
	if err != nil {
		return err
	}
	it := tx.Scan(entryPrefix(account, coll), nil)
	defer it.Close()
	for it.Next() {
		if err := tx.Delete(it.Key()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	next := meta.Last + 1
	if err := writeUint(tx, metaKey(account, coll, metaLast), next); err != nil {
		return err
	}
	return writeUint(tx, metaKey(account, coll, metaLowest), next)
}

// --------------------------------------------------------------------------
// Read path
// --------------------------------------------------------------------------

// CurrentState returns the token naming the latest change of the collection.
func CurrentState(r db.Reader, lineage uuid.UUID, account uint64, coll schema.Collection, logPos uint64) (Token, error) {
	meta, err := ReadMeta(r, account, coll)
	if err != nil {
		return Token{}, err
	}
	return Token{Lineage: lineage, Account: account, Collection: coll, ChangeID: meta.Last, LogPosition: logPos}, nil
}

// Changes is the coalesced delta between two states.
type Changes struct {
	OldState       Token
	NewState       Token
	Created        []uint64
	Updated        []uint64
	Destroyed      []uint64
	HasMoreChanges bool
	TotalChanges   uint64 // log entries between OldState and the current state
}

// ChangesSince computes the delta from since to the current state. With
// maxChanges > 0 at most that many log entries are consumed and NewState
// names the last consumed entry.
func ChangesSince(r db.Reader, lineage uuid.UUID, account uint64, coll schema.Collection, since Token, maxChanges uint64, logPos uint64) (*Changes, error) {
	if since.Lineage != lineage || since.Account != account || since.Collection != coll {
		return nil, fmt.Errorf("%w: state belongs to another log", ErrCannotCalculateChanges)
	}
	meta, err := ReadMeta(r, account, coll)
	if err != nil {
		return nil, err
	}
	if since.ChangeID > meta.Last {
		return nil, fmt.Errorf("%w: state %d is ahead of %d", ErrCannotCalculateChanges, since.ChangeID, meta.Last)
	}
	if since.ChangeID < meta.Lowest {
		return nil, fmt.Errorf("%w: state %d is below the retained history (%d)", ErrCannotCalculateChanges, since.ChangeID, meta.Lowest)
	}

	upTo := meta.Last
	res := &Changes{OldState: since, TotalChanges: meta.Last - since.ChangeID}
	if maxChanges > 0 && res.TotalChanges > maxChanges {
		upTo = since.ChangeID + maxChanges
		res.HasMoreChanges = true
	}
	res.NewState = Token{Lineage: lineage, Account: account, Collection: coll, ChangeID: upTo, LogPosition: logPos}

	type span struct{ first, last Kind }
	docs := make(map[uint64]*span)
	expected := since.ChangeID + 1

	it := r.Scan(entryPrefix(account, coll), entryKey(account, coll, since.ChangeID))
	defer it.Close()
	for it.Next() {
		id := util.Uint64At(it.Key(), len(it.Key())-8)
		if id > upTo {
			break
		}
		if id != expected {
			return nil, fmt.Errorf("changelog: gap in %d/%s, expected change %d, found %d", account, coll, expected, id)
		}
		expected++
		e, err := decodeEntry(id, it.Value())
		if err != nil {
			return nil, err
		}
		if s, ok := docs[e.DocumentID]; ok {
			s.last = e.Kind
		} else {
			docs[e.DocumentID] = &span{first: e.Kind, last: e.Kind}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if expected != upTo+1 {
		return nil, fmt.Errorf("changelog: %d/%s ends at change %d, expected %d", account, coll, expected-1, upTo)
	}

	for id, s := range docs {
		switch {
		case s.first == KindInsert && s.last == KindDelete:
		case s.first == KindInsert:
			res.Created = append(res.Created, id)
		case s.last == KindDelete:
			res.Destroyed = append(res.Destroyed, id)
		default:
			res.Updated = append(res.Updated, id)
		}
	}
	for _, ids := range [][]uint64{res.Created, res.Updated, res.Destroyed} {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return res, nil
}

// Entries returns the raw log entries after changeID, at most limit (0 = all).
func Entries(r db.Reader, account uint64, coll schema.Collection, after uint64, limit int) ([]Entry, error) {
	var out []Entry
	it := r.Scan(entryPrefix(account, coll), entryKey(account, coll, after))
	defer it.Close()
	for it.Next() {
		e, err := decodeEntry(util.Uint64At(it.Key(), len(it.Key())-8), it.Value())
		if err != nil {
			return out, err
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// Stream names one (account, collection) change log.
type Stream struct {
	Account    uint64
	Collection schema.Collection
	Meta
}

// Streams lists every change log that has assigned at least one change id.
func Streams(r db.Reader) ([]Stream, error) {
	var out []Stream
	it := r.Scan([]byte{tagMeta}, nil)
	defer it.Close()
	for it.Next() {
		k := it.Key()
		if len(k) != 11 || k[10] != metaLast {
			continue
		}
		s := Stream{Account: util.Uint64At(k, 1), Collection: schema.Collection(k[9])}
		meta, err := ReadMeta(r, s.Account, s.Collection)
		if err != nil {
			return out, err
		}
		s.Meta = meta
		out = append(out, s)
	}
	return out, it.Err()
}
