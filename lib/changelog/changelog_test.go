package changelog

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/google/uuid"
)

const (
	acct = uint64(7)
	coll = schema.CollectionEmail
)

var lineage = uuid.MustParse("6f1c1c2e-6a55-4c55-9a8e-2f0b7a3b9d10")

func appendAll(t *testing.T, kv db.KVDB, entries ...Entry) {
	t.Helper()
	for _, e := range entries {
		tx := db.NewTxn(kv)
		if _, err := Append(tx, acct, coll, e.Kind, e.DocumentID); err != nil {
			t.Fatal(err)
		}
		if _, err := kv.Commit(tx.Batch()); err != nil {
			t.Fatal(err)
		}
	}
}

func state(t *testing.T, kv db.KVDB) Token {
	t.Helper()
	tok, err := CurrentState(kv, lineage, acct, coll, 0)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestCoalescing(t *testing.T) {
	ins := func(id uint64) Entry { return Entry{Kind: KindInsert, DocumentID: id} }
	upd := func(id uint64) Entry { return Entry{Kind: KindUpdate, DocumentID: id} }
	del := func(id uint64) Entry { return Entry{Kind: KindDelete, DocumentID: id} }

	tests := []struct {
		name      string
		entries   []Entry
		created   []uint64
		updated   []uint64
		destroyed []uint64
	}{
		{"insert", []Entry{ins(1)}, []uint64{1}, nil, nil},
		{"insert then update", []Entry{ins(1), upd(1), upd(1)}, []uint64{1}, nil, nil},
		{"insert then delete", []Entry{ins(1), upd(1), del(1)}, nil, nil, nil},
		{"update", []Entry{upd(4)}, nil, []uint64{4}, nil},
		{"update then delete", []Entry{upd(4), del(4)}, nil, nil, []uint64{4}},
		{"mixed", []Entry{ins(9), upd(3), del(2), ins(5), del(5), upd(9)}, []uint64{9}, []uint64{3}, []uint64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := memdb.NewMemDB(nil)
			defer kv.Close()

			s0 := state(t, kv)
			appendAll(t, kv, tt.entries...)
			ch, err := ChangesSince(kv, lineage, acct, coll, s0, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(ch.Created, tt.created) ||
				!reflect.DeepEqual(ch.Updated, tt.updated) ||
				!reflect.DeepEqual(ch.Destroyed, tt.destroyed) {
				t.Errorf("got created=%v updated=%v destroyed=%v, want %v %v %v",
					ch.Created, ch.Updated, ch.Destroyed, tt.created, tt.updated, tt.destroyed)
			}
			if ch.NewState.ChangeID != uint64(len(tt.entries)) {
				t.Errorf("new state %d, want %d", ch.NewState.ChangeID, len(tt.entries))
			}
		})
	}
}

func TestUpdateThenDeleteFromState(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	appendAll(t, kv, Entry{Kind: KindInsert, DocumentID: 1})
	s0 := state(t, kv)

	appendAll(t, kv, Entry{Kind: KindUpdate, DocumentID: 1})
	ch, err := ChangesSince(kv, lineage, acct, coll, s0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ch.Updated, []uint64{1}) || ch.Created != nil || ch.Destroyed != nil {
		t.Fatalf("after update: %+v", ch)
	}

	appendAll(t, kv, Entry{Kind: KindDelete, DocumentID: 1})
	ch, err = ChangesSince(kv, lineage, acct, coll, s0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ch.Destroyed, []uint64{1}) || ch.Created != nil || ch.Updated != nil {
		t.Fatalf("after delete: %+v", ch)
	}
}

func TestMaxChanges(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	s0 := state(t, kv)
	for id := uint64(1); id <= 5; id++ {
		appendAll(t, kv, Entry{Kind: KindInsert, DocumentID: id})
	}

	ch, err := ChangesSince(kv, lineage, acct, coll, s0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ch.HasMoreChanges || ch.NewState.ChangeID != 2 || ch.TotalChanges != 5 {
		t.Fatalf("unexpected page: %+v", ch)
	}
	if !reflect.DeepEqual(ch.Created, []uint64{1, 2}) {
		t.Errorf("first page created %v", ch.Created)
	}

	ch, err = ChangesSince(kv, lineage, acct, coll, ch.NewState, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.HasMoreChanges || !reflect.DeepEqual(ch.Created, []uint64{3, 4, 5}) {
		t.Errorf("second page: %+v", ch)
	}
}

func TestCannotCalculateChanges(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	s0 := state(t, kv)
	for id := uint64(1); id <= 10; id++ {
		appendAll(t, kv, Entry{Kind: KindInsert, DocumentID: id})
	}
	mid := state(t, kv)
	mid.ChangeID = 6

	tx := db.NewTxn(kv)
	if _, err := Compact(tx, acct, coll, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}

	other := s0
	other.Lineage = uuid.New()
	ahead := state(t, kv)
	ahead.ChangeID = 11
	foreign := s0
	foreign.Collection = schema.CollectionMailbox

	tests := []struct {
		name  string
		since Token
		fail  bool
	}{
		{"below watermark", s0, true},
		{"at watermark", mid, false},
		{"other lineage", other, true},
		{"other collection", foreign, true},
		{"ahead of log", ahead, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ChangesSince(kv, lineage, acct, coll, tt.since, 0, 0)
			if got := errors.Is(err, ErrCannotCalculateChanges); got != tt.fail {
				t.Errorf("expected failure=%v, got err=%v", tt.fail, err)
			}
		})
	}
}

func TestChangeIDsAreGapFree(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	for i := 0; i < 50; i++ {
		appendAll(t, kv, Entry{Kind: KindUpdate, DocumentID: uint64(i % 7)})
	}
	entries, err := Entries(kv, acct, coll, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range entries {
		if e.ChangeID != uint64(i+1) {
			t.Fatalf("entry %d has change id %d", i, e.ChangeID)
		}
	}
}

func TestResetInvalidatesOldStates(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	appendAll(t, kv, Entry{Kind: KindInsert, DocumentID: 1})
	old := state(t, kv)

	tx := db.NewTxn(kv)
	if err := Reset(tx, acct, coll); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}

	if _, err := ChangesSince(kv, lineage, acct, coll, old, 0, 0); !errors.Is(err, ErrCannotCalculateChanges) {
		t.Errorf("expected old state to be rejected, got %v", err)
	}
	if _, err := ChangesSince(kv, lineage, acct, coll, state(t, kv), 0, 0); err != nil {
		t.Errorf("expected fresh state to work, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok := Token{Lineage: lineage, Account: 1, Collection: coll, ChangeID: 99, LogPosition: 1234}
	parsed, err := ParseToken(tok.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != tok {
		t.Errorf("got %+v, want %+v", parsed, tok)
	}
	if _, err := ParseToken("not-a-token"); !errors.Is(err, ErrCannotCalculateChanges) {
		t.Errorf("expected malformed token to be rejected, got %v", err)
	}
}

func TestStreamsListsEveryLog(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()
	appendAll(t, kv, Entry{Kind: KindInsert, DocumentID: 1}, Entry{Kind: KindInsert, DocumentID: 2})

	tx := db.NewTxn(kv)
	if _, err := Append(tx, 9, schema.CollectionMailbox, KindInsert, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := NextDocumentID(tx, 9, schema.CollectionThread); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}

	streams, err := Streams(kv)
	if err != nil {
		t.Fatal(err)
	}
	want := []Stream{
		{Account: acct, Collection: coll, Meta: Meta{Last: 2}},
		{Account: 9, Collection: schema.CollectionMailbox, Meta: Meta{Last: 1}},
	}
	if !reflect.DeepEqual(streams, want) {
		t.Errorf("streams = %+v, want %+v", streams, want)
	}
}
