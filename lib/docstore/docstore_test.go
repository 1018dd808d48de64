package docstore

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/schema"
)

const acct = uint64(1)

// Email field ids.
const (
	fSubject    schema.FieldID = 1
	fBody       schema.FieldID = 4
	fReceivedAt schema.FieldID = 5
	fMailboxID  schema.FieldID = 8
	fIsSeen     schema.FieldID = 9
)

func email(subject string, receivedAt int64, mailbox uint64) schema.Fields {
	return schema.Fields{
		fSubject:    schema.Text(subject),
		fReceivedAt: schema.Number(receivedAt),
		fMailboxID:  schema.Id(mailbox),
	}
}

func apply(t *testing.T, kv db.KVDB, m Mutation) *Result {
	t.Helper()
	tx := db.NewTxn(kv)
	res, err := Apply(tx, acct, schema.CollectionEmail, m)
	if err != nil {
		t.Fatalf("apply %s: %v", m.Kind, err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}
	return res
}

func dump(t *testing.T, r db.Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	it := r.Scan(nil, nil)
	defer it.Close()
	for it.Next() {
		out[string(it.Key())] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func find(t *testing.T, r db.Reader, q Query) []uint64 {
	t.Helper()
	ids, err := Find(r, acct, schema.CollectionEmail, q)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestInsertUpdateDeleteKeepsIndexesInSync(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	res := apply(t, kv, Mutation{Kind: OpInsert, Fields: email("Hello World", 100, 3)})
	if res.DocumentID != 1 || res.ChangeID != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	mb := schema.Id(3)
	if ids := find(t, kv, Query{Field: fMailboxID, Equal: &mb}); !reflect.DeepEqual(ids, []uint64{1}) {
		t.Fatalf("mailbox index %v", ids)
	}

	apply(t, kv, Mutation{Kind: OpUpdate, DocumentID: 1, Fields: schema.Fields{fMailboxID: schema.Id(4)}})
	if ids := find(t, kv, Query{Field: fMailboxID, Equal: &mb}); len(ids) != 0 {
		t.Errorf("stale index entry survived update: %v", ids)
	}
	mb4 := schema.Id(4)
	if ids := find(t, kv, Query{Field: fMailboxID, Equal: &mb4}); !reflect.DeepEqual(ids, []uint64{1}) {
		t.Errorf("new index entry missing: %v", ids)
	}

	apply(t, kv, Mutation{Kind: OpDelete, DocumentID: 1})
	for key := range dump(t, kv) {
		switch key[0] {
		case tagDoc, tagIndex, tagText:
			t.Errorf("key %q left behind after delete", key)
		}
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	tests := []struct {
		name string
		m    Mutation
		want error
	}{
		{"update", Mutation{Kind: OpUpdate, DocumentID: 9, Fields: schema.Fields{fSubject: schema.Text("x")}}, ErrNotFound},
		{"delete", Mutation{Kind: OpDelete, DocumentID: 9}, ErrNotFound},
		{"wrong kind", Mutation{Kind: OpInsert, Fields: schema.Fields{fReceivedAt: schema.Text("now"), fMailboxID: schema.Id(1)}}, ErrValidation},
		{"missing required", Mutation{Kind: OpInsert, Fields: schema.Fields{fSubject: schema.Text("x")}}, ErrValidation},
		{"remove required", Mutation{Kind: OpUpdate, DocumentID: 1, Fields: schema.Fields{fMailboxID: {}}}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(db.NewTxn(kv), acct, schema.CollectionEmail, tt.m)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFailedCommitLeavesNoPartialState(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	apply(t, kv, Mutation{Kind: OpInsert, Fields: email("first", 1, 1)})
	before := dump(t, kv)

	injector, ok := kv.(db.FaultInjector)
	if !ok {
		t.Skip("engine does not support fault injection")
	}
	injector.InjectFault(db.FailAfter(2, errors.New("disk on fire")))

	tx := db.NewTxn(kv)
	if _, err := Apply(tx, acct, schema.CollectionEmail, Mutation{Kind: OpInsert, Fields: email("second", 2, 2)}); err != nil {
		t.Fatal(err)
	}
	if tx.Batch().Len() < 4 {
		t.Fatalf("expected document, two index entries and log entry in one batch, got %d ops", tx.Batch().Len())
	}
	if _, err := kv.Commit(tx.Batch()); !db.IsIo(err) {
		t.Fatalf("expected io error, got %v", err)
	}
	injector.InjectFault(nil)

	if after := dump(t, kv); !reflect.DeepEqual(before, after) {
		t.Errorf("failed commit changed the store: %d keys before, %d after", len(before), len(after))
	}
	mb := schema.Id(2)
	if ids := find(t, kv, Query{Field: fMailboxID, Equal: &mb}); len(ids) != 0 {
		t.Errorf("partial index entries visible: %v", ids)
	}
}

func TestRangeQuery(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	for i, at := range []int64{-5, 10, 20, 30, 20} {
		apply(t, kv, Mutation{Kind: OpInsert, Fields: email("m", at, uint64(i))})
	}
	v := func(n int64) *schema.Value { x := schema.Number(n); return &x }

	tests := []struct {
		name string
		q    Query
		want []uint64
	}{
		{"all", Query{Field: fReceivedAt}, []uint64{1, 2, 3, 5, 4}},
		{"equal", Query{Field: fReceivedAt, Equal: v(20)}, []uint64{3, 5}},
		{"half open", Query{Field: fReceivedAt, Start: v(10), End: v(30)}, []uint64{2, 3, 5}},
		{"from negative", Query{Field: fReceivedAt, Start: v(-5), End: v(0)}, []uint64{1}},
		{"descending limit", Query{Field: fReceivedAt, Descending: true, Limit: 2}, []uint64{4, 5}},
		{"limit", Query{Field: fReceivedAt, Limit: 1}, []uint64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := find(t, kv, tt.q); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := Find(kv, acct, schema.CollectionEmail, Query{Field: 11}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected query on unindexed field to fail, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	a := email("Quarterly Report", 1, 1)
	a[fBody] = schema.Text("Numbers for the café are attached")
	b := email("Lunch", 2, 1)
	b[fBody] = schema.Text("Cafe at noon?")
	apply(t, kv, Mutation{Kind: OpInsert, Fields: a})
	apply(t, kv, Mutation{Kind: OpInsert, Fields: b})

	tests := []struct {
		query string
		want  []uint64
	}{
		{"cafe", []uint64{1, 2}},
		{"CAFÉ report", []uint64{1}},
		{"lunch noon", []uint64{2}},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := Search(kv, acct, schema.CollectionEmail, tt.query, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	apply(t, kv, Mutation{Kind: OpUpdate, DocumentID: 2, Fields: schema.Fields{fBody: {}}})
	if got, _ := Search(kv, acct, schema.CollectionEmail, "noon", 0); len(got) != 0 {
		t.Errorf("removed body still searchable: %v", got)
	}
}

func TestSearchWholeValue(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	tx := db.NewTxn(kv)
	_, err := Apply(tx, acct, schema.CollectionIdentity, Mutation{Kind: OpInsert, Fields: schema.Fields{
		1: schema.Text("Alice"),
		2: schema.Text("Alice@Example.com"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}

	got, err := Search(kv, acct, schema.CollectionIdentity, "alice@example.com", 0)
	if err != nil || !reflect.DeepEqual(got, []uint64{1}) {
		t.Errorf("got %v (%v), want [1]", got, err)
	}
}

func TestDocumentMatchesChangeLogReplay(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	apply(t, kv, Mutation{Kind: OpInsert, Fields: email("a", 1, 1)})
	apply(t, kv, Mutation{Kind: OpInsert, Fields: email("b", 2, 1)})
	apply(t, kv, Mutation{Kind: OpUpdate, DocumentID: 1, Fields: schema.Fields{fIsSeen: schema.Bool(true)}})
	apply(t, kv, Mutation{Kind: OpDelete, DocumentID: 2})
	apply(t, kv, Mutation{Kind: OpInsert, Fields: email("c", 3, 1)})

	entries, err := changelog.Entries(kv, acct, schema.CollectionEmail, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	alive := make(map[uint64]bool)
	for _, e := range entries {
		alive[e.DocumentID] = e.Kind != changelog.KindDelete
	}
	ids, err := IDs(kv, acct, schema.CollectionEmail)
	if err != nil {
		t.Fatal(err)
	}
	var want []uint64
	for id := uint64(1); id <= 3; id++ {
		if alive[id] {
			want = append(want, id)
		}
	}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("stored documents %v, log implies %v", ids, want)
	}
}

func TestDeleteAccount(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	apply(t, kv, Mutation{Kind: OpInsert, Fields: email("a", 1, 1)})
	old, err := changelog.CurrentState(kv, [16]byte{}, acct, schema.CollectionEmail, 0)
	if err != nil {
		t.Fatal(err)
	}

	tx := db.NewTxn(kv)
	removed, _, err := DeleteAccount(tx, acct)
	if err != nil || removed != 1 {
		t.Fatalf("removed=%d err=%v", removed, err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}

	if n, _ := Count(kv, acct, schema.CollectionEmail); n != 0 {
		t.Errorf("%d documents survived", n)
	}
	if _, err := changelog.ChangesSince(kv, [16]byte{}, acct, schema.CollectionEmail, old, 0, 0); !errors.Is(err, changelog.ErrCannotCalculateChanges) {
		t.Errorf("expected pre-deletion state to be rejected, got %v", err)
	}

	res := apply(t, kv, Mutation{Kind: OpInsert, Fields: email("b", 2, 1)})
	if res.DocumentID != 2 {
		t.Errorf("document id reused after account deletion: %d", res.DocumentID)
	}
}
