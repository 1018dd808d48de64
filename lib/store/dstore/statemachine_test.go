package dstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore/internal"
	"github.com/google/uuid"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

var genesis = uuid.MustParse("6f1c1b1e-2f7a-4d0e-9a55-0c9b3e0d4a11")

func newFSM(t *testing.T) (*DocStateMachine, db.KVDB) {
	t.Helper()
	kv := memdb.NewMemDB(nil)
	factory := CreateStateMachineFactory(func() (db.KVDB, error) { return kv, nil })
	fsm := factory(1, 1).(*DocStateMachine)
	t.Cleanup(func() { fsm.Close() })
	return fsm, kv
}

func insertCmd(subject string) internal.Command {
	return internal.Command{
		Type:       internal.CommandTMutate,
		Genesis:    genesis,
		Now:        time.Now().UnixNano(),
		Account:    1,
		Collection: schema.CollectionEmail,
		Mutations: []docstore.Mutation{{Kind: docstore.OpInsert, Fields: schema.Fields{
			1: schema.Text(subject),
			5: schema.Number(1),
			8: schema.Id(1),
		}}},
	}
}

func update(t *testing.T, fsm *DocStateMachine, index uint64, cmd internal.Command) sm.Result {
	t.Helper()
	out, err := fsm.Update([]sm.Entry{{Index: index, Cmd: cmd.Serialize()}})
	if err != nil {
		t.Fatal(err)
	}
	return out[0].Result
}

func outcome(t *testing.T, res sm.Result) internal.Outcome {
	t.Helper()
	if res.Value != uint64(store.RetCSuccess) {
		t.Fatalf("command failed with %s: %s", store.RetCode(res.Value), res.Data)
	}
	var o internal.Outcome
	if err := o.Deserialize(res.Data); err != nil {
		t.Fatal(err)
	}
	return o
}

func currentState(t *testing.T, fsm *DocStateMachine) string {
	t.Helper()
	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTCurrentState, Account: 1, Collection: schema.CollectionEmail})
	if err != nil {
		t.Fatal(err)
	}
	return res.(string)
}

func TestUpdateAppliesMutations(t *testing.T) {
	fsm, _ := newFSM(t)
	before := currentState(t, fsm)

	first := outcome(t, update(t, fsm, 1, insertCmd("hello world")))
	second := outcome(t, update(t, fsm, 2, insertCmd("second mail")))
	if first.NewState != second.OldState {
		t.Fatal("states of consecutive commands do not chain")
	}
	if got := currentState(t, fsm); got != second.NewState {
		t.Fatalf("current state %s, want %s", got, second.NewState)
	}

	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTSearch, Account: 1, Collection: schema.CollectionEmail, Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if ids := res.(internal.QueryResult).IDs; len(ids) != 1 || ids[0] != first.DocumentIDs[0] {
		t.Fatalf("search returned %v", ids)
	}

	changes, err := fsm.Lookup(internal.Query{Type: internal.QueryTChangesSince, Account: 1, Collection: schema.CollectionEmail, Since: first.NewState})
	if err != nil {
		t.Fatal(err)
	}
	if c := changes.(*store.Changes); len(c.Created) != 1 || c.Created[0] != second.DocumentIDs[0] {
		t.Fatalf("changes since first insert: %+v", c)
	}
	if _, err := fsm.Lookup(internal.Query{Type: internal.QueryTChangesSince, Account: 1, Collection: schema.CollectionEmail, Since: before}); err == nil {
		t.Fatal("a state from before the lineage existed should not be usable")
	}
}

func TestReplayedEntriesAreSkipped(t *testing.T) {
	fsm, _ := newFSM(t)
	outcome(t, update(t, fsm, 1, insertCmd("once")))
	state := currentState(t, fsm)

	update(t, fsm, 1, insertCmd("once"))
	if got := currentState(t, fsm); got != state {
		t.Fatal("replayed entry was applied twice")
	}
}

func TestFailedCommandsOnlyAdvanceTheIndex(t *testing.T) {
	fsm, _ := newFSM(t)
	first := outcome(t, update(t, fsm, 1, insertCmd("a")))
	outcome(t, update(t, fsm, 2, insertCmd("b")))

	stale := insertCmd("c")
	stale.IfInState = first.NewState
	if res := update(t, fsm, 3, stale); res.Value != uint64(store.RetCValidation) {
		t.Fatalf("outdated precondition: code %s", store.RetCode(res.Value))
	}

	dangling := insertCmd("d")
	dangling.Mutations[0].Attach = []blob.Hash{blob.Sum([]byte("missing"))}
	if res := update(t, fsm, 4, dangling); res.Value != uint64(store.RetCValidation) {
		t.Fatalf("unknown blob: code %s", store.RetCode(res.Value))
	}
	if fsm.appliedIndex() != 4 {
		t.Fatalf("applied index %d, want 4", fsm.appliedIndex())
	}
	ids, _ := fsm.Lookup(internal.Query{Type: internal.QueryTGet, Account: 1, Collection: schema.CollectionEmail, IDs: []uint64{3, 4}})
	if docs := ids.(internal.QueryResult).Docs; len(docs) != 0 {
		t.Fatalf("failed commands left documents behind: %d", len(docs))
	}
}

func TestReplicasAgreeOnLineage(t *testing.T) {
	a, _ := newFSM(t)
	b, _ := newFSM(t)
	cmd := insertCmd("same")
	for _, fsm := range []*DocStateMachine{a, b} {
		outcome(t, update(t, fsm, 1, cmd))
	}
	if currentState(t, a) != currentState(t, b) {
		t.Fatal("replicas hand out different states for the same log")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	src, _ := newFSM(t)
	put := outcome(t, update(t, src, 1, internal.Command{Type: internal.CommandTPutBlob, Genesis: genesis, Data: []byte("attachment")}))
	withBlob := insertCmd("with attachment")
	withBlob.Mutations[0].Attach = []blob.Hash{put.Hash}
	outcome(t, update(t, src, 2, withBlob))

	ctx, err := src.PrepareSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := src.SaveSnapshot(ctx, &buf, nil, nil); err != nil {
		t.Fatal(err)
	}

	dst, _ := newFSM(t)
	outcome(t, update(t, dst, 1, insertCmd("overwritten")))
	if err := dst.RecoverFromSnapshot(&buf, nil, nil); err != nil {
		t.Fatal(err)
	}
	if currentState(t, dst) != currentState(t, src) {
		t.Fatal("restored replica reports a different state")
	}
	if dst.appliedIndex() != 2 {
		t.Fatalf("restored applied index %d", dst.appliedIndex())
	}
	res, err := dst.Lookup(internal.Query{Type: internal.QueryTFetchBlob, Hash: put.Hash})
	if err != nil {
		t.Fatal(err)
	}
	if r := res.(internal.QueryResult); !r.Ok || string(r.Value) != "attachment" {
		t.Fatal("blob missing after restore")
	}

	// entries covered by the snapshot are skipped
	update(t, dst, 2, insertCmd("late duplicate"))
	if currentState(t, dst) != currentState(t, src) {
		t.Fatal("entry covered by the snapshot was applied")
	}
}

func TestCompactAndDeleteAccount(t *testing.T) {
	fsm, _ := newFSM(t)
	for i := uint64(1); i <= 4; i++ {
		outcome(t, update(t, fsm, i, insertCmd("mail")))
	}
	out := outcome(t, update(t, fsm, 5, internal.Command{Type: internal.CommandTCompactChanges, Retain: 1}))
	if out.Count != 3 {
		t.Fatalf("compacted %d entries, want 3", out.Count)
	}
	out = outcome(t, update(t, fsm, 6, internal.Command{Type: internal.CommandTDeleteAccount, Account: 1}))
	if out.Count != 4 {
		t.Fatalf("deleted %d documents, want 4", out.Count)
	}
}
