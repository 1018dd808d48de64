package replog

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
)

func newLeader(t *testing.T, epoch uint64) (*Log, db.KVDB) {
	t.Helper()
	kv := memdb.NewMemDB(nil)
	t.Cleanup(func() { kv.Close() })
	l, err := Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetEpoch(epoch, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.BecomeLeader(epoch); err != nil {
		t.Fatal(err)
	}
	return l, kv
}

func newFollower(t *testing.T) (*Log, db.KVDB) {
	t.Helper()
	kv := memdb.NewMemDB(nil)
	t.Cleanup(func() { kv.Close() })
	l, err := Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	return l, kv
}

func put(t *testing.T, l *Log, epoch uint64, kv ...string) Entry {
	t.Helper()
	tx := db.NewTxn(l.Reader())
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			tx.Delete([]byte(kv[i]))
		} else {
			tx.Set([]byte(kv[i]), []byte(kv[i+1]))
		}
	}
	tenure := l.Tenure()
	if tenure.Epoch != epoch {
		t.Fatalf("log leads epoch %d, not %d", tenure.Epoch, epoch)
	}
	e, err := l.Append(tenure, tx, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// state returns all non log keys.
func state(t *testing.T, r db.Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	it := r.Scan(nil, nil)
	defer it.Close()
	for it.Next() {
		if !IsLogKey(it.Key()) {
			out[string(it.Key())] = string(it.Value())
		}
	}
	return out
}

func TestStepDownDiscardsUncommittedTail(t *testing.T) {
	l, kv := newLeader(t, 1)
	put(t, l, 1, "a", "1", "b", "1")
	if err := l.Commit(1); err != nil {
		t.Fatal(err)
	}
	committed := state(t, kv)

	put(t, l, 1, "a", "2", "c", "new")
	put(t, l, 1, "b", "", "a", "3")
	if got := state(t, kv); got["a"] != "3" {
		t.Fatalf("leader should apply on append, got %v", got)
	}

	if err := l.StepDown(); err != nil {
		t.Fatal(err)
	}
	if got := state(t, kv); !reflect.DeepEqual(got, committed) {
		t.Errorf("state after step down %v, want %v", got, committed)
	}
	if hs := l.State(); hs.Last != 1 || hs.Applied != 1 {
		t.Errorf("unexpected hard state %s", hs)
	}
	if _, err := l.Append(l.Tenure(), nil, nil); !errors.Is(err, ErrNotLeader) {
		t.Errorf("expected append after step down to fail, got %v", err)
	}
}

func TestAppendRejectsEarlierTenure(t *testing.T) {
	l, kv := newLeader(t, 1)
	put(t, l, 1, "a", "1")
	if err := l.Commit(1); err != nil {
		t.Fatal(err)
	}

	// prepared while leading epoch 1
	prepared := l.Tenure()
	tx := db.NewTxn(l.Reader())
	tx.Set([]byte("next"), []byte("from epoch 1"))

	if err := l.StepDown(); err != nil {
		t.Fatal(err)
	}
	if err := l.SetEpoch(2, 0); err != nil {
		t.Fatal(err)
	}
	b := db.NewBatch()
	b.Set([]byte("next"), []byte("from epoch 2"))
	if _, err := l.Store(1, 1, []Entry{{Position: 2, Epoch: 2, Batch: b}}, 2); err != nil {
		t.Fatal(err)
	}
	if err := l.SetEpoch(3, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.BecomeLeader(3); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Append(prepared, tx, nil); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("transaction of an earlier tenure was appended, err=%v", err)
	}
	if got := state(t, kv)["next"]; got != "from epoch 2" {
		t.Fatalf("committed value overwritten: %q", got)
	}
	if hs := l.State(); hs.Last != 2 {
		t.Fatalf("unexpected hard state %s", hs)
	}

	if tn := l.Tenure(); tn == prepared || tn.Epoch != 3 {
		t.Fatalf("unexpected tenure %+v", tn)
	}
	e := put(t, l, 3, "next", "from epoch 3")
	if e.Position != 3 || e.Epoch != 3 {
		t.Fatalf("unexpected entry %d/%d", e.Position, e.Epoch)
	}
}

// Leading again, even in the same epoch, starts a new tenure.
func TestTenureChangesOnEveryLeadership(t *testing.T) {
	l, _ := newLeader(t, 1)
	first := l.Tenure()
	if err := l.StepDown(); err != nil {
		t.Fatal(err)
	}
	if tn := l.Tenure(); tn != (Tenure{}) {
		t.Fatalf("follower has tenure %+v", tn)
	}
	if err := l.BecomeLeader(1); err != nil {
		t.Fatal(err)
	}
	if l.Tenure() == first {
		t.Fatal("tenure reused after stepping down")
	}
	if _, err := l.Append(first, nil, nil); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("append with an old tenure: %v", err)
	}
	if _, err := l.Append(Tenure{}, nil, nil); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("append with the zero tenure: %v", err)
	}
}

func TestWaitCommitted(t *testing.T) {
	l, _ := newLeader(t, 3)
	e := put(t, l, 3, "k", "v")

	done := make(chan error, 1)
	go func() { done <- l.WaitCommitted(context.Background(), e.Position, e.Epoch) }()
	select {
	case err := <-done:
		t.Fatalf("returned before commit: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := l.Commit(e.Position); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	e2 := put(t, l, 3, "k", "w")
	go func() { done <- l.WaitCommitted(context.Background(), e2.Position, e2.Epoch) }()
	if err := l.StepDown(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestFollowerAppliesOnlyCommitted(t *testing.T) {
	leader, lkv := newLeader(t, 1)
	var entries []Entry
	for _, v := range []string{"1", "2", "3", "4"} {
		entries = append(entries, put(t, leader, 1, "k"+v, v))
	}

	f, fkv := newFollower(t)
	var applied []uint64
	f.SetObserver(func(e Entry) { applied = append(applied, e.Position) })

	matched, err := f.Store(0, 0, entries, 2)
	if err != nil || matched != 4 {
		t.Fatalf("store: matched=%d err=%v", matched, err)
	}
	if !reflect.DeepEqual(applied, []uint64{1, 2}) {
		t.Fatalf("applied %v, want [1 2]", applied)
	}
	if _, ok := state(t, fkv)["k3"]; ok {
		t.Errorf("uncommitted entry applied on follower")
	}

	if err := f.Commit(4); err != nil {
		t.Fatal(err)
	}
	if err := leader.Commit(4); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(applied, []uint64{1, 2, 3, 4}) {
		t.Errorf("applied %v", applied)
	}
	if !reflect.DeepEqual(state(t, fkv), state(t, lkv)) {
		t.Errorf("follower state differs from leader")
	}
}

func TestStoreGapAndConflict(t *testing.T) {
	f, _ := newFollower(t)
	mk := func(pos, epoch uint64, k string) Entry {
		b := db.NewBatch()
		b.Set([]byte(k), []byte(k))
		return Entry{Position: pos, Epoch: epoch, Batch: b}
	}

	var gap *GapError
	if _, err := f.Store(3, 1, []Entry{mk(4, 1, "x")}, 0); !errors.As(err, &gap) || gap.Last != 0 {
		t.Fatalf("expected gap at 0, got %v", err)
	}

	if _, err := f.Store(0, 0, []Entry{mk(1, 1, "a"), mk(2, 1, "b"), mk(3, 1, "c")}, 1); err != nil {
		t.Fatal(err)
	}
	// a new leader of epoch 2 overwrites the uncommitted tail
	if _, err := f.Store(1, 1, []Entry{mk(2, 2, "B")}, 2); err != nil {
		t.Fatal(err)
	}
	hs := f.State()
	if hs.Last != 2 || hs.LastEpoch != 2 || hs.Commit != 2 {
		t.Errorf("unexpected hard state %s", hs)
	}
	if ep, _ := f.EpochAt(2); ep != 2 {
		t.Errorf("entry 2 has epoch %d", ep)
	}

	if _, err := f.Store(2, 2, []Entry{mk(3, 2, "c")}, 2); err != nil {
		t.Fatal(err)
	}
	// a leader that disagrees about the uncommitted entry 3 makes it go away
	if _, err := f.Store(3, 1, []Entry{mk(4, 3, "z")}, 2); !errors.As(err, &gap) || gap.Last != 2 {
		t.Errorf("expected mismatch on wrong previous epoch, got %v", err)
	}
	if hs := f.State(); hs.Last != 2 {
		t.Errorf("conflicting entry kept: %s", hs)
	}
}

func TestImageExcludesUncommitted(t *testing.T) {
	l, _ := newLeader(t, 1)
	put(t, l, 1, "a", "1", "b", "2")
	put(t, l, 1, "c", "3")
	if err := l.Commit(2); err != nil {
		t.Fatal(err)
	}
	put(t, l, 1, "a", "changed", "b", "", "d", "new")

	var buf bytes.Buffer
	hdr, err := l.BuildImage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Position != 2 || hdr.Epoch != 1 {
		t.Fatalf("image header %+v", hdr)
	}

	f, fkv := newFollower(t)
	if _, err := f.Restore(&buf); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	if got := state(t, fkv); !reflect.DeepEqual(got, want) {
		t.Errorf("restored %v, want %v", got, want)
	}
	if hs := f.State(); hs.Base != 2 || hs.Last != 2 || hs.Applied != 2 {
		t.Errorf("hard state after restore %s", hs)
	}
}

func TestCompactAndEntries(t *testing.T) {
	l, _ := newLeader(t, 1)
	for i := 0; i < 10; i++ {
		put(t, l, 1, "k", string(rune('a'+i)))
	}
	if err := l.Commit(10); err != nil {
		t.Fatal(err)
	}
	if n, err := l.CompactRetaining(3); err != nil || n != 7 {
		t.Fatalf("compacted %d entries, err=%v", n, err)
	}
	if _, err := l.Entries(5, 10, 0); !errors.Is(err, ErrCompacted) {
		t.Errorf("expected ErrCompacted, got %v", err)
	}
	es, err := l.Entries(8, 10, 0)
	if err != nil || len(es) != 3 || es[0].Position != 8 {
		t.Errorf("entries after compaction: %d err=%v", len(es), err)
	}
	if ep, err := l.EpochAt(7); err != nil || ep != 1 {
		t.Errorf("epoch of compacted base: %d err=%v", ep, err)
	}
}

func TestReopenRollsBackUncommitted(t *testing.T) {
	l, kv := newLeader(t, 1)
	put(t, l, 1, "a", "1")
	if err := l.Commit(1); err != nil {
		t.Fatal(err)
	}
	put(t, l, 1, "a", "2")

	reopened, err := Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	if got := state(t, kv)["a"]; got != "1" {
		t.Errorf("uncommitted value survived reopen: %q", got)
	}
	if hs := reopened.State(); hs.Last != 2 || hs.Applied != 1 {
		t.Errorf("hard state after reopen %s", hs)
	}
}

func TestLocalCommitsImmediately(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()
	l, err := Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := NewLocal(l, 0)
	if err != nil {
		t.Fatal(err)
	}
	lineage, err := l.Lineage()
	if err != nil || lineage == [16]byte{} {
		t.Fatalf("expected genesis to write a lineage, got %v %v", lineage, err)
	}
	tx := db.NewTxn(kv)
	tx.Set([]byte("x"), []byte("y"))
	e, err := loc.Append(l.Tenure(), tx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := loc.WaitCommitted(context.Background(), e.Position, e.Epoch); err != nil {
		t.Fatal(err)
	}
	if hs := l.State(); hs.Commit != e.Position {
		t.Errorf("commit %d, want %d", hs.Commit, e.Position)
	}
}
