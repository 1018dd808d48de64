package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
)

const acct = uint64(7)

func email(subject string, receivedAt int64) schema.Fields {
	return schema.Fields{
		1: schema.Text(subject),
		5: schema.Number(receivedAt),
		8: schema.Id(1),
	}
}

func newLocal(t *testing.T, cfg Config) (*Coordinator, db.KVDB) {
	t.Helper()
	kv := memdb.NewMemDB(nil)
	l, err := replog.Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := replog.NewLocal(l, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := New(cfg, loc, kv)
	t.Cleanup(func() {
		c.Close()
		kv.Close()
	})
	return c, kv
}

func code(err error) store.RetCode { return store.CodeOf(err) }

func insert(t *testing.T, c *Coordinator, subject string) *store.Response {
	t.Helper()
	resp, err := c.Mutate(context.Background(), store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email(subject, 1)}},
	})
	if err != nil {
		t.Fatalf("insert %q: %v", subject, err)
	}
	return resp
}

func TestDeltaSyncScenario(t *testing.T) {
	c, _ := newLocal(t, Config{})
	ctx := context.Background()

	s0, err := c.CurrentState(ctx, acct, schema.CollectionEmail)
	if err != nil {
		t.Fatal(err)
	}
	a := insert(t, c, "a").Results[0].DocumentID
	b := insert(t, c, "b").Results[0].DocumentID
	s1, _ := c.CurrentState(ctx, acct, schema.CollectionEmail)

	if err := store.Update(ctx, c, acct, schema.CollectionEmail, a, schema.Fields{1: schema.Text("a2")}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, c, acct, schema.CollectionEmail, b); err != nil {
		t.Fatal(err)
	}
	x := insert(t, c, "x").Results[0].DocumentID
	if err := store.Delete(ctx, c, acct, schema.CollectionEmail, x); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		since     string
		created   []uint64
		updated   []uint64
		destroyed []uint64
	}{
		{"from empty", s0, []uint64{a}, nil, nil},
		{"from two inserts", s1, nil, []uint64{a}, []uint64{b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := c.ChangesSince(ctx, acct, schema.CollectionEmail, tt.since, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(ch.Created, tt.created) || !reflect.DeepEqual(ch.Updated, tt.updated) || !reflect.DeepEqual(ch.Destroyed, tt.destroyed) {
				t.Fatalf("got created=%v updated=%v destroyed=%v", ch.Created, ch.Updated, ch.Destroyed)
			}
			cur, _ := c.CurrentState(ctx, acct, schema.CollectionEmail)
			if ch.NewState != cur {
				t.Fatalf("new state %s, current %s", ch.NewState, cur)
			}
		})
	}

	if _, err := c.ChangesSince(ctx, acct, schema.CollectionThread, s0, 0); code(err) != store.RetCCannotCalculateChanges {
		t.Fatalf("token of another collection: %v", err)
	}
	if _, err := c.ChangesSince(ctx, acct, schema.CollectionEmail, "garbage", 0); code(err) != store.RetCCannotCalculateChanges {
		t.Fatalf("malformed token: %v", err)
	}
}

func TestStagesOfARequest(t *testing.T) {
	var (
		mu     sync.Mutex
		stages = map[string][]Stage{}
	)
	c, _ := newLocal(t, Config{OnStage: func(id string, s Stage) {
		mu.Lock()
		defer mu.Unlock()
		stages[id] = append(stages[id], s)
	}})

	resp := insert(t, c, "hello")
	want := []Stage{StageValidating, StageCommitting, StageReplicating, StageAcknowledged}
	if got := stages[resp.RequestID]; !reflect.DeepEqual(got, want) {
		t.Fatalf("stages %v, want %v", got, want)
	}
	if !resp.Committed {
		t.Fatal("majority write on a single node should be committed")
	}

	_, err := c.Mutate(context.Background(), store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: schema.Fields{1: schema.Text("no required fields")}}},
	})
	if code(err) != store.RetCValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for id, got := range stages {
		if id == resp.RequestID {
			continue
		}
		if want := []Stage{StageValidating, StageFailed}; !reflect.DeepEqual(got, want) {
			t.Fatalf("failed request stages %v, want %v", got, want)
		}
	}
}

func TestIfInState(t *testing.T) {
	c, _ := newLocal(t, Config{})
	ctx := context.Background()
	first := insert(t, c, "one")

	req := func(state string) store.Request {
		return store.Request{
			Account:    acct,
			Collection: schema.CollectionEmail,
			IfInState:  state,
			Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("two", 2)}},
		}
	}
	if _, err := c.Mutate(ctx, req(first.OldState)); code(err) != store.RetCValidation {
		t.Fatalf("outdated state should be rejected, got %v", err)
	}
	resp, err := c.Mutate(ctx, req(first.NewState))
	if err != nil {
		t.Fatalf("matching state: %v", err)
	}
	if resp.OldState != first.NewState {
		t.Fatal("old state of the response should be the precondition")
	}
	if _, err := c.Mutate(ctx, req("not-a-token")); code(err) != store.RetCValidation {
		t.Fatalf("malformed state: %v", err)
	}
}

func TestCanceledBeforeCommit(t *testing.T) {
	c, _ := newLocal(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before, _ := c.CurrentState(context.Background(), acct, schema.CollectionEmail)

	_, err := c.Mutate(ctx, store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("late", 1)}},
	})
	if code(err) != store.RetCCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	after, _ := c.CurrentState(context.Background(), acct, schema.CollectionEmail)
	if before != after {
		t.Fatal("canceled request changed the collection")
	}
}

func TestDegradedModeAndRecover(t *testing.T) {
	c, kv := newLocal(t, Config{})
	ctx := context.Background()
	injector := kv.(db.FaultInjector)

	injector.InjectFault(db.FailAfter(1, errors.New("disk on fire")))
	req := store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("x", 1)}},
	}
	if _, err := c.Mutate(ctx, req); code(err) != store.RetCIo {
		t.Fatalf("expected io error, got %v", err)
	}
	if _, err := c.Mutate(ctx, req); code(err) != store.RetCUnavailable {
		t.Fatalf("degraded node accepted a write: %v", err)
	}
	st, _ := c.Status(ctx)
	if !st.Degraded {
		t.Fatal("status should report degraded mode")
	}
	if err := c.Recover(ctx); err == nil {
		t.Fatal("recover should fail while the fault persists")
	}

	injector.InjectFault(nil)
	if err := c.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Mutate(ctx, req); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
}

func TestBlobLifecycle(t *testing.T) {
	c, _ := newLocal(t, Config{BlobGrace: time.Nanosecond})
	ctx := context.Background()

	h, err := c.PutBlob(ctx, []byte("attachment"), store.DurabilityDefault)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Mutate(ctx, store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("with file", 1), Attach: []blob.Hash{h}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if n, err := c.SweepBlobs(ctx); err != nil || n != 0 {
		t.Fatalf("referenced blob swept: n=%d err=%v", n, err)
	}

	if err := store.Delete(ctx, c, acct, schema.CollectionEmail, resp.Results[0].DocumentID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if n, err := c.SweepBlobs(ctx); err != nil || n != 1 {
		t.Fatalf("unreferenced blob not swept: n=%d err=%v", n, err)
	}
	if _, ok, err := c.FetchBlob(ctx, h); err != nil || ok {
		t.Fatalf("blob still present: ok=%v err=%v", ok, err)
	}

	_, err = c.Mutate(ctx, store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("dangling", 1), Attach: []blob.Hash{blob.Sum([]byte("nope"))}}},
	})
	if code(err) != store.RetCValidation {
		t.Fatalf("attaching an unknown blob: %v", err)
	}
}

func TestCompactChanges(t *testing.T) {
	c, _ := newLocal(t, Config{ChangeRetention: 2})
	ctx := context.Background()

	s0, _ := c.CurrentState(ctx, acct, schema.CollectionEmail)
	for i := 0; i < 5; i++ {
		insert(t, c, fmt.Sprintf("mail %d", i))
	}
	s5, _ := c.CurrentState(ctx, acct, schema.CollectionEmail)

	n, err := c.CompactChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("dropped %d entries, want 3", n)
	}
	if _, err := c.ChangesSince(ctx, acct, schema.CollectionEmail, s0, 0); code(err) != store.RetCCannotCalculateChanges {
		t.Fatalf("compacted state should need a resync, got %v", err)
	}
	if _, err := c.ChangesSince(ctx, acct, schema.CollectionEmail, s5, 0); err != nil {
		t.Fatalf("current state: %v", err)
	}
	if n, _ := c.CompactChanges(ctx); n != 0 {
		t.Fatalf("second compaction dropped %d", n)
	}
}

func TestDeleteAccount(t *testing.T) {
	c, _ := newLocal(t, Config{})
	ctx := context.Background()
	insert(t, c, "alpha")
	insert(t, c, "beta")
	if _, err := store.Insert(ctx, c, acct, schema.CollectionMailbox, schema.Fields{1: schema.Text("Inbox")}); err != nil {
		t.Fatal(err)
	}
	n, err := c.DeleteAccount(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("removed %d documents, want 3", n)
	}
	if ids, _ := c.Search(ctx, acct, schema.CollectionEmail, "alpha", 0); len(ids) != 0 {
		t.Fatalf("search still finds %v", ids)
	}
}

// follower pretends to be a replicator that lost leadership.
type follower struct {
	*replog.Local
	lead replog.Leadership
}

func (f *follower) Leadership() replog.Leadership { return f.lead }

// stalled leads a log whose entries never reach a majority.
type stalled struct {
	l *replog.Log
}

func (s *stalled) Append(t replog.Tenure, tx *db.Txn, shared func(tx *db.Txn) error) (replog.Entry, error) {
	return s.l.Append(t, tx, shared)
}

func (s *stalled) WaitCommitted(ctx context.Context, pos, epoch uint64) error {
	return s.l.WaitCommitted(ctx, pos, epoch)
}

func (s *stalled) Log() *replog.Log { return s.l }

func (s *stalled) Leadership() replog.Leadership { return replog.Leadership{IsLeader: true} }

func TestDurabilityPerRequest(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	l, err := replog.Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetEpoch(1, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.BecomeLeader(1); err != nil {
		t.Fatal(err)
	}
	c := New(Config{Durability: store.DurabilityLocal, ReplicationTimeout: 50 * time.Millisecond}, &stalled{l}, kv)
	t.Cleanup(func() {
		c.Close()
		kv.Close()
	})
	ctx := context.Background()

	tests := []struct {
		name       string
		durability store.Durability
		want       store.RetCode
	}{
		{"configured default", store.DurabilityDefault, store.RetCSuccess},
		{"local", store.DurabilityLocal, store.RetCSuccess},
		{"majority", store.DurabilityMajority, store.RetCReplicationTimeout},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte(fmt.Sprintf("attachment %d", i))
			h, err := c.PutBlob(ctx, data, tt.durability)
			if code(err) != tt.want {
				t.Fatalf("PutBlob: got %v, want %s", err, tt.want)
			}
			if err == nil && h != blob.Sum(data) {
				t.Fatalf("PutBlob returned %s", h)
			}

			resp, err := c.Mutate(ctx, store.Request{
				Account:    acct,
				Collection: schema.CollectionEmail,
				Durability: tt.durability,
				Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email(tt.name, int64(i))}},
			})
			if code(err) != tt.want {
				t.Fatalf("Mutate: got %v, want %s", err, tt.want)
			}
			if err == nil && resp.Committed {
				t.Fatal("uncommitted write reported as committed")
			}
		})
	}
}

func TestReadPolicyOnFollowers(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()
	l, err := replog.Open(kv)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := replog.NewLocal(l, 0)
	if err != nil {
		t.Fatal(err)
	}
	applied := l.State().Applied
	ctx := context.Background()

	tests := []struct {
		name     string
		policy   store.ReadPolicy
		commit   uint64
		wantRead store.RetCode
	}{
		{"leader reads only", store.ReadLeader, applied, store.RetCNotLeader},
		{"follower within lag", store.ReadFollower, applied + 3, store.RetCSuccess},
		{"follower too far behind", store.ReadFollower, applied + 10, store.RetCNotLeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &follower{Local: loc, lead: replog.Leadership{LeaderAddr: "leader:7000", KnownCommit: tt.commit}}
			c := New(Config{ReadPolicy: tt.policy, MaxReadLag: 5}, f, kv)
			defer c.Close()

			_, _, err := c.Get(ctx, acct, schema.CollectionEmail, 1)
			if code(err) != tt.wantRead {
				t.Fatalf("read: %v, want %s", err, tt.wantRead)
			}
			_, err = c.Mutate(ctx, store.Request{
				Account:    acct,
				Collection: schema.CollectionEmail,
				Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("x", 1)}},
			})
			var se *store.Error
			if !errors.As(err, &se) || se.Code != store.RetCNotLeader || se.Hint != "leader:7000" {
				t.Fatalf("write on follower: %v", err)
			}
		})
	}
}

func TestAdminNeedsCluster(t *testing.T) {
	c, _ := newLocal(t, Config{})
	if err := c.TransferLeadership(context.Background()); code(err) != store.RetCUnsupportedOperation {
		t.Fatalf("transfer on a single node: %v", err)
	}
	if err := c.EvictMember(context.Background(), 2); code(err) != store.RetCUnsupportedOperation {
		t.Fatalf("evict on a single node: %v", err)
	}
}

// --------------------------------------------------------------------------
// Replicated
// --------------------------------------------------------------------------

type member struct {
	node *cluster.Node
	co   *Coordinator
}

func startCluster(t *testing.T, net *cluster.MemNetwork, ids ...uint64) map[uint64]*member {
	t.Helper()
	out := make(map[uint64]*member)
	for _, id := range ids {
		cfg := cluster.Config{
			ID:                id,
			Addr:              fmt.Sprintf("node-%d", id),
			HeartbeatInterval: 10 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
		}
		for _, p := range ids {
			cfg.Peers = append(cfg.Peers, cluster.Member{ID: p, Addr: fmt.Sprintf("node-%d", p)})
		}
		kv := memdb.NewMemDB(nil)
		l, err := replog.Open(kv)
		if err != nil {
			t.Fatal(err)
		}
		n, err := cluster.NewNode(cfg, l, net.Transport(id))
		if err != nil {
			t.Fatal(err)
		}
		net.Attach(id, n.Deliver)
		co := New(Config{NodeID: id, Mode: "cluster", ReplicationTimeout: 300 * time.Millisecond}, n, kv)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			n.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
			co.Close()
			kv.Close()
		})
		out[id] = &member{node: n, co: co}
	}
	return out
}

func waitLeader(t *testing.T, ms map[uint64]*member) *member {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range ms {
			if m.node.Status().IsLeader() {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

func TestReplicatedWrites(t *testing.T) {
	net := cluster.NewMemNetwork()
	ms := startCluster(t, net, 1, 2, 3)
	lead := waitLeader(t, ms)
	ctx := context.Background()

	resp := insert(t, lead.co, "replicated")
	if !resp.Committed {
		t.Fatal("majority write not committed")
	}
	st, err := lead.co.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Role != "leader" || len(st.Members) != 3 {
		t.Fatalf("unexpected status %+v", st)
	}

	for id, m := range ms {
		if m == lead {
			continue
		}
		if _, err := m.co.Mutate(ctx, store.Request{
			Account:    acct,
			Collection: schema.CollectionEmail,
			Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("x", 1)}},
		}); code(err) != store.RetCNotLeader {
			t.Fatalf("node %d accepted a write as follower: %v", id, err)
		}
	}

	// an isolated leader cannot reach a majority
	net.Isolate(lead.node.ID())
	_, err = lead.co.Mutate(ctx, store.Request{
		Account:    acct,
		Collection: schema.CollectionEmail,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: email("lost", 1)}},
	})
	switch code(err) {
	case store.RetCReplicationTimeout, store.RetCNotLeader:
	default:
		t.Fatalf("isolated leader acknowledged a write: %v", err)
	}
}
