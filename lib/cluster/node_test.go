package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/google/uuid"
)

type testCluster struct {
	t     *testing.T
	net   *MemNetwork
	nodes map[uint64]*Node
	kvs   map[uint64]db.KVDB
	stops []func()
}

func testConfig(id uint64, peers ...uint64) Config {
	cfg := Config{
		ID:                id,
		Addr:              fmt.Sprintf("node-%d", id),
		HeartbeatInterval: 10 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, Member{ID: p, Addr: fmt.Sprintf("node-%d", p)})
	}
	return cfg
}

func newTestCluster(t *testing.T, ids ...uint64) *testCluster {
	c := &testCluster{t: t, net: NewMemNetwork(), nodes: map[uint64]*Node{}, kvs: map[uint64]db.KVDB{}}
	t.Cleanup(c.stop)
	for _, id := range ids {
		c.start(testConfig(id, ids...))
	}
	return c
}

func (c *testCluster) start(cfg Config) *Node {
	c.t.Helper()
	kv := memdb.NewMemDB(nil)
	l, err := replog.Open(kv)
	if err != nil {
		c.t.Fatal(err)
	}
	n, err := NewNode(cfg, l, c.net.Transport(cfg.ID))
	if err != nil {
		c.t.Fatal(err)
	}
	c.net.Attach(cfg.ID, n.Deliver)
	c.nodes[cfg.ID], c.kvs[cfg.ID] = n, kv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.Run(ctx); err != nil {
			c.t.Errorf("node %d: %v", cfg.ID, err)
		}
	}()
	c.stops = append(c.stops, func() {
		cancel()
		<-done
		kv.Close()
	})
	return n
}

func (c *testCluster) stop() {
	for _, s := range c.stops {
		s()
	}
	c.stops = nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// leader waits for a leader other than the excluded ids.
func (c *testCluster) leader(exclude ...uint64) *Node {
	c.t.Helper()
	var found *Node
	waitFor(c.t, 5*time.Second, "a leader", func() bool {
	nodes:
		for id, n := range c.nodes {
			for _, x := range exclude {
				if id == x {
					continue nodes
				}
			}
			if n.Status().IsLeader() {
				found = n
				return true
			}
		}
		return false
	})
	return found
}

func (c *testCluster) write(leader *Node, key, value string) replog.Entry {
	c.t.Helper()
	tenure := leader.Log().Tenure()
	tx := db.NewTxn(leader.Log().Reader())
	if err := tx.Set([]byte(key), []byte(value)); err != nil {
		c.t.Fatal(err)
	}
	e, err := leader.Append(tenure, tx, nil)
	if err != nil {
		c.t.Fatalf("append %s: %v", key, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := leader.WaitCommitted(ctx, e.Position, e.Epoch); err != nil {
		c.t.Fatalf("wait for %s at %d: %v", key, e.Position, err)
	}
	return e
}

func (c *testCluster) waitApplied(id uint64, pos uint64) {
	c.t.Helper()
	waitFor(c.t, 5*time.Second, fmt.Sprintf("node %d to apply %d", id, pos), func() bool {
		return c.nodes[id].Log().State().Applied >= pos
	})
}

func (c *testCluster) follower(leader *Node) uint64 {
	for id := range c.nodes {
		if id != leader.ID() {
			return id
		}
	}
	c.t.Fatal("no follower")
	return 0
}

func hasKey(t *testing.T, kv db.KVDB, key string) bool {
	t.Helper()
	_, ok, err := kv.Get([]byte(key))
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestSingleNodeCommits(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.leader()
	c.write(leader, "k", "v")
	if !hasKey(t, c.kvs[1], "k") {
		t.Fatal("expected committed key on the only node")
	}
	if lineage, _ := leader.Log().Lineage(); lineage == uuid.Nil {
		t.Errorf("expected the first leader to create a lineage")
	}
}

func TestReplicationToAllMembers(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	leader := c.leader()
	for i := 0; i < 10; i++ {
		c.write(leader, fmt.Sprintf("key-%d", i), "v")
	}
	commit := leader.Log().State().Commit
	for id, kv := range c.kvs {
		c.waitApplied(id, commit)
		for i := 0; i < 10; i++ {
			if !hasKey(t, kv, fmt.Sprintf("key-%d", i)) {
				t.Errorf("node %d misses key-%d", id, i)
			}
		}
	}
	if got := len(leader.Status().Members); got != 3 {
		t.Errorf("expected 3 members, got %d", got)
	}
}

func TestCatchUpAppliesExactlyMissingPositions(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	leader := c.leader()
	c.write(leader, "before", "v")
	lag := c.follower(leader)
	c.waitApplied(lag, leader.Log().State().Commit)

	var (
		mu   sync.Mutex
		seen []uint64
	)
	c.nodes[lag].Log().SetObserver(func(e replog.Entry) {
		mu.Lock()
		seen = append(seen, e.Position)
		mu.Unlock()
	})
	priorApplied := c.nodes[lag].Log().State().Applied

	c.net.Isolate(lag)
	for i := 0; i < 20; i++ {
		c.write(leader, fmt.Sprintf("missed-%d", i), "v")
	}
	target := leader.Log().State().Commit
	c.net.Heal()
	c.waitApplied(lag, target)

	mu.Lock()
	defer mu.Unlock()
	if target-priorApplied < 20 {
		t.Fatalf("leader committed %d..%d, expected at least the 20 missed writes", priorApplied+1, target)
	}
	if uint64(len(seen)) != target-priorApplied {
		t.Fatalf("applied %d entries, want exactly %d (%d..%d): %v", len(seen), target-priorApplied, priorApplied+1, target, seen)
	}
	if seen[0] != priorApplied+1 || seen[len(seen)-1] != target {
		t.Fatalf("applied %d..%d, want %d..%d", seen[0], seen[len(seen)-1], priorApplied+1, target)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("applied positions are not contiguous: %v", seen)
		}
	}
	for i := 0; i < 20; i++ {
		if !hasKey(t, c.kvs[lag], fmt.Sprintf("missed-%d", i)) {
			t.Errorf("lagging node misses missed-%d", i)
		}
	}
}

func TestCatchUpFromStoreImage(t *testing.T) {
	ids := []uint64{1, 2, 3}
	c := &testCluster{t: t, net: NewMemNetwork(), nodes: map[uint64]*Node{}, kvs: map[uint64]db.KVDB{}}
	t.Cleanup(c.stop)
	for _, id := range ids {
		cfg := testConfig(id, ids...)
		cfg.LogRetention = 4
		c.start(cfg)
	}
	leader := c.leader()
	c.write(leader, "before", "v")
	lag := c.follower(leader)
	c.waitApplied(lag, leader.Log().State().Commit)
	priorApplied := c.nodes[lag].Log().State().Applied

	c.net.Isolate(lag)
	for i := 0; i < 40; i++ {
		c.write(leader, fmt.Sprintf("missed-%d", i), "v")
	}
	// the missing range must no longer be available as entries
	waitFor(t, 5*time.Second, "leader log compaction", func() bool {
		return leader.Log().State().Base > priorApplied+1
	})
	target := leader.Log().State().Commit
	c.net.Heal()
	c.waitApplied(lag, target)

	if hs := c.nodes[lag].Log().State(); hs.Base <= priorApplied {
		t.Fatalf("lagging node did not install a store image: %s", hs)
	}
	if !hasKey(t, c.kvs[lag], "before") {
		t.Error("lagging node lost the write from before the partition")
	}
	for i := 0; i < 40; i++ {
		if !hasKey(t, c.kvs[lag], fmt.Sprintf("missed-%d", i)) {
			t.Fatalf("lagging node misses missed-%d", i)
		}
	}

	// incremental replication resumes after the image
	e := c.write(leader, "after", "v")
	c.waitApplied(lag, e.Position)
	if !hasKey(t, c.kvs[lag], "after") {
		t.Fatal("write after catch up was not replicated")
	}
}

func TestUncommittedEntryDiscardedAfterEpochChange(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	old := c.leader()
	c.write(old, "committed", "v")

	c.net.Isolate(old.ID())
	tenure := old.Log().Tenure()
	tx := db.NewTxn(old.Log().Reader())
	if err := tx.Set([]byte("orphan"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	orphan, err := old.Append(tenure, tx, nil)
	if err != nil {
		t.Fatalf("append on isolated leader: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	err = old.WaitCommitted(ctx, orphan.Position, orphan.Epoch)
	cancel()
	if err == nil {
		t.Fatal("expected the entry of an isolated leader not to commit")
	}

	next := c.leader(old.ID())
	waitFor(t, 5*time.Second, "old leader to step down", func() bool {
		return !old.Status().IsLeader()
	})
	c.net.Heal()

	c.write(next, "after", "v")
	commit := next.Log().State().Commit
	for id, kv := range c.kvs {
		c.waitApplied(id, commit)
		if hasKey(t, kv, "orphan") {
			t.Errorf("node %d holds the uncommitted entry of the old epoch", id)
		}
		if !hasKey(t, kv, "committed") || !hasKey(t, kv, "after") {
			t.Errorf("node %d misses committed keys", id)
		}
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := old.WaitCommitted(ctx, orphan.Position, orphan.Epoch); !errors.Is(err, replog.ErrTruncated) {
		t.Errorf("expected ErrTruncated for the discarded entry, got %v", err)
	}
}

func TestStaleEpochMessagesAreRejected(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	leader := c.leader()
	c.write(leader, "k", "v")
	f := c.nodes[c.follower(leader)]
	c.waitApplied(f.ID(), leader.Log().State().Commit)

	before := f.Status()
	evil := db.NewBatch()
	evil.Set([]byte("evil"), []byte("v"))
	f.Deliver(Message{
		Type:      MsgAppendEntries,
		From:      99,
		To:        f.ID(),
		Epoch:     before.Epoch - 1,
		LeaderID:  99,
		Position:  before.Last,
		PrevEpoch: before.Epoch,
		Commit:    before.Last + 1,
		Entries:   []replog.Entry{{Position: before.Last + 1, Epoch: before.Epoch - 1, Batch: evil}},
	})

	waitFor(t, 2*time.Second, "stale message to be rejected", func() bool {
		return f.Status().StaleEpochs > before.StaleEpochs
	})
	if hasKey(t, c.kvs[f.ID()], "evil") {
		t.Fatal("stale leader managed to write")
	}
	if st := f.Status(); st.Epoch != before.Epoch || st.Leader != leader.ID() {
		t.Errorf("expected follower to keep epoch %d and leader %d, got %d and %d", before.Epoch, leader.ID(), st.Epoch, st.Leader)
	}
}

func TestMembershipChanges(t *testing.T) {
	c := newTestCluster(t, 1, 2)
	leader := c.leader()
	c.write(leader, "early", "v")

	cfg := testConfig(3, 1, 2)
	cfg.Join = true
	joiner := c.start(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := leader.AddMember(ctx, Member{ID: 3, Addr: cfg.Addr}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	c.write(leader, "late", "v")
	c.waitApplied(3, leader.Log().State().Commit)
	if !hasKey(t, c.kvs[3], "early") || !hasKey(t, c.kvs[3], "late") {
		t.Fatal("joined node did not receive the data")
	}
	waitFor(t, 2*time.Second, "joined node to see itself as member", func() bool {
		return len(joiner.Status().Members) == 3
	})

	if err := leader.RemoveMember(ctx, 3); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if got := len(leader.Status().Members); got != 2 {
		t.Errorf("expected 2 members after removal, got %d", got)
	}
	if err := c.nodes[c.follower(leader)].AddMember(ctx, Member{ID: 4}); !errors.Is(err, ErrNotLeader) {
		t.Errorf("expected followers to refuse membership changes, got %v", err)
	}
}

func TestTransferLeadership(t *testing.T) {
	c := newTestCluster(t, 1, 2, 3)
	old := c.leader()
	epoch := old.Status().Epoch
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := old.TransferLeadership(ctx); err != nil {
		t.Fatal(err)
	}
	next := c.leader(old.ID())
	if next.Status().Epoch <= epoch {
		t.Errorf("expected an epoch after %d, got %d", epoch, next.Status().Epoch)
	}
	c.write(next, "k", "v")
}
