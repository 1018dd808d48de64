package dstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore/internal"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("store")

// Config tunes a distributed store.
type Config struct {
	ShardID   uint64
	ReplicaID uint64
	Timeout   time.Duration
	// ReadPolicy ReadFollower answers reads from the local replica without
	// a read index round.
	ReadPolicy        store.ReadPolicy
	ChangeRetention   uint64
	CompactInterval   time.Duration
	BlobSweepInterval time.Duration
	BlobGrace         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = time.Minute
	}
	if c.BlobSweepInterval <= 0 {
		c.BlobSweepInterval = 10 * time.Minute
	}
	if c.BlobGrace <= 0 {
		c.BlobGrace = time.Hour
	}
	return c
}

// Store is the raft backed store. It encapsulates a dragonboat NodeHost
// which is used to communicate with the DocStateMachine of the shard.
type Store struct {
	nh      *dragonboat.NodeHost
	cfg     Config
	cs      *client.Session
	genesis uuid.UUID
}

var (
	_ store.IStore = (*Store)(nil)
	_ store.IAdmin = (*Store)(nil)
)

// NewDistributedStore creates a store that proposes every write through raft.
// The shard must already be started on nh.
func NewDistributedStore(nh *dragonboat.NodeHost, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		nh:      nh,
		cfg:     cfg,
		cs:      nh.GetNoOPSession(cfg.ShardID),
		genesis: uuid.New(),
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

func (s *Store) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Timeout / 50
	b.MaxInterval = s.cfg.Timeout / 5
	b.MaxElapsedTime = s.cfg.Timeout
	return backoff.WithContext(b, ctx)
}

// classify maps dragonboat errors to store errors.
func classify(err error) error {
	switch {
	case errors.Is(err, dragonboat.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return store.Errorf(store.RetCReplicationTimeout, "%v", err)
	case errors.Is(err, dragonboat.ErrShardNotReady), errors.Is(err, dragonboat.ErrSystemBusy), errors.Is(err, dragonboat.ErrShardNotFound):
		return store.Errorf(store.RetCUnavailable, "%v", err)
	case errors.Is(err, context.Canceled):
		return store.Errorf(store.RetCCanceled, "%v", err)
	}
	return store.AsError(err)
}

// write proposes a command and waits until it was applied. Busy shards are
// retried with backoff.
func (s *Store) write(ctx context.Context, cmd internal.Command) (*internal.Outcome, error) {
	cmd.Genesis = s.genesis
	cmd.Now = time.Now().UnixNano()
	data := cmd.Serialize()

	var out internal.Outcome
	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		res, err := s.nh.SyncPropose(pctx, s.cs, data)
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: system busy, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(classify(err))
		}
		if res.Value != uint64(store.RetCSuccess) {
			return backoff.Permanent(store.NewError(store.RetCode(res.Value), string(res.Data)))
		}
		if err := out.Deserialize(res.Data); err != nil {
			return backoff.Permanent(store.Errorf(store.RetCInternalError, "malformed result: %v", err))
		}
		return nil
	}
	if err := backoff.Retry(op, s.retryPolicy(ctx)); err != nil {
		return nil, classify(err)
	}
	return &out, nil
}

// read is a generic helper function that queries the state machine and
// converts the response into the expected type R. Linearizable reads use
// SyncRead, the follower read policy uses StaleRead.
func read[R any](ctx context.Context, s *Store, q internal.Query) (R, error) {
	var zero, casted R
	op := func() error {
		var (
			res interface{}
			err error
		)
		if s.cfg.ReadPolicy == store.ReadFollower {
			res, err = s.nh.StaleRead(s.cfg.ShardID, q)
		} else {
			rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			res, err = s.nh.SyncRead(rctx, s.cfg.ShardID, q)
			cancel()
		}
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: system busy, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(classify(err))
		}
		var ok bool
		if casted, ok = res.(R); !ok {
			return backoff.Permanent(store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero)))
		}
		return nil
	}
	if err := backoff.Retry(op, s.retryPolicy(ctx)); err != nil {
		return zero, classify(err)
	}
	return casted, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Mutate(ctx context.Context, req store.Request) (*store.Response, error) {
	start := time.Now()
	resp, err := s.mutate(ctx, req)
	metrics.MutationDone(req.Collection.String(), "batch", store.CodeOf(err).String(), start)
	return resp, err
}

func (s *Store) mutate(ctx context.Context, req store.Request) (*store.Response, error) {
	if len(req.Mutations) == 0 {
		return nil, store.NewError(store.RetCInvalidOperation, "request has no mutations")
	}
	for i, m := range req.Mutations {
		if err := docstore.Validate(req.Collection, m); err != nil {
			return nil, store.Errorf(store.RetCValidation, "mutation %d: %v", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, store.Errorf(store.RetCCanceled, "canceled before commit: %v", err)
	}
	out, err := s.write(ctx, internal.Command{
		Type:       internal.CommandTMutate,
		Account:    req.Account,
		Collection: req.Collection,
		IfInState:  req.IfInState,
		Mutations:  req.Mutations,
	})
	if err != nil {
		return nil, err
	}
	resp := &store.Response{
		RequestID: uuid.NewString(),
		OldState:  out.OldState,
		NewState:  out.NewState,
		Committed: true,
	}
	for i := range out.DocumentIDs {
		resp.Results = append(resp.Results, store.MutationResult{DocumentID: out.DocumentIDs[i], ChangeID: out.ChangeIDs[i]})
	}
	return resp, nil
}

func (s *Store) Get(ctx context.Context, account uint64, coll schema.Collection, id uint64) (*docstore.Document, bool, error) {
	docs, _, err := s.GetMany(ctx, account, coll, []uint64{id})
	if err != nil || len(docs) == 0 {
		return nil, false, err
	}
	return docs[0], true, nil
}

func (s *Store) GetMany(ctx context.Context, account uint64, coll schema.Collection, ids []uint64) ([]*docstore.Document, []uint64, error) {
	defer metrics.ReadDone("get_many", time.Now())
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTGet, Account: account, Collection: coll, IDs: ids})
	return res.Docs, res.NotFound, err
}

func (s *Store) Query(ctx context.Context, account uint64, coll schema.Collection, q docstore.Query) ([]uint64, error) {
	defer metrics.ReadDone("query", time.Now())
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTFind, Account: account, Collection: coll, Index: q})
	return res.IDs, err
}

func (s *Store) Search(ctx context.Context, account uint64, coll schema.Collection, text string, limit int) ([]uint64, error) {
	defer metrics.ReadDone("search", time.Now())
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTSearch, Account: account, Collection: coll, Text: text, Limit: limit})
	return res.IDs, err
}

// PutBlob commits through raft, so every durability level waits for a
// majority.
func (s *Store) PutBlob(ctx context.Context, data []byte, _ store.Durability) (blob.Hash, error) {
	out, err := s.write(ctx, internal.Command{Type: internal.CommandTPutBlob, Data: data})
	if err != nil {
		return blob.Hash{}, err
	}
	return out.Hash, nil
}

func (s *Store) FetchBlob(ctx context.Context, h blob.Hash) ([]byte, bool, error) {
	defer metrics.ReadDone("blob", time.Now())
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTFetchBlob, Hash: h})
	return res.Value, res.Ok, err
}

func (s *Store) ChangesSince(ctx context.Context, account uint64, coll schema.Collection, since string, maxChanges uint64) (*store.Changes, error) {
	defer metrics.ReadDone("changes", time.Now())
	return read[*store.Changes](ctx, s, internal.Query{Type: internal.QueryTChangesSince, Account: account, Collection: coll, Since: since, MaxChanges: maxChanges})
}

func (s *Store) CurrentState(ctx context.Context, account uint64, coll schema.Collection) (string, error) {
	defer metrics.ReadDone("state", time.Now())
	return read[string](ctx, s, internal.Query{Type: internal.QueryTCurrentState, Account: account, Collection: coll})
}

func (s *Store) DeleteAccount(ctx context.Context, account uint64) (int, error) {
	out, err := s.write(ctx, internal.Command{Type: internal.CommandTDeleteAccount, Account: account})
	if err != nil {
		return 0, err
	}
	return int(out.Count), nil
}

func (s *Store) Status(ctx context.Context) (*store.NodeStatus, error) {
	st := &store.NodeStatus{NodeID: s.cfg.ReplicaID, Mode: "raft", Role: "follower"}
	leader, term, valid, err := s.nh.GetLeaderID(s.cfg.ShardID)
	if err != nil {
		return nil, classify(err)
	}
	st.Epoch = term
	if valid {
		st.Leader = leader
		if leader == s.cfg.ReplicaID {
			st.Role = "leader"
		}
	}

	res, err := s.nh.StaleRead(s.cfg.ShardID, internal.Query{Type: internal.QueryTStatus})
	if err != nil {
		return nil, classify(err)
	}
	if sr, ok := res.(StatusResult); ok {
		st.Applied, st.Commit, st.Last, st.DB = sr.Applied, sr.Applied, sr.Applied, sr.DB
	}

	mctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	m, err := s.nh.SyncGetShardMembership(mctx, s.cfg.ShardID)
	if err != nil {
		return st, nil
	}
	for id, addr := range m.Nodes {
		st.Members = append(st.Members, store.MemberStatus{ID: id, Addr: addr})
		if id == st.Leader {
			st.LeaderAddr = addr
		}
	}
	sort.Slice(st.Members, func(i, j int) bool { return st.Members[i].ID < st.Members[j].ID })
	return st, nil
}

// --------------------------------------------------------------------------
// Admin
// --------------------------------------------------------------------------

// Recover is a no-op: a replica that fails to persist an entry stops, and
// is brought back by restarting it from a snapshot.
func (s *Store) Recover(context.Context) error { return nil }

func (s *Store) EvictMember(ctx context.Context, id uint64) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.nh.SyncRequestDeleteReplica(rctx, s.cfg.ShardID, id, 0); err != nil {
		return classify(err)
	}
	log.Infof("removed replica %d from shard %d", id, s.cfg.ShardID)
	return nil
}

// TransferLeadership hands leadership to the member with the lowest id other
// than the current leader.
func (s *Store) TransferLeadership(ctx context.Context) error {
	leader, _, valid, err := s.nh.GetLeaderID(s.cfg.ShardID)
	if err != nil {
		return classify(err)
	}
	if !valid {
		return store.NewError(store.RetCUnavailable, "shard has no leader")
	}
	mctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	m, err := s.nh.SyncGetShardMembership(mctx, s.cfg.ShardID)
	if err != nil {
		return classify(err)
	}
	var target uint64
	for id := range m.Nodes {
		if id != leader && (target == 0 || id < target) {
			target = id
		}
	}
	if target == 0 {
		return store.NewError(store.RetCInvalidOperation, "no other member to transfer leadership to")
	}
	if err := s.nh.RequestLeaderTransfer(s.cfg.ShardID, target); err != nil {
		return classify(err)
	}
	log.Infof("requested leadership transfer of shard %d from %d to %d", s.cfg.ShardID, leader, target)
	return nil
}

func (s *Store) CompactChanges(ctx context.Context) (int, error) {
	if s.cfg.ChangeRetention == 0 {
		return 0, nil
	}
	out, err := s.write(ctx, internal.Command{Type: internal.CommandTCompactChanges, Retain: s.cfg.ChangeRetention})
	if err != nil {
		return 0, err
	}
	metrics.ChangesCompacted(int(out.Count))
	return int(out.Count), nil
}

// SweepBlobs reclaims unreferenced blobs once.
func (s *Store) SweepBlobs(ctx context.Context) (int, error) {
	res, err := read[internal.QueryResult](ctx, s, internal.Query{
		Type:       internal.QueryTBlobCandidates,
		Now:        time.Now().UnixNano(),
		GraceNanos: int64(s.cfg.BlobGrace),
		Limit:      256,
	})
	if err != nil || len(res.Hashes) == 0 {
		return 0, err
	}
	out, err := s.write(ctx, internal.Command{Type: internal.CommandTReclaimBlobs, Hashes: res.Hashes, Retain: uint64(s.cfg.BlobGrace)})
	if err != nil {
		return 0, err
	}
	metrics.BlobsReclaimed(int(out.Count))
	return int(out.Count), nil
}

func (s *Store) isLeader() bool {
	leader, _, valid, err := s.nh.GetLeaderID(s.cfg.ShardID)
	return err == nil && valid && leader == s.cfg.ReplicaID
}

// Run performs change log compaction and blob sweeping on the leader
// replica until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	loop := func(d time.Duration, name string, fn func(context.Context) (int, error)) {
		g.Go(func() error {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				if !s.isLeader() {
					continue
				}
				if n, err := fn(ctx); err != nil {
					log.Warningf("%s failed: %v", name, err)
				} else if n > 0 {
					log.Infof("%s: %d", name, n)
				}
			}
		})
	}
	loop(s.cfg.CompactInterval, "change log compaction", s.CompactChanges)
	loop(s.cfg.BlobSweepInterval, "blob sweep", s.SweepBlobs)
	return g.Wait()
}
