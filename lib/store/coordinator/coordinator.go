package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/workerpool"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("coordinator")

// Replicator orders batches into the replication log. It is implemented by
// replog.Local for a single node and by cluster.Node.
type Replicator interface {
	Append(t replog.Tenure, tx *db.Txn, shared func(tx *db.Txn) error) (replog.Entry, error)
	WaitCommitted(ctx context.Context, pos, epoch uint64) error
	Log() *replog.Log
	Leadership() replog.Leadership
}

// clustered is implemented by replicators that manage a membership.
type clustered interface {
	Status() *cluster.Status
	RemoveMember(ctx context.Context, id uint64) error
	TransferLeadership(ctx context.Context) error
}

// Stage names a step of the write path.
type Stage uint8

const (
	StageValidating Stage = iota + 1
	StageCommitting
	StageReplicating
	StageAcknowledged
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageCommitting:
		return "committing"
	case StageReplicating:
		return "replicating"
	case StageAcknowledged:
		return "acknowledged"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Config tunes a coordinator. Zero values fall back to defaults.
type Config struct {
	NodeID             uint64
	Mode               string
	Durability         store.Durability // used for requests with DurabilityDefault
	ReplicationTimeout time.Duration
	ReadPolicy         store.ReadPolicy
	MaxReadLag         uint64 // positions a follower may trail the leader commit
	ChangeRetention    uint64 // change log entries kept per collection, 0 keeps all
	CompactInterval    time.Duration
	BlobSweepInterval  time.Duration
	BlobGrace          time.Duration
	Workers            int
	QueueSize          int
	DegradedProbe      time.Duration // 0 disables automatic recovery

	// OnStage observes every stage transition of a request.
	OnStage func(requestID string, s Stage)
}

func (c Config) withDefaults() Config {
	if c.Durability == store.DurabilityDefault {
		c.Durability = store.DurabilityMajority
	}
	if c.ReplicationTimeout <= 0 {
		c.ReplicationTimeout = 5 * time.Second
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
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type lockKey struct {
	account uint64
	coll    schema.Collection
}

// Coordinator implements store.IStore and store.IAdmin on top of a Replicator.
//
// Writes to one (account, collection) are serialized by a lock that is held
// from the precondition check until the batch was appended, so the change ids
// of a collection follow the log order.
type Coordinator struct {
	cfg     Config
	rep     Replicator
	log     *replog.Log
	kv      db.KVDB
	pool    *workerpool.Pool
	sweeper *blob.Sweeper
	locks   *xsync.MapOf[lockKey, chan struct{}]

	degraded atomic.Pointer[string]
	now      func() time.Time
}

var (
	_ store.IStore = (*Coordinator)(nil)
	_ store.IAdmin = (*Coordinator)(nil)
)

// New creates a coordinator. kv must be the database behind rep's log.
func New(cfg Config, rep Replicator, kv db.KVDB) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:   cfg,
		rep:   rep,
		log:   rep.Log(),
		kv:    kv,
		locks: xsync.NewMapOf[lockKey, chan struct{}](),
		now:   time.Now,
		pool: workerpool.New(workerpool.Config{
			Name:       "commit",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
		}),
	}
	c.sweeper = blob.NewSweeper(c.log.Reader(), c.reclaimBlobs, cfg.BlobSweepInterval, cfg.BlobGrace)
	return c
}

// Run drives the background work (change log compaction, blob sweeping and
// degraded mode probing) until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sweeper.Run(ctx) })
	g.Go(func() error {
		c.every(ctx, c.cfg.CompactInterval, func() {
			if !c.rep.Leadership().IsLeader || c.cfg.ChangeRetention == 0 {
				return
			}
			if _, err := c.CompactChanges(ctx); err != nil {
				log.Warningf("change log compaction failed: %v", err)
			}
		})
		return nil
	})
	if c.cfg.DegradedProbe > 0 {
		g.Go(func() error {
			c.every(ctx, c.cfg.DegradedProbe, func() {
				if c.degraded.Load() == nil {
					return
				}
				if err := c.Recover(ctx); err != nil {
					log.Debugf("degraded probe failed: %v", err)
				}
			})
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Close waits for running commits.
func (c *Coordinator) Close() error {
	return c.pool.Stop(c.cfg.ReplicationTimeout)
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

type commitResult struct {
	entry   replog.Entry
	results []store.MutationResult
	err     error
}

// Mutate implements store.IStore.
func (c *Coordinator) Mutate(ctx context.Context, req store.Request) (*store.Response, error) {
	start := c.now()
	id := uuid.NewString()

	resp, err := c.mutate(ctx, id, req)
	metrics.MutationDone(req.Collection.String(), opLabel(req.Mutations), store.CodeOf(err).String(), start)
	if err != nil {
		c.stage(id, StageFailed)
		se := store.AsError(err)
		log.Debugf("request %s on %d/%s failed: %v", id, req.Account, req.Collection, se)
		return nil, se
	}
	c.stage(id, StageAcknowledged)
	return resp, nil
}

func (c *Coordinator) mutate(ctx context.Context, id string, req store.Request) (*store.Response, error) {
	c.stage(id, StageValidating)
	if err := c.writable(); err != nil {
		return nil, err
	}
	if _, ok := schema.Lookup(req.Collection); !ok {
		return nil, store.Errorf(store.RetCValidation, "unknown collection %d", req.Collection)
	}
	if len(req.Mutations) == 0 {
		return nil, store.NewError(store.RetCInvalidOperation, "request has no mutations")
	}
	for i, m := range req.Mutations {
		if err := docstore.Validate(req.Collection, m); err != nil {
			return nil, store.Errorf(store.RetCValidation, "mutation %d: %v", i, err)
		}
	}
	var expect *changelog.Token
	if req.IfInState != "" {
		tok, err := changelog.ParseToken(req.IfInState)
		if err != nil {
			return nil, store.Errorf(store.RetCValidation, "ifInState: %v", err)
		}
		expect = &tok
	}
	if lead := c.rep.Leadership(); !lead.IsLeader {
		return nil, store.NotLeader(lead.LeaderAddr)
	}

	unlock, err := c.lock(ctx, lockKey{req.Account, req.Collection})
	if err != nil {
		return nil, store.Errorf(store.RetCCanceled, "canceled while waiting for the collection: %v", err)
	}
	defer unlock()

	// everything the commit depends on is read within this tenure
	tenure := c.log.Tenure()
	lineage, err := c.log.Lineage()
	if err != nil {
		return nil, err
	}
	meta, err := changelog.ReadMeta(c.log.Reader(), req.Account, req.Collection)
	if err != nil {
		return nil, c.storageFailed(err)
	}
	if expect != nil {
		if expect.Lineage != lineage || expect.Account != req.Account || expect.Collection != req.Collection {
			return nil, store.NewError(store.RetCValidation, "ifInState names another collection log")
		}
		if expect.ChangeID != meta.Last {
			return nil, store.Errorf(store.RetCValidation, "state mismatch: collection is at change %d, request expects %d", meta.Last, expect.ChangeID)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, store.Errorf(store.RetCCanceled, "canceled before commit: %v", err)
	}

	// From here on the request runs to completion, the caller's context no
	// longer cancels it.
	c.stage(id, StageCommitting)
	out := make(chan commitResult, 1)
	task := workerpool.Task{
		ID: id,
		Fn: func(context.Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("commit panicked: %v", p)
					out <- commitResult{err: err}
				}
			}()
			r := c.commit(tenure, req)
			out <- r
			return r.err
		},
	}
	if err := c.pool.SubmitWithContext(context.Background(), task); err != nil {
		return nil, store.Errorf(store.RetCUnavailable, "commit queue: %v", err)
	}
	r := <-out
	if r.err != nil {
		return nil, c.commitFailed(r.err)
	}

	c.stage(id, StageReplicating)
	resp := &store.Response{
		RequestID: id,
		Results:   r.results,
		OldState:  changelog.Token{Lineage: lineage, Account: req.Account, Collection: req.Collection, ChangeID: meta.Last, LogPosition: r.entry.Position - 1}.String(),
		NewState:  changelog.Token{Lineage: lineage, Account: req.Account, Collection: req.Collection, ChangeID: r.results[len(r.results)-1].ChangeID, LogPosition: r.entry.Position}.String(),
		Position:  r.entry.Position,
	}

	if c.durability(req.Durability) == store.DurabilityLocal {
		resp.Committed = c.log.State().Commit >= r.entry.Position
		return resp, nil
	}
	if err := c.awaitMajority(ctx, r.entry); err != nil {
		return nil, err
	}
	resp.Committed = true
	return resp, nil
}

// durability resolves DurabilityDefault to the configured level.
func (c *Coordinator) durability(d store.Durability) store.Durability {
	if d == store.DurabilityDefault {
		return c.cfg.Durability
	}
	return d
}

// commit applies the mutations to a transaction and appends it as one entry
// in tenure t.
func (c *Coordinator) commit(t replog.Tenure, req store.Request) commitResult {
	tx := db.NewTxn(c.log.Reader())
	deltas := make(map[blob.Hash]int64)
	results := make([]store.MutationResult, 0, len(req.Mutations))
	for i, m := range req.Mutations {
		res, err := docstore.Apply(tx, req.Account, req.Collection, m)
		if err != nil {
			return commitResult{err: fmt.Errorf("mutation %d: %w", i, err)}
		}
		results = append(results, store.MutationResult{DocumentID: res.DocumentID, ChangeID: res.ChangeID})
		for h, d := range res.BlobDeltas {
			deltas[h] += d
		}
	}

	now := c.now()
	e, err := c.rep.Append(t, tx, func(stx *db.Txn) error {
		if len(deltas) == 0 {
			return nil
		}
		return blob.Adjust(stx, deltas, now)
	})
	if err != nil {
		return commitResult{err: err}
	}
	return commitResult{entry: e, results: results}
}

// awaitMajority waits until e is committed or the replication timeout expires.
func (c *Coordinator) awaitMajority(ctx context.Context, e replog.Entry) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ReplicationTimeout)
	defer cancel()

	err := c.rep.WaitCommitted(wctx, e.Position, e.Epoch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, replog.ErrTruncated):
		return store.Errorf(store.RetCReplicationTimeout, "entry %d was discarded by a leadership change", e.Position)
	case c.committed(e):
		return nil
	case ctx.Err() != nil:
		return store.Errorf(store.RetCCanceled, "canceled while replicating entry %d, it may still commit", e.Position)
	case errors.Is(err, context.DeadlineExceeded):
		return store.Errorf(store.RetCReplicationTimeout, "entry %d was not stored on a majority within %s", e.Position, c.cfg.ReplicationTimeout)
	}
	return store.AsError(err)
}

// committed checks once more whether e made it, since the commit may race
// with the timeout.
func (c *Coordinator) committed(e replog.Entry) bool {
	if c.log.State().Commit < e.Position {
		return false
	}
	epoch, err := c.log.EpochAt(e.Position)
	if errors.Is(err, replog.ErrCompacted) {
		return true
	}
	return err == nil && epoch == e.Epoch
}

func (c *Coordinator) commitFailed(err error) error {
	switch {
	case errors.Is(err, replog.ErrNotLeader):
		return store.NotLeader(c.rep.Leadership().LeaderAddr)
	case errors.Is(err, blob.ErrUnknownBlob):
		return store.Errorf(store.RetCValidation, "%v", err)
	}
	return c.storageFailed(err)
}

// storageFailed switches to degraded mode on I/O errors and corruption.
func (c *Coordinator) storageFailed(err error) error {
	if db.IsIo(err) || db.IsCorruption(err) {
		reason := err.Error()
		if c.degraded.CompareAndSwap(nil, &reason) {
			metrics.Degraded()
			log.Errorf("storage failure, refusing writes until recovered: %v", err)
		}
	}
	return store.AsError(err)
}

func (c *Coordinator) writable() error {
	if r := c.degraded.Load(); r != nil {
		return store.Errorf(store.RetCUnavailable, "node is degraded: %s", *r)
	}
	return nil
}

func (c *Coordinator) lock(ctx context.Context, k lockKey) (func(), error) {
	ch, _ := c.locks.LoadOrCompute(k, func() chan struct{} { return make(chan struct{}, 1) })
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lockAccount locks every collection of an account in collection order.
func (c *Coordinator) lockAccount(ctx context.Context, account uint64) (func(), error) {
	colls := schema.Collections()
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, coll := range colls {
		u, err := c.lock(ctx, lockKey{account, coll})
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

func (c *Coordinator) stage(id string, s Stage) {
	if c.cfg.OnStage != nil {
		c.cfg.OnStage(id, s)
	}
}

func opLabel(ms []docstore.Mutation) string {
	if len(ms) == 0 {
		return "none"
	}
	op := ms[0].Kind
	for _, m := range ms[1:] {
		if m.Kind != op {
			return "mixed"
		}
	}
	return op.String()
}

// PutBlob implements store.IStore.
func (c *Coordinator) PutBlob(ctx context.Context, data []byte, durability store.Durability) (blob.Hash, error) {
	start := c.now()
	h, err := c.putBlob(ctx, data, durability)
	metrics.MutationDone("blob", "put", store.CodeOf(err).String(), start)
	return h, err
}

func (c *Coordinator) putBlob(ctx context.Context, data []byte, durability store.Durability) (blob.Hash, error) {
	if err := c.writable(); err != nil {
		return blob.Hash{}, err
	}
	if lead := c.rep.Leadership(); !lead.IsLeader {
		return blob.Hash{}, store.NotLeader(lead.LeaderAddr)
	}
	var h blob.Hash
	now := c.now()
	e, err := c.rep.Append(c.log.Tenure(), nil, func(stx *db.Txn) error {
		var err error
		h, err = blob.Put(stx, data, now)
		return err
	})
	if err != nil {
		return blob.Hash{}, c.commitFailed(err)
	}
	if c.durability(durability) == store.DurabilityMajority {
		if err := c.awaitMajority(ctx, e); err != nil {
			return blob.Hash{}, err
		}
	}
	return h, nil
}

// DeleteAccount implements store.IStore.
func (c *Coordinator) DeleteAccount(ctx context.Context, account uint64) (int, error) {
	start := c.now()
	n, err := c.deleteAccount(ctx, account)
	metrics.MutationDone("account", "delete", store.CodeOf(err).String(), start)
	return n, err
}

func (c *Coordinator) deleteAccount(ctx context.Context, account uint64) (int, error) {
	if err := c.writable(); err != nil {
		return 0, err
	}
	if lead := c.rep.Leadership(); !lead.IsLeader {
		return 0, store.NotLeader(lead.LeaderAddr)
	}
	unlock, err := c.lockAccount(ctx, account)
	if err != nil {
		return 0, store.Errorf(store.RetCCanceled, "canceled while waiting for the account: %v", err)
	}
	defer unlock()

	tenure := c.log.Tenure()
	tx := db.NewTxn(c.log.Reader())
	removed, deltas, err := docstore.DeleteAccount(tx, account)
	if err != nil {
		return 0, c.storageFailed(err)
	}
	now := c.now()
	e, err := c.rep.Append(tenure, tx, func(stx *db.Txn) error {
		return blob.Adjust(stx, deltas, now)
	})
	if err != nil {
		return 0, c.commitFailed(err)
	}
	if err := c.awaitMajority(ctx, e); err != nil {
		return 0, err
	}
	log.Infof("deleted account %d (%d documents)", account, removed)
	return removed, nil
}

// reclaimBlobs removes unreferenced blobs in one replicated batch.
func (c *Coordinator) reclaimBlobs(ctx context.Context, hashes []blob.Hash) (int, error) {
	if !c.rep.Leadership().IsLeader || c.writable() != nil {
		return 0, nil
	}
	n := 0
	now := c.now()
	e, err := c.rep.Append(c.log.Tenure(), nil, func(stx *db.Txn) error {
		for _, h := range hashes {
			ok, err := blob.Reclaim(stx, h, now, c.cfg.BlobGrace)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, c.commitFailed(err)
	}
	if err := c.awaitMajority(ctx, e); err != nil {
		return 0, err
	}
	metrics.BlobsReclaimed(n)
	return n, nil
}

// SweepBlobs runs one blob sweep right away.
func (c *Coordinator) SweepBlobs(ctx context.Context) (int, error) {
	return c.sweeper.Sweep(ctx)
}

// --------------------------------------------------------------------------
// Read path
// --------------------------------------------------------------------------

// readable applies the read policy.
func (c *Coordinator) readable() error {
	lead := c.rep.Leadership()
	if lead.IsLeader {
		return nil
	}
	if c.cfg.ReadPolicy == store.ReadFollower {
		applied := c.log.State().Applied
		if lead.KnownCommit <= applied+c.cfg.MaxReadLag {
			return nil
		}
		se := store.Errorf(store.RetCNotLeader, "follower trails the leader by %d positions", lead.KnownCommit-applied)
		se.Hint = lead.LeaderAddr
		return se
	}
	return store.NotLeader(lead.LeaderAddr)
}

// Get implements store.IStore.
func (c *Coordinator) Get(_ context.Context, account uint64, coll schema.Collection, id uint64) (*docstore.Document, bool, error) {
	defer metrics.ReadDone("get", c.now())
	if err := c.readable(); err != nil {
		return nil, false, err
	}
	doc, ok, err := docstore.Get(c.log.Reader(), account, coll, id)
	if err != nil {
		return nil, false, c.storageFailed(err)
	}
	return doc, ok, nil
}

// GetMany implements store.IStore.
func (c *Coordinator) GetMany(_ context.Context, account uint64, coll schema.Collection, ids []uint64) ([]*docstore.Document, []uint64, error) {
	defer metrics.ReadDone("get_many", c.now())
	if err := c.readable(); err != nil {
		return nil, nil, err
	}
	docs, missing, err := docstore.GetMany(c.log.Reader(), account, coll, ids)
	if err != nil {
		return nil, nil, c.storageFailed(err)
	}
	return docs, missing, nil
}

// Query implements store.IStore.
func (c *Coordinator) Query(_ context.Context, account uint64, coll schema.Collection, q docstore.Query) ([]uint64, error) {
	defer metrics.ReadDone("query", c.now())
	if err := c.readable(); err != nil {
		return nil, err
	}
	ids, err := docstore.Find(c.log.Reader(), account, coll, q)
	if err != nil {
		return nil, c.storageFailed(err)
	}
	return ids, nil
}

// Search implements store.IStore.
func (c *Coordinator) Search(_ context.Context, account uint64, coll schema.Collection, text string, limit int) ([]uint64, error) {
	defer metrics.ReadDone("search", c.now())
	if err := c.readable(); err != nil {
		return nil, err
	}
	ids, err := docstore.Search(c.log.Reader(), account, coll, text, limit)
	if err != nil {
		return nil, c.storageFailed(err)
	}
	return ids, nil
}

// FetchBlob implements store.IStore.
func (c *Coordinator) FetchBlob(_ context.Context, h blob.Hash) ([]byte, bool, error) {
	defer metrics.ReadDone("blob", c.now())
	if err := c.readable(); err != nil {
		return nil, false, err
	}
	data, ok, err := blob.Fetch(c.log.Reader(), h)
	if err != nil {
		return nil, false, c.storageFailed(err)
	}
	return data, ok, nil
}

// CurrentState implements store.IStore.
func (c *Coordinator) CurrentState(ctx context.Context, account uint64, coll schema.Collection) (string, error) {
	defer metrics.ReadDone("state", c.now())
	var tok changelog.Token
	err := c.stateRead(ctx, account, coll, func(lineage uuid.UUID, pos uint64) error {
		var err error
		tok, err = changelog.CurrentState(c.log.Reader(), lineage, account, coll, pos)
		return err
	})
	if err != nil {
		return "", err
	}
	return tok.String(), nil
}

// ChangesSince implements store.IStore.
func (c *Coordinator) ChangesSince(ctx context.Context, account uint64, coll schema.Collection, since string, maxChanges uint64) (*store.Changes, error) {
	defer metrics.ReadDone("changes", c.now())
	tok, err := changelog.ParseToken(since)
	if err != nil {
		return nil, store.AsError(err)
	}
	var changes *changelog.Changes
	err = c.stateRead(ctx, account, coll, func(lineage uuid.UUID, pos uint64) error {
		var err error
		changes, err = changelog.ChangesSince(c.log.Reader(), lineage, account, coll, tok, maxChanges, pos)
		return err
	})
	if err != nil {
		return nil, err
	}
	return store.ChangesFrom(changes), nil
}

// stateRead runs fn while no write to the collection is in flight and then
// waits until everything fn could have observed is committed. A state token
// handed out therefore never names a change that may still be discarded.
func (c *Coordinator) stateRead(ctx context.Context, account uint64, coll schema.Collection, fn func(lineage uuid.UUID, pos uint64) error) error {
	if err := c.readable(); err != nil {
		return err
	}
	if _, ok := schema.Lookup(coll); !ok {
		return store.Errorf(store.RetCValidation, "unknown collection %d", coll)
	}
	lineage, err := c.log.Lineage()
	if err != nil {
		return store.AsError(err)
	}

	unlock, err := c.lock(ctx, lockKey{account, coll})
	if err != nil {
		return store.AsError(err)
	}
	pos := c.log.State().Applied
	err = fn(lineage, pos)
	unlock()
	if err != nil {
		if errors.Is(err, changelog.ErrCannotCalculateChanges) {
			return store.AsError(err)
		}
		return c.storageFailed(err)
	}

	if c.log.State().Commit >= pos {
		return nil
	}
	epoch, err := c.log.EpochAt(pos)
	if err != nil {
		return store.AsError(err)
	}
	return c.awaitMajority(ctx, replog.Entry{Position: pos, Epoch: epoch})
}

// --------------------------------------------------------------------------
// Admin
// --------------------------------------------------------------------------

// Recover implements store.IAdmin. It probes the storage with an empty
// batch and leaves degraded mode when that succeeds.
func (c *Coordinator) Recover(ctx context.Context) error {
	if c.degraded.Load() == nil {
		return nil
	}
	if c.rep.Leadership().IsLeader {
		e, err := c.rep.Append(c.log.Tenure(), nil, nil)
		if err != nil {
			return store.AsError(err)
		}
		if err := c.rep.WaitCommitted(ctx, e.Position, e.Epoch); err != nil && !c.committed(e) {
			return store.AsError(err)
		}
	} else if _, err := c.kv.Commit(db.NewBatch()); err != nil {
		return store.AsError(err)
	}
	c.degraded.Store(nil)
	log.Infof("storage probe succeeded, accepting writes again")
	return nil
}

// EvictMember implements store.IAdmin.
func (c *Coordinator) EvictMember(ctx context.Context, id uint64) error {
	cl, ok := c.rep.(clustered)
	if !ok {
		return store.NewError(store.RetCUnsupportedOperation, "not running as a cluster")
	}
	return c.adminErr(cl.RemoveMember(ctx, id))
}

// TransferLeadership implements store.IAdmin.
func (c *Coordinator) TransferLeadership(ctx context.Context) error {
	cl, ok := c.rep.(clustered)
	if !ok {
		return store.NewError(store.RetCUnsupportedOperation, "not running as a cluster")
	}
	return c.adminErr(cl.TransferLeadership(ctx))
}

func (c *Coordinator) adminErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, replog.ErrNotLeader):
		return store.NotLeader(c.rep.Leadership().LeaderAddr)
	case errors.Is(err, cluster.ErrChangePending):
		return store.Errorf(store.RetCUnavailable, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.Errorf(store.RetCReplicationTimeout, "%v", err)
	}
	return store.AsError(err)
}

// CompactChanges implements store.IAdmin. Each collection whose change log
// exceeds the retention window is compacted in its own replicated batch.
func (c *Coordinator) CompactChanges(ctx context.Context) (int, error) {
	if lead := c.rep.Leadership(); !lead.IsLeader {
		return 0, store.NotLeader(lead.LeaderAddr)
	}
	if err := c.writable(); err != nil {
		return 0, err
	}
	retain := c.cfg.ChangeRetention
	if retain == 0 {
		return 0, nil
	}
	streams, err := changelog.Streams(c.log.Reader())
	if err != nil {
		return 0, c.storageFailed(err)
	}

	total := 0
	for _, s := range streams {
		if s.Last <= retain || s.Last-retain <= s.Lowest {
			continue
		}
		n, err := c.compactStream(ctx, s.Account, s.Collection, retain)
		total += n
		if err != nil {
			metrics.ChangesCompacted(total)
			return total, err
		}
	}
	metrics.ChangesCompacted(total)
	if total > 0 {
		log.Infof("compacted %d change log entries", total)
	}
	return total, nil
}

func (c *Coordinator) compactStream(ctx context.Context, account uint64, coll schema.Collection, retain uint64) (int, error) {
	unlock, err := c.lock(ctx, lockKey{account, coll})
	if err != nil {
		return 0, store.AsError(err)
	}
	defer unlock()

	tenure := c.log.Tenure()
	tx := db.NewTxn(c.log.Reader())
	n, err := changelog.Compact(tx, account, coll, retain)
	if err != nil {
		return 0, c.storageFailed(err)
	}
	if n == 0 {
		return 0, nil
	}
	e, err := c.rep.Append(tenure, tx, nil)
	if err != nil {
		return 0, c.commitFailed(err)
	}
	if err := c.awaitMajority(ctx, e); err != nil {
		return 0, err
	}
	return n, nil
}

// Status implements store.IStore.
func (c *Coordinator) Status(_ context.Context) (*store.NodeStatus, error) {
	hs := c.log.State()
	st := &store.NodeStatus{
		NodeID:  c.cfg.NodeID,
		Mode:    c.cfg.Mode,
		Role:    "leader",
		Leader:  c.cfg.NodeID,
		Epoch:   hs.Epoch,
		Commit:  hs.Commit,
		Applied: hs.Applied,
		Last:    hs.Last,
		Base:    hs.Base,
		DB:      c.kv.GetInfo(),
	}
	if r := c.degraded.Load(); r != nil {
		st.Degraded, st.DegradedReason = true, *r
	}
	cl, ok := c.rep.(clustered)
	if !ok {
		return st, nil
	}
	cs := cl.Status()
	if cs == nil {
		return st, nil
	}
	st.Role, st.Leader, st.LeaderAddr = cs.Role.String(), cs.Leader, cs.LeaderAddr
	peers := make(map[uint64]cluster.PeerStatus, len(cs.Peers))
	for _, p := range cs.Peers {
		peers[p.ID] = p
	}
	for _, m := range cs.Members {
		ms := store.MemberStatus{ID: m.ID, Addr: m.Addr}
		if p, ok := peers[m.ID]; ok {
			ms.Match, ms.Stale, ms.LastAck = p.Match, p.Stale, p.LastAck
		}
		if m.ID == cs.ID {
			ms.Match = hs.Last
		}
		st.Members = append(st.Members, ms)
	}
	return st, nil
}
