package dstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore/internal"
	"github.com/google/uuid"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// appliedKey holds the raft index of the last applied entry. It is written in
// the same batch as the entry's effects.
var appliedKey = []byte{'g', 'a'}

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// DocStateMachine applies proposed document commands to a KVDB.
type DocStateMachine struct {
	replicaID uint64
	shardID   uint64
	database  db.KVDB
	applied   uint64
}

// StatusResult is returned by QueryTStatus.
type StatusResult struct {
	Applied uint64
	DB      db.DatabaseInfo
}

// CreateStateMachineFactory returns a function that can be used by dragonboat
// to create a state machine for a node host. The caller passes the factory of
// the backing database.
func CreateStateMachineFactory(dbFactory store.DBFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		kv, err := dbFactory()
		if err != nil {
			// dragonboat offers no error path here
			panic(fmt.Sprintf("shard %d replica %d: open database: %v", shardID, replicaID, err))
		}
		fsm := &DocStateMachine{replicaID: replicaID, shardID: shardID, database: kv}
		raw, ok, err := kv.Get(appliedKey)
		if err != nil {
			panic(fmt.Sprintf("shard %d replica %d: read applied index: %v", shardID, replicaID, err))
		}
		if ok && len(raw) == 8 {
			fsm.applied = binary.BigEndian.Uint64(raw)
			log.Infof("shard %d replica %d resumes after index %d", shardID, replicaID, fsm.applied)
		}
		return fsm
	}
}

// Update applies committed commands. Every entry is committed in its own
// batch together with its index, so entries replayed after a restart are
// skipped.
func (fsm *DocStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	start := time.Now()

	for idx, e := range entries {
		if e.Index <= fsm.applied {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess)}
			continue
		}
		tx := db.NewTxn(fsm.database)
		res := fsm.apply(tx, e)
		if res.Value != uint64(store.RetCSuccess) {
			// failed commands leave no trace besides the applied index
			tx = db.NewTxn(fsm.database)
		}
		b := tx.Batch()
		b.Set(appliedKey, binary.BigEndian.AppendUint64(nil, e.Index))
		if _, err := fsm.database.Commit(b); err != nil {
			// a replica that cannot persist must not answer for this shard
			return entries, fmt.Errorf("shard %d: commit entry %d: %w", fsm.shardID, e.Index, err)
		}
		fsm.applied = e.Index
		entries[idx].Result = res
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func fail(code store.RetCode, err error) sm.Result {
	return sm.Result{Value: uint64(code), Data: []byte(err.Error())}
}

func (fsm *DocStateMachine) apply(tx *db.Txn, e sm.Entry) sm.Result {
	if len(e.Cmd) == 0 {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
	}
	var cmd internal.Command
	if err := cmd.Deserialize(e.Cmd); err != nil {
		return fail(store.RetCInternalError, fmt.Errorf("failed to deserialize command: %w", err))
	}

	lineage, err := fsm.lineage(tx, cmd.Genesis)
	if err != nil {
		return fail(store.CodeOf(err), err)
	}
	now := time.Unix(0, cmd.Now)

	var out internal.Outcome
	switch cmd.Type {
	case internal.CommandTMutate:
		out, err = fsm.mutate(tx, lineage, e.Index, cmd, now)
	case internal.CommandTPutBlob:
		out.Hash, err = blob.Put(tx, cmd.Data, now)
	case internal.CommandTDeleteAccount:
		var removed int
		var deltas map[blob.Hash]int64
		if removed, deltas, err = docstore.DeleteAccount(tx, cmd.Account); err == nil {
			err = blob.Adjust(tx, deltas, now)
		}
		out.Count = uint64(removed)
	case internal.CommandTReclaimBlobs:
		grace := time.Duration(cmd.Retain)
		for _, h := range cmd.Hashes {
			ok, rerr := blob.Reclaim(tx, h, now, grace)
			if rerr != nil {
				err = rerr
				break
			}
			if ok {
				out.Count++
			}
		}
	case internal.CommandTCompactChanges:
		out.Count, err = compactAll(tx, cmd.Retain)
	case internal.CommandTNoop:
	default:
		return fail(store.RetCInvalidOperation, fmt.Errorf("unknown command operation: %s", cmd.Type))
	}
	if err != nil {
		code := store.CodeOf(err)
		if errors.Is(err, blob.ErrUnknownBlob) {
			code = store.RetCValidation
		}
		return fail(code, err)
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: out.Serialize()}
}

// lineage returns the shard's lineage id, adopting the one proposed with the
// command when the shard is fresh.
func (fsm *DocStateMachine) lineage(tx *db.Txn, proposed uuid.UUID) (uuid.UUID, error) {
	raw, ok, err := tx.Get(replog.LineageKey)
	if err != nil {
		return uuid.Nil, err
	}
	if ok {
		return uuid.FromBytes(raw)
	}
	if proposed == uuid.Nil {
		proposed = uuid.NewSHA1(uuid.NameSpaceOID, binary.BigEndian.AppendUint64(nil, fsm.shardID))
	}
	log.Infof("shard %d starts lineage %s", fsm.shardID, proposed)
	return proposed, tx.Set(replog.LineageKey, proposed[:])
}

func (fsm *DocStateMachine) mutate(tx *db.Txn, lineage uuid.UUID, index uint64, cmd internal.Command, now time.Time) (internal.Outcome, error) {
	var out internal.Outcome
	meta, err := changelog.ReadMeta(tx, cmd.Account, cmd.Collection)
	if err != nil {
		return out, err
	}
	if cmd.IfInState != "" {
		tok, err := changelog.ParseToken(cmd.IfInState)
		if err != nil {
			return out, store.Errorf(store.RetCValidation, "ifInState: %v", err)
		}
		if tok.Lineage != lineage || tok.Account != cmd.Account || tok.Collection != cmd.Collection || tok.ChangeID != meta.Last {
			return out, store.Errorf(store.RetCValidation, "state mismatch: collection is at change %d, request expects %d", meta.Last, tok.ChangeID)
		}
	}

	deltas := make(map[blob.Hash]int64)
	for i, m := range cmd.Mutations {
		res, err := docstore.Apply(tx, cmd.Account, cmd.Collection, m)
		if err != nil {
			return out, fmt.Errorf("mutation %d: %w", i, err)
		}
		out.DocumentIDs = append(out.DocumentIDs, res.DocumentID)
		out.ChangeIDs = append(out.ChangeIDs, res.ChangeID)
		for h, d := range res.BlobDeltas {
			deltas[h] += d
		}
	}
	if err := blob.Adjust(tx, deltas, now); err != nil {
		return out, err
	}

	out.OldState = changelog.Token{Lineage: lineage, Account: cmd.Account, Collection: cmd.Collection, ChangeID: meta.Last, LogPosition: index - 1}.String()
	last := meta.Last
	if n := len(out.ChangeIDs); n > 0 {
		last = out.ChangeIDs[n-1]
	}
	out.NewState = changelog.Token{Lineage: lineage, Account: cmd.Account, Collection: cmd.Collection, ChangeID: last, LogPosition: index}.String()
	return out, nil
}

func compactAll(tx *db.Txn, retain uint64) (uint64, error) {
	if retain == 0 {
		return 0, nil
	}
	streams, err := changelog.Streams(tx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, s := range streams {
		n, err := changelog.Compact(tx, s.Account, s.Collection, retain)
		if err != nil {
			return total, err
		}
		total += uint64(n)
	}
	return total, nil
}

// Lookup handles read-only queries.
func (fsm *DocStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}
	r := fsm.database

	switch q.Type {
	case internal.QueryTGet:
		docs, missing, err := docstore.GetMany(r, q.Account, q.Collection, q.IDs)
		return internal.QueryResult{Docs: docs, NotFound: missing}, err
	case internal.QueryTFind:
		ids, err := docstore.Find(r, q.Account, q.Collection, q.Index)
		return internal.QueryResult{IDs: ids}, err
	case internal.QueryTSearch:
		ids, err := docstore.Search(r, q.Account, q.Collection, q.Text, q.Limit)
		return internal.QueryResult{IDs: ids}, err
	case internal.QueryTFetchBlob:
		data, ok, err := blob.Fetch(r, q.Hash)
		return internal.QueryResult{Value: data, Ok: ok}, err
	case internal.QueryTBlobCandidates:
		hashes, err := blob.Candidates(r, time.Unix(0, q.Now), time.Duration(q.GraceNanos), q.Limit)
		return internal.QueryResult{Hashes: hashes}, err
	case internal.QueryTCurrentState, internal.QueryTChangesSince:
		return fsm.stateQuery(q)
	case internal.QueryTStatus:
		return StatusResult{Applied: fsm.appliedIndex(), DB: fsm.database.GetInfo()}, nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// stateQuery answers state queries from a snapshot so that the token
// position matches what was read.
func (fsm *DocStateMachine) stateQuery(q internal.Query) (interface{}, error) {
	snap, err := fsm.database.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var (
		lineage uuid.UUID
		pos     uint64
	)
	if raw, ok, err := snap.Get(replog.LineageKey); err != nil {
		return nil, err
	} else if ok {
		if lineage, err = uuid.FromBytes(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok, err := snap.Get(appliedKey); err != nil {
		return nil, err
	} else if ok && len(raw) == 8 {
		pos = binary.BigEndian.Uint64(raw)
	}

	if q.Type == internal.QueryTCurrentState {
		tok, err := changelog.CurrentState(snap, lineage, q.Account, q.Collection, pos)
		if err != nil {
			return nil, err
		}
		return tok.String(), nil
	}
	since, err := changelog.ParseToken(q.Since)
	if err != nil {
		return nil, err
	}
	changes, err := changelog.ChangesSince(snap, lineage, q.Account, q.Collection, since, q.MaxChanges, pos)
	if err != nil {
		return nil, err
	}
	return store.ChangesFrom(changes), nil
}

func (fsm *DocStateMachine) appliedIndex() uint64 {
	raw, ok, err := fsm.database.Get(appliedKey)
	if err != nil || !ok || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// PrepareSnapshot captures a point in time view of the database.
func (fsm *DocStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.database.NewSnapshot()
}

// SaveSnapshot streams the prepared view as a store image.
func (fsm *DocStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	snap, ok := ctx.(db.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected snapshot context %T", ctx)
	}
	defer snap.Close()

	var hdr replog.ImageHeader
	if raw, ok, err := snap.Get(appliedKey); err != nil {
		return err
	} else if ok && len(raw) == 8 {
		hdr.Position = binary.BigEndian.Uint64(raw)
	}
	n, err := replog.WriteImage(writer, hdr, snap, nil, nil)
	if err == nil {
		log.Infof("shard %d saved snapshot at index %d with %d keys", fsm.shardID, hdr.Position, n)
	}
	return err
}

// RecoverFromSnapshot replaces the database content with a store image.
func (fsm *DocStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	b := db.NewBatch()
	it := fsm.database.Scan(nil, nil)
	for it.Next() {
		b.Delete(it.Key())
	}
	err := it.Err()
	it.Close()
	if err != nil {
		return err
	}
	hdr, err := replog.ReadImage(r, func(k, v []byte) error {
		b.Set(k, v)
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := fsm.database.Commit(b); err != nil {
		return err
	}
	fsm.applied = hdr.Position
	log.Infof("shard %d recovered from snapshot at index %d", fsm.shardID, hdr.Position)
	return nil
}

// Close performs any necessary cleanup.
func (fsm *DocStateMachine) Close() error {
	return fsm.database.Close()
}
