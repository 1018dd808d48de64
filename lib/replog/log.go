package replog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replog")

var (
	ErrNotLeader   = errors.New("replog: not accepting appends")
	ErrCompacted   = errors.New("replog: position was compacted")
	ErrTruncated   = errors.New("replog: entry was discarded before it was committed")
	errShortRecord = errors.New("short record")
)

// GapError is returned by Store when the entries do not connect to the local
// log. Last names the position the follower can continue from.
type GapError struct {
	Last uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("replog: entries do not connect, local log matches up to %d", e.Last)
}

// ApplyObserver is called for every entry that becomes part of the state,
// while the log lock is held.
type ApplyObserver func(e Entry)

// applyChunk bounds the number of entries folded into one backend commit.
const applyChunk = 256

// Log is the replication log of a node, stored in the same backend as the
// replicated state. Appending on the leader and applying on followers write
// the entry and its effect in one backend batch.
type Log struct {
	kv db.KVDB

	mu          sync.Mutex
	hs          HardState
	leaderEpoch uint64 // appends are accepted while non zero
	tenure      Tenure
	tenures     uint64
	changed     chan struct{}
	observer    ApplyObserver
}

// Open loads the log stored in kv. Entries that were applied but never
// committed (the node crashed while leading) are rolled back from the state
// but kept in the log, a later leader decides about them.
func Open(kv db.KVDB) (*Log, error) {
	l := &Log{kv: kv, changed: make(chan struct{})}
	raw, ok, err := kv.Get(hardStateKey)
	if err != nil {
		return nil, err
	}
	if ok {
		if l.hs, err = decodeHardState(raw); err != nil {
			return nil, db.CorruptionError(err, "replog: open")
		}
	}
	if l.hs.Applied > l.hs.Commit {
		log.Warningf("rolling back %d uncommitted entries after restart", l.hs.Applied-l.hs.Commit)
		if err := l.unapplyLocked(l.hs.Commit); err != nil {
			return nil, err
		}
	}
	log.Infof("opened replication log: %s", l.hs)
	return l, nil
}

func (hs HardState) String() string {
	return fmt.Sprintf("epoch=%d commit=%d applied=%d last=%d/%d base=%d/%d",
		hs.Epoch, hs.Commit, hs.Applied, hs.Last, hs.LastEpoch, hs.Base, hs.BaseEpoch)
}

// SetObserver installs fn to be called for every applied entry.
func (l *Log) SetObserver(fn ApplyObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// State returns a copy of the hard state.
func (l *Log) State() HardState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hs
}

// Reader returns the backend for reads of the replicated state.
func (l *Log) Reader() db.Reader { return l.kv }

// Lineage returns the lineage id of the log, or uuid.Nil before the first entry.
func (l *Log) Lineage() (uuid.UUID, error) {
	raw, ok, err := l.kv.Get(LineageKey)
	if err != nil || !ok {
		return uuid.Nil, err
	}
	return uuid.FromBytes(raw)
}

// Genesis writes a fresh lineage id unless one exists. It is meant for the
// first entry a new leader appends.
func Genesis(tx *db.Txn) error {
	if _, ok, err := tx.Get(LineageKey); err != nil || ok {
		return err
	}
	id := uuid.New()
	log.Infof("starting new log lineage %s", id)
	return tx.Set(LineageKey, id[:])
}

// Tenure identifies one period in which the log accepts appends. A new
// tenure starts with every BecomeLeader, so a transaction prepared in an
// earlier tenure cannot be appended even if the epoch is led again. The zero
// Tenure never matches.
type Tenure struct {
	Epoch uint64
	gen   uint64
}

// Tenure returns the current tenure, or the zero Tenure while following.
// Take it before reading the state a transaction is built from.
func (l *Log) Tenure() Tenure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tenure
}

// Changed returns a channel that is closed on the next change of the hard state.
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Log) persistLocked(b *db.Batch, hs HardState) error {
	b.Set(hardStateKey, hs.encode())
	if _, err := l.kv.Commit(b); err != nil {
		return err
	}
	l.hs = hs
	l.notifyLocked()
	return nil
}

// --------------------------------------------------------------------------
// Terms
// --------------------------------------------------------------------------

// SetEpoch persists a new epoch and vote. Epochs never decrease.
func (l *Log) SetEpoch(epoch, votedFor uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch < l.hs.Epoch {
		return fmt.Errorf("replog: epoch %d is older than %d", epoch, l.hs.Epoch)
	}
	if epoch == l.hs.Epoch && votedFor == l.hs.VotedFor {
		return nil
	}
	hs := l.hs
	hs.Epoch, hs.VotedFor = epoch, votedFor
	return l.persistLocked(db.NewBatch(), hs)
}

// BecomeLeader applies every stored entry, recording undo images, and starts
// accepting appends for epoch.
func (l *Log) BecomeLeader(epoch uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.hs.Epoch {
		return fmt.Errorf("replog: cannot lead epoch %d, current epoch is %d", epoch, l.hs.Epoch)
	}
	for pos := l.hs.Applied + 1; pos <= l.hs.Last; pos++ {
		e, err := l.readLocked(pos)
		if err != nil {
			return err
		}
		tx := db.NewTxn(l.kv)
		for _, op := range e.Batch.Ops() {
			if op.Delete {
				err = tx.Delete(op.Key)
			} else {
				err = tx.Set(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		e.undo = tx.Undo()
		b := tx.Batch()
		b.Set(recordKey(pos), encodeRecord(e))
		hs := l.hs
		hs.Applied = pos
		if err := l.persistLocked(b, hs); err != nil {
			return err
		}
		l.observeLocked(e)
	}
	l.leaderEpoch = epoch
	l.tenures++
	l.tenure = Tenure{Epoch: epoch, gen: l.tenures}
	return nil
}

// StepDown stops accepting appends and discards the uncommitted tail.
func (l *Log) StepDown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaderEpoch = 0
	l.tenure = Tenure{}
	if l.hs.Last > l.hs.Commit {
		log.Infof("discarding %d uncommitted entries (%d..%d)", l.hs.Last-l.hs.Commit, l.hs.Commit+1, l.hs.Last)
	}
	return l.truncateLocked(l.hs.Commit + 1)
}

// --------------------------------------------------------------------------
// Leader write path
// --------------------------------------------------------------------------

// Append turns tx into the next entry and applies it. t must be the tenure
// taken before tx read any state; appends from another tenure fail with
// ErrNotLeader. shared is run under the log lock on a fresh transaction and
// merged into tx; it is meant for keys that are written by unrelated
// mutations (e.g. blob reference counts).
func (l *Log) Append(t Tenure, tx *db.Txn, shared func(tx *db.Txn) error) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leaderEpoch == 0 || t.gen == 0 || t != l.tenure {
		return Entry{}, ErrNotLeader
	}
	epoch := t.Epoch
	if tx == nil {
		tx = db.NewTxn(l.kv)
	}
	if shared != nil {
		stx := db.NewTxn(l.kv)
		if err := shared(stx); err != nil {
			return Entry{}, err
		}
		tx.Merge(stx)
	}

	e := Entry{Position: l.hs.Last + 1, Epoch: epoch, Batch: tx.Batch(), undo: tx.Undo()}
	b := db.NewBatch()
	b.Append(e.Batch)
	b.Set(recordKey(e.Position), encodeRecord(e))
	hs := l.hs
	hs.Last, hs.LastEpoch, hs.Applied = e.Position, epoch, e.Position
	if err := l.persistLocked(b, hs); err != nil {
		return Entry{}, err
	}
	l.observeLocked(e)
	return e, nil
}

// Commit marks entries up to pos as durable on a majority and applies them.
// Followers call it when the leader vouches that the local log matches its
// own up to pos.
func (l *Log) Commit(pos uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos > l.hs.Last {
		pos = l.hs.Last
	}
	if pos <= l.hs.Commit {
		return nil
	}
	hs := l.hs
	hs.Commit = pos
	if err := l.persistLocked(db.NewBatch(), hs); err != nil {
		return err
	}
	return l.applyLocked(pos)
}

// WaitCommitted blocks until the entry (pos, epoch) is committed. It fails
// with ErrTruncated once the entry was discarded.
func (l *Log) WaitCommitted(ctx context.Context, pos, epoch uint64) error {
	for {
		l.mu.Lock()
		hs, ch := l.hs, l.changed
		var (
			ep  uint64
			err error
		)
		if pos <= hs.Last && pos > hs.Base {
			ep, err = l.epochAtLocked(pos)
		}
		l.mu.Unlock()

		switch {
		case err != nil:
			return err
		case pos <= hs.Base:
			// compaction only drops committed entries
			return nil
		case pos > hs.Last || ep != epoch:
			return ErrTruncated
		case pos <= hs.Commit:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// --------------------------------------------------------------------------
// Follower write path
// --------------------------------------------------------------------------

// Store appends entries received from the leader. prevPos and prevEpoch name
// the entry preceding the first one. Conflicting uncommitted entries are
// replaced. Afterwards entries up to min(leaderCommit, last received) are
// applied. It returns the last position matching the leader.
func (l *Log) Store(prevPos, prevEpoch uint64, entries []Entry, leaderCommit uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leaderEpoch != 0 {
		return 0, ErrNotLeader
	}
	for i, e := range entries {
		if e.Position != prevPos+uint64(i)+1 {
			return 0, fmt.Errorf("replog: entries are not contiguous at %d", e.Position)
		}
	}

	if prevPos > l.hs.Last {
		return 0, &GapError{Last: l.hs.Last}
	}
	if prevPos > l.hs.Base {
		ep, err := l.epochAtLocked(prevPos)
		if err != nil {
			return 0, err
		}
		if ep != prevEpoch {
			if err := l.truncateLocked(prevPos); err != nil {
				return 0, err
			}
			return 0, &GapError{Last: prevPos - 1}
		}
	} else if prevPos == l.hs.Base && prevPos > 0 && l.hs.BaseEpoch != prevEpoch {
		return 0, db.CorruptionError(nil, "replog: compacted entry %d has epoch %d, leader says %d", prevPos, l.hs.BaseEpoch, prevEpoch)
	}

	// skip what is already stored, truncate at the first conflict
	i := 0
	for ; i < len(entries); i++ {
		e := entries[i]
		if e.Position <= l.hs.Base {
			continue
		}
		if e.Position > l.hs.Last {
			break
		}
		ep, err := l.epochAtLocked(e.Position)
		if err != nil {
			return 0, err
		}
		if ep != e.Epoch {
			if err := l.truncateLocked(e.Position); err != nil {
				return 0, err
			}
			break
		}
	}

	b := db.NewBatch()
	hs := l.hs
	for _, e := range entries[i:] {
		e.undo = nil
		b.Set(recordKey(e.Position), encodeRecord(e))
		hs.Last, hs.LastEpoch = e.Position, e.Epoch
	}
	matched := prevPos + uint64(len(entries))
	if c := min(leaderCommit, matched); c > hs.Commit {
		hs.Commit = c
	}
	if !b.Empty() || hs != l.hs {
		if err := l.persistLocked(b, hs); err != nil {
			return 0, err
		}
	}
	return matched, l.applyLocked(hs.Commit)
}

// applyLocked folds stored entries up to target into the state.
func (l *Log) applyLocked(target uint64) error {
	for l.hs.Applied < target {
		end := min(target, l.hs.Applied+applyChunk)
		b := db.NewBatch()
		applied := make([]Entry, 0, end-l.hs.Applied)
		for pos := l.hs.Applied + 1; pos <= end; pos++ {
			e, err := l.readLocked(pos)
			if err != nil {
				return err
			}
			b.Append(e.Batch)
			applied = append(applied, e)
		}
		hs := l.hs
		hs.Applied = end
		if err := l.persistLocked(b, hs); err != nil {
			return err
		}
		for _, e := range applied {
			l.observeLocked(e)
		}
	}
	return nil
}

func (l *Log) observeLocked(e Entry) {
	if l.observer != nil {
		l.observer(e)
	}
}

// --------------------------------------------------------------------------
// Truncation and compaction
// --------------------------------------------------------------------------

// undoLocked returns a batch reverting the entries (to, Applied].
func (l *Log) undoLocked(to uint64) (*db.Batch, error) {
	b := db.NewBatch()
	for pos := l.hs.Applied; pos > to; pos-- {
		e, err := l.readLocked(pos)
		if err != nil {
			return nil, err
		}
		if e.undo == nil {
			return nil, db.CorruptionError(nil, "replog: applied entry %d has no undo image", pos)
		}
		// older entries are visited later and overwrite, so the oldest
		// pre-image of every key wins
		b.Append(e.undo)
	}
	return b, nil
}

func (l *Log) unapplyLocked(to uint64) error {
	if to >= l.hs.Applied {
		return nil
	}
	if to < l.hs.Commit {
		return fmt.Errorf("replog: cannot roll back committed entry %d", to+1)
	}
	b, err := l.undoLocked(to)
	if err != nil {
		return err
	}
	hs := l.hs
	hs.Applied = to
	return l.persistLocked(b, hs)
}

// truncateLocked removes the entries from..Last, reverting the applied ones.
func (l *Log) truncateLocked(from uint64) error {
	if from > l.hs.Last {
		return nil
	}
	if from <= l.hs.Commit {
		return fmt.Errorf("replog: cannot truncate committed entry %d (commit %d)", from, l.hs.Commit)
	}
	b := db.NewBatch()
	if l.hs.Applied >= from {
		undo, err := l.undoLocked(from - 1)
		if err != nil {
			return err
		}
		b.Append(undo)
	}
	for pos := from; pos <= l.hs.Last; pos++ {
		b.Delete(recordKey(pos))
	}
	hs := l.hs
	ep, err := l.epochAtLocked(from - 1)
	if err != nil {
		return err
	}
	hs.Last, hs.LastEpoch = from-1, ep
	hs.Applied = min(hs.Applied, from-1)
	return l.persistLocked(b, hs)
}

// Compact drops committed entries up to pos, keeping the epoch of the last
// dropped one for consistency checks.
func (l *Log) Compact(pos uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos = min(pos, l.hs.Commit, l.hs.Applied)
	if pos <= l.hs.Base {
		return 0, nil
	}
	ep, err := l.epochAtLocked(pos)
	if err != nil {
		return 0, err
	}
	b := db.NewBatch()
	for p := l.hs.Base + 1; p <= pos; p++ {
		b.Delete(recordKey(p))
	}
	n := int(pos - l.hs.Base)
	hs := l.hs
	hs.Base, hs.BaseEpoch = pos, ep
	if err := l.persistLocked(b, hs); err != nil {
		return 0, err
	}
	log.Debugf("compacted %d log entries, base is now %d", n, pos)
	return n, nil
}

// CompactRetaining keeps at most retain committed entries.
func (l *Log) CompactRetaining(retain uint64) (int, error) {
	hs := l.State()
	if retain == 0 || hs.Commit <= retain {
		return 0, nil
	}
	return l.Compact(hs.Commit - retain)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (l *Log) readLocked(pos uint64) (Entry, error) {
	if pos <= l.hs.Base {
		return Entry{}, ErrCompacted
	}
	raw, ok, err := l.kv.Get(recordKey(pos))
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, db.CorruptionError(nil, "replog: missing entry %d (last %d)", pos, l.hs.Last)
	}
	return decodeRecord(pos, raw)
}

func (l *Log) epochAtLocked(pos uint64) (uint64, error) {
	switch {
	case pos == 0:
		return 0, nil
	case pos == l.hs.Base:
		return l.hs.BaseEpoch, nil
	case pos == l.hs.Last:
		return l.hs.LastEpoch, nil
	}
	e, err := l.readLocked(pos)
	return e.Epoch, err
}

// EpochAt returns the epoch of the entry at pos.
func (l *Log) EpochAt(pos uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos > l.hs.Last {
		return 0, fmt.Errorf("replog: position %d is beyond the log (%d)", pos, l.hs.Last)
	}
	return l.epochAtLocked(pos)
}

// Entries returns up to limit entries starting at from, stopping early once
// maxBytes of batch data were collected (at least one entry is returned).
func (l *Log) Entries(from uint64, limit int, maxBytes int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from <= l.hs.Base {
		return nil, ErrCompacted
	}
	var (
		out  []Entry
		size int
	)
	for pos := from; pos <= l.hs.Last && len(out) < limit; pos++ {
		e, err := l.readLocked(pos)
		if err != nil {
			return nil, err
		}
		e.undo = nil
		size += e.Size()
		if len(out) > 0 && maxBytes > 0 && size > maxBytes {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
