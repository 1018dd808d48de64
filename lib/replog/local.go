package replog

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/db"
)

// Local drives a log on a single node: every appended entry is committed
// right away. It serves the same role as a cluster node for the write
// coordinator.
type Local struct {
	log       *Log
	epoch     uint64
	retention uint64
}

// NewLocal takes over the log as its only member. retention bounds the number
// of committed entries kept after each append (0 keeps everything).
func NewLocal(l *Log, retention uint64) (*Local, error) {
	hs := l.State()
	epoch := hs.Epoch + 1
	if err := l.SetEpoch(epoch, 0); err != nil {
		return nil, err
	}
	if err := l.BecomeLeader(epoch); err != nil {
		return nil, err
	}
	loc := &Local{log: l, epoch: epoch, retention: retention}

	// the opening entry of an epoch commits everything inherited
	t := l.Tenure()
	tx := db.NewTxn(l.Reader())
	if err := Genesis(tx); err != nil {
		return nil, err
	}
	if _, err := loc.Append(t, tx, nil); err != nil {
		return nil, err
	}
	return loc, nil
}

// Log returns the underlying log.
func (l *Local) Log() *Log { return l.log }

// Epoch returns the epoch appends are made in.
func (l *Local) Epoch() uint64 { return l.epoch }

// Append appends and commits an entry.
func (l *Local) Append(t Tenure, tx *db.Txn, shared func(tx *db.Txn) error) (Entry, error) {
	e, err := l.log.Append(t, tx, shared)
	if err != nil {
		return e, err
	}
	if err := l.log.Commit(e.Position); err != nil {
		return e, err
	}
	if l.retention > 0 && e.Position%l.retention == 0 {
		if _, err := l.log.CompactRetaining(l.retention); err != nil {
			log.Warningf("log compaction failed: %v", err)
		}
	}
	return e, nil
}

// WaitCommitted returns immediately for entries appended through Append.
func (l *Local) WaitCommitted(ctx context.Context, pos, epoch uint64) error {
	return l.log.WaitCommitted(ctx, pos, epoch)
}

// Leadership describes whether a replicator accepts writes and what it knows
// about the cluster commit position.
type Leadership struct {
	IsLeader    bool
	LeaderAddr  string
	KnownCommit uint64
}

// Leadership reports that a local log always leads.
func (l *Local) Leadership() Leadership {
	return Leadership{IsLeader: true, KnownCommit: l.log.State().Commit}
}
