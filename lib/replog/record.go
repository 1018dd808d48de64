package replog

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
)

const (
	tagRecord byte = 'r'
	tagState  byte = 'R'
)

var hardStateKey = []byte{tagState, 'h'}

// LineageKey holds the id of the log lineage. It is written by the first
// entry of a new cluster and replicated like any other key.
var LineageKey = []byte{'g', 'l'}

func recordKey(pos uint64) []byte {
	return util.AppendUint64([]byte{tagRecord}, pos)
}

// IsLogKey reports whether key belongs to the replication log itself rather
// than to the replicated state.
func IsLogKey(key []byte) bool {
	return len(key) > 0 && (key[0] == tagRecord || key[0] == tagState)
}

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// Entry is one replicated batch.
type Entry struct {
	Position uint64
	Epoch    uint64
	Batch    *db.Batch

	// undo restores the state from before Batch. It is only recorded for
	// entries applied before they were committed (on the leader).
	undo *db.Batch
}

// Size returns the encoded size of the entry's batch.
func (e Entry) Size() int { return db.EncodedSize(e.Batch) }

func encodeRecord(e Entry) []byte {
	batch := db.EncodeBatch(e.Batch)
	out := make([]byte, 0, 13+len(batch))
	out = binary.BigEndian.AppendUint64(out, e.Epoch)
	if e.undo != nil {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(batch)))
	out = append(out, batch...)
	if e.undo != nil {
		out = append(out, db.EncodeBatch(e.undo)...)
	}
	return out
}

func decodeRecord(pos uint64, raw []byte) (Entry, error) {
	if len(raw) < 13 {
		return Entry{}, db.CorruptionError(errShortRecord, "replog: record %d", pos)
	}
	e := Entry{Position: pos, Epoch: binary.BigEndian.Uint64(raw[:8])}
	hasUndo := raw[8] == 1
	n := int(binary.BigEndian.Uint32(raw[9:13]))
	if len(raw) < 13+n {
		return Entry{}, db.CorruptionError(errShortRecord, "replog: record %d", pos)
	}
	var err error
	if e.Batch, err = db.DecodeBatch(raw[13 : 13+n]); err != nil {
		return Entry{}, db.CorruptionError(err, "replog: record %d", pos)
	}
	if hasUndo {
		if e.undo, err = db.DecodeBatch(raw[13+n:]); err != nil {
			return Entry{}, db.CorruptionError(err, "replog: undo of record %d", pos)
		}
	}
	return e, nil
}

// --------------------------------------------------------------------------
// Hard state
// --------------------------------------------------------------------------

// HardState is the persisted progress of the log.
//
// Entries Base+1..Last are stored. Entries up to Commit are known to be
// durable on a majority, entries up to Applied are reflected in the state.
type HardState struct {
	Epoch     uint64 // highest epoch seen
	VotedFor  uint64 // candidate voted for in Epoch
	Commit    uint64
	Applied   uint64
	Last      uint64
	LastEpoch uint64
	Base      uint64 // entries up to Base were compacted
	BaseEpoch uint64
}

func (hs HardState) encode() []byte {
	out := make([]byte, 0, 64)
	for _, v := range []uint64{hs.Epoch, hs.VotedFor, hs.Commit, hs.Applied, hs.Last, hs.LastEpoch, hs.Base, hs.BaseEpoch} {
		out = binary.BigEndian.AppendUint64(out, v)
	}
	return out
}

func decodeHardState(raw []byte) (HardState, error) {
	if len(raw) != 64 {
		return HardState{}, fmt.Errorf("replog: malformed hard state (%d bytes)", len(raw))
	}
	u := func(i int) uint64 { return util.Uint64At(raw, i*8) }
	return HardState{
		Epoch: u(0), VotedFor: u(1), Commit: u(2), Applied: u(3),
		Last: u(4), LastEpoch: u(5), Base: u(6), BaseEpoch: u(7),
	}, nil
}
