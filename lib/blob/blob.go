package blob

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("blob")

const (
	tagRef   byte = 'b'
	tagChunk byte = 'x'

	// ChunkSize is the maximum size of a single content key.
	ChunkSize = 64 << 10
)

var (
	ErrUnknownBlob = errors.New("blob: unknown blob")
	ErrCorrupt     = errors.New("blob: corrupt blob content")
)

// --------------------------------------------------------------------------
// Hash
// --------------------------------------------------------------------------

// Hash is the content address of a blob (sha256 of its bytes).
type Hash [32]byte

// Sum returns the content address of data.
func Sum(data []byte) Hash { return sha256.Sum256(data) }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash decodes the hex form of a hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("blob: invalid hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

// --------------------------------------------------------------------------
// Keys and records
// --------------------------------------------------------------------------

func refKey(h Hash) []byte {
	return append([]byte{tagRef}, h[:]...)
}

func chunkPrefix(h Hash) []byte {
	return append([]byte{tagChunk}, h[:]...)
}

func chunkKey(h Hash, n uint32) []byte {
	return binary.BigEndian.AppendUint32(chunkPrefix(h), n)
}

// Ref is the reference count record of a blob.
type Ref struct {
	Count     int64
	Size      int64
	UpdatedAt time.Time
}

func encodeRef(r Ref) []byte {
	out := make([]byte, 0, 24)
	out = binary.BigEndian.AppendUint64(out, uint64(r.Count))
	out = binary.BigEndian.AppendUint64(out, uint64(r.Size))
	return binary.BigEndian.AppendUint64(out, uint64(r.UpdatedAt.UnixNano()))
}

func decodeRef(b []byte) (Ref, error) {
	if len(b) != 24 {
		return Ref{}, ErrCorrupt
	}
	return Ref{
		Count:     int64(util.Uint64At(b, 0)),
		Size:      int64(util.Uint64At(b, 8)),
		UpdatedAt: time.Unix(0, int64(util.Uint64At(b, 16))),
	}, nil
}

type getter interface {
	Get(key []byte) ([]byte, bool, error)
}

// Lookup returns the reference record of h.
func Lookup(r getter, h Hash) (Ref, bool, error) {
	raw, ok, err := r.Get(refKey(h))
	if err != nil || !ok {
		return Ref{}, false, err
	}
	ref, err := decodeRef(raw)
	return ref, err == nil, err
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

// Put stores data under its hash with a reference count of zero. Storing
// content that already exists is a no-op.
func Put(tx *db.Txn, data []byte, now time.Time) (Hash, error) {
	h := Sum(data)
	if _, ok, err := Lookup(tx, h); err != nil || ok {
		return h, err
	}
	for n := 0; n*ChunkSize < len(data) || n == 0; n++ {
		end := (n + 1) * ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := tx.Set(chunkKey(h, uint32(n)), data[n*ChunkSize:end]); err != nil {
			return h, err
		}
	}
	return h, tx.Set(refKey(h), encodeRef(Ref{Size: int64(len(data)), UpdatedAt: now}))
}

// Adjust applies reference count deltas. Attaching a blob that does not exist
// fails with ErrUnknownBlob. Counts never drop below zero.
func Adjust(tx *db.Txn, deltas map[Hash]int64, now time.Time) error {
	for h, d := range deltas {
		if d == 0 {
			continue
		}
		ref, ok, err := Lookup(tx, h)
		if err != nil {
			return err
		}
		if !ok {
			if d > 0 {
				return fmt.Errorf("%w: %s", ErrUnknownBlob, h)
			}
			log.Warningf("release of missing blob %s ignored", h)
			continue
		}
		ref.Count += d
		if ref.Count < 0 {
			log.Warningf("reference count of blob %s dropped below zero", h)
			ref.Count = 0
		}
		ref.UpdatedAt = now
		if err := tx.Set(refKey(h), encodeRef(ref)); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim removes an unreferenced blob. It re-checks the record inside tx and
// is a no-op for blobs that were referenced again or are younger than grace.
func Reclaim(tx *db.Txn, h Hash, now time.Time, grace time.Duration) (bool, error) {
	ref, ok, err := Lookup(tx, h)
	if err != nil || !ok {
		return false, err
	}
	if ref.Count > 0 || now.Sub(ref.UpdatedAt) < grace {
		return false, nil
	}
	it := tx.Scan(chunkPrefix(h), nil)
	defer it.Close()
	for it.Next() {
		if err := tx.Delete(it.Key()); err != nil {
			return false, err
		}
	}
	if err := it.Err(); err != nil {
		return false, err
	}
	return true, tx.Delete(refKey(h))
}

// --------------------------------------------------------------------------
// Read path
// --------------------------------------------------------------------------

// Fetch reads the content of h.
func Fetch(r db.Reader, h Hash) ([]byte, bool, error) {
	ref, ok, err := Lookup(r, h)
	if err != nil || !ok {
		return nil, false, err
	}
	data := make([]byte, 0, ref.Size)
	it := r.Scan(chunkPrefix(h), nil)
	defer it.Close()
	for it.Next() {
		data = append(data, it.Value()...)
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}
	if int64(len(data)) != ref.Size || Sum(data) != h {
		return nil, false, fmt.Errorf("%w: %s", ErrCorrupt, h)
	}
	return data, true, nil
}

// Candidates lists unreferenced blobs whose last reference change is older than grace.
func Candidates(r db.Reader, now time.Time, grace time.Duration, limit int) ([]Hash, error) {
	var out []Hash
	it := r.Scan([]byte{tagRef}, nil)
	defer it.Close()
	for it.Next() {
		ref, err := decodeRef(it.Value())
		if err != nil {
			return out, err
		}
		if ref.Count > 0 || now.Sub(ref.UpdatedAt) < grace {
			continue
		}
		var h Hash
		copy(h[:], it.Key()[1:])
		out = append(out, h)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}
