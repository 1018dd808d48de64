package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
)

func commit(t *testing.T, kv db.KVDB, fn func(tx *db.Txn) error) {
	t.Helper()
	tx := db.NewTxn(kv)
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Commit(tx.Batch()); err != nil {
		t.Fatal(err)
	}
}

func TestPutFetchChunked(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"small", 10},
		{"exact chunk", ChunkSize},
		{"multi chunk", 2*ChunkSize + 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{byte(tt.size)}, tt.size)
			var h Hash
			commit(t, kv, func(tx *db.Txn) (err error) {
				h, err = Put(tx, data, time.Now())
				return err
			})
			got, ok, err := Fetch(kv, h)
			if err != nil || !ok {
				t.Fatalf("fetch failed: ok=%v err=%v", ok, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("content mismatch: got %d bytes, want %d", len(got), len(data))
			}
		})
	}
}

func TestAdjustUnknownBlob(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	tx := db.NewTxn(kv)
	err := Adjust(tx, map[Hash]int64{Sum([]byte("missing")): 1}, time.Now())
	if !errors.Is(err, ErrUnknownBlob) {
		t.Fatalf("expected ErrUnknownBlob, got %v", err)
	}
}

func TestSweepReclaimsOnlyUnreferenced(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	past := time.Now().Add(-time.Hour)
	var kept, dropped Hash
	commit(t, kv, func(tx *db.Txn) (err error) {
		if kept, err = Put(tx, []byte("kept"), past); err != nil {
			return err
		}
		dropped, err = Put(tx, []byte("dropped"), past)
		return err
	})
	commit(t, kv, func(tx *db.Txn) error {
		return Adjust(tx, map[Hash]int64{kept: 1}, past)
	})

	reclaim := func(ctx context.Context, hashes []Hash) (int, error) {
		n := 0
		commit(t, kv, func(tx *db.Txn) error {
			for _, h := range hashes {
				ok, err := Reclaim(tx, h, time.Now(), time.Minute)
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			return nil
		})
		return n, nil
	}

	s := NewSweeper(kv, reclaim, 0, time.Minute)
	n, err := s.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed blob, got n=%d err=%v", n, err)
	}
	if _, ok, _ := Fetch(kv, dropped); ok {
		t.Errorf("unreferenced blob still present")
	}
	if _, ok, _ := Fetch(kv, kept); !ok {
		t.Errorf("referenced blob was reclaimed")
	}
	it := kv.Scan([]byte{tagChunk}, nil)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	if count != 1 {
		t.Errorf("expected only the chunk of the kept blob, found %d chunks", count)
	}
}

func TestReclaimRespectsGrace(t *testing.T) {
	kv := memdb.NewMemDB(nil)
	defer kv.Close()

	var h Hash
	commit(t, kv, func(tx *db.Txn) (err error) {
		h, err = Put(tx, []byte("fresh"), time.Now())
		return err
	})
	hashes, err := Candidates(kv, time.Now(), time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 0 {
		t.Errorf("fresh blob %s offered for reclamation", h)
	}
}
