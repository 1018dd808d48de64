package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func(t testing.TB) db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Commit&Get", func(t *testing.T) {
			testCommitGet(t, factory(t))
		})

		t.Run("LastWriteWins", func(t *testing.T) {
			testLastWriteWins(t, factory(t))
		})

		t.Run("CommitTokens", func(t *testing.T) {
			testCommitTokens(t, factory(t))
		})

		t.Run("ScanOrder", func(t *testing.T) {
			testScanOrder(t, factory(t))
		})

		t.Run("ScanResume", func(t *testing.T) {
			testScanResume(t, factory(t))
		})

		t.Run("ScanPaging", func(t *testing.T) {
			testScanPaging(t, factory(t))
		})

		t.Run("Snapshot", func(t *testing.T) {
			testSnapshot(t, factory(t))
		})

		t.Run("AtomicFailure", func(t *testing.T) {
			testAtomicFailure(t, factory(t))
		})

		t.Run("ConcurrentCommits", func(t *testing.T) {
			testConcurrentCommits(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustCommit(t testing.TB, database db.KVDB, b *db.Batch) db.CommitToken {
	t.Helper()
	token, err := database.Commit(b)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return token
}

func mustGet(t testing.TB, r db.Reader, key string) ([]byte, bool) {
	t.Helper()
	value, found, err := r.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return value, found
}

// collect drains an iterator into a list of keys.
func collect(t testing.TB, it db.Iterator) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator failed: %v", err)
	}
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCommitGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	b := db.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Set([]byte("empty"), nil)
	mustCommit(t, database, b)

	if v, ok := mustGet(t, database, "a"); !ok || string(v) != "1" {
		t.Errorf("Expected a=1, got %q (found=%v)", v, ok)
	}
	if v, ok := mustGet(t, database, "empty"); !ok || len(v) != 0 {
		t.Errorf("Expected empty value to be stored, got %q (found=%v)", v, ok)
	}
	if _, ok := mustGet(t, database, "missing"); ok {
		t.Errorf("Expected missing key to return found=false")
	}

	b = db.NewBatch()
	b.Set([]byte("a"), []byte("3"))
	b.Delete([]byte("b"))
	b.Delete([]byte("never-existed"))
	mustCommit(t, database, b)

	if v, _ := mustGet(t, database, "a"); string(v) != "3" {
		t.Errorf("Expected a=3 after overwrite, got %q", v)
	}
	if _, ok := mustGet(t, database, "b"); ok {
		t.Errorf("Expected b to be deleted")
	}
}

func testLastWriteWins(t *testing.T, database db.KVDB) {
	defer database.Close()

	b := db.NewBatch()
	b.Set([]byte("k"), []byte("first"))
	b.Delete([]byte("k"))
	b.Set([]byte("k"), []byte("last"))
	b.Set([]byte("gone"), []byte("x"))
	b.Delete([]byte("gone"))
	if b.Len() != 2 {
		t.Fatalf("Expected 2 distinct keys in batch, got %d", b.Len())
	}
	mustCommit(t, database, b)

	if v, _ := mustGet(t, database, "k"); string(v) != "last" {
		t.Errorf("Expected k=last, got %q", v)
	}
	if _, ok := mustGet(t, database, "gone"); ok {
		t.Errorf("Expected gone to be absent")
	}
}

func testCommitTokens(t *testing.T, database db.KVDB) {
	defer database.Close()

	var last db.CommitToken
	for i := 0; i < 10; i++ {
		b := db.NewBatch()
		b.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v"))
		token := mustCommit(t, database, b)
		if token <= last {
			t.Fatalf("Expected strictly increasing commit tokens, got %d after %d", token, last)
		}
		last = token
	}
}

func testScanOrder(t *testing.T, database db.KVDB) {
	defer database.Close()

	keys := []string{"p\xff", "p/b", "p/a", "p/ab", "o", "q", "p", "p/\x00"}
	b := db.NewBatch()
	for _, k := range keys {
		b.Set([]byte(k), []byte(k))
	}
	mustCommit(t, database, b)

	tests := []struct {
		name   string
		prefix string
		want   []string
	}{
		{"slash prefix", "p/", []string{"p/\x00", "p/a", "p/ab", "p/b"}},
		{"single byte prefix", "p", []string{"p", "p/\x00", "p/a", "p/ab", "p/b", "p\xff"}},
		{"no match", "x", nil},
		{"all keys", "", []string{"o", "p", "p/\x00", "p/a", "p/ab", "p/b", "p\xff", "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, database.Scan([]byte(tt.prefix), nil))
			if !equalKeys(got, tt.want) {
				t.Errorf("Scan(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}

	it := database.Scan([]byte("p/a"), nil)
	defer it.Close()
	if !it.Next() || !bytes.Equal(it.Value(), []byte("p/a")) {
		t.Errorf("Expected value of first scanned key to be returned")
	}
}

func testScanResume(t *testing.T, database db.KVDB) {
	defer database.Close()

	b := db.NewBatch()
	for i := 0; i < 10; i++ {
		b.Set([]byte(fmt.Sprintf("r/%02d", i)), []byte{byte(i)})
	}
	b.Set([]byte("s"), []byte("outside"))
	mustCommit(t, database, b)

	tests := []struct {
		name   string
		resume string
		want   int
		first  string
	}{
		{"existing key", "r/04", 5, "r/05"},
		{"missing key between", "r/04x", 5, "r/05"},
		{"before prefix", "a", 10, "r/00"},
		{"after last", "r/09", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, database.Scan([]byte("r/"), []byte(tt.resume)))
			if len(got) != tt.want {
				t.Fatalf("Expected %d keys after %q, got %d (%q)", tt.want, tt.resume, len(got), got)
			}
			if tt.want > 0 && got[0] != tt.first {
				t.Errorf("Expected first key %q, got %q", tt.first, got[0])
			}
		})
	}
}

func testScanPaging(t *testing.T, database db.KVDB) {
	defer database.Close()

	const n = 1500
	b := db.NewBatch()
	for i := 0; i < n; i++ {
		b.Set([]byte(fmt.Sprintf("page/%06d", i)), []byte("v"))
	}
	mustCommit(t, database, b)

	got := collect(t, database.Scan([]byte("page/"), nil))
	if len(got) != n {
		t.Fatalf("Expected %d keys, got %d", n, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("Keys out of order at %d: %q >= %q", i, got[i-1], got[i])
		}
	}
}

func testSnapshot(t *testing.T, database db.KVDB) {
	defer database.Close()

	b := db.NewBatch()
	b.Set([]byte("s/1"), []byte("old"))
	b.Set([]byte("s/2"), []byte("old"))
	mustCommit(t, database, b)

	snap, err := database.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	defer snap.Close()

	b = db.NewBatch()
	b.Set([]byte("s/1"), []byte("new"))
	b.Delete([]byte("s/2"))
	b.Set([]byte("s/3"), []byte("new"))
	mustCommit(t, database, b)

	if v, _ := mustGet(t, snap, "s/1"); string(v) != "old" {
		t.Errorf("Expected snapshot to keep s/1=old, got %q", v)
	}
	if _, ok := mustGet(t, snap, "s/2"); !ok {
		t.Errorf("Expected snapshot to keep deleted key s/2")
	}
	if got := collect(t, snap.Scan([]byte("s/"), nil)); !equalKeys(got, []string{"s/1", "s/2"}) {
		t.Errorf("Snapshot scan = %q, want [s/1 s/2]", got)
	}
	if got := collect(t, database.Scan([]byte("s/"), nil)); !equalKeys(got, []string{"s/1", "s/3"}) {
		t.Errorf("Live scan = %q, want [s/1 s/3]", got)
	}
}

func testAtomicFailure(t *testing.T, database db.KVDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureFaultInjection)

	b := db.NewBatch()
	b.Set([]byte("doc"), []byte("v1"))
	mustCommit(t, database, b)

	injector := database.(db.FaultInjector)
	injector.InjectFault(db.FailAfter(2, errors.New("disk full")))

	b = db.NewBatch()
	b.Set([]byte("doc"), []byte("v2"))
	b.Set([]byte("idx/a"), []byte{})
	b.Set([]byte("idx/b"), []byte{})
	if _, err := database.Commit(b); err == nil {
		t.Fatalf("Expected injected fault to fail the commit")
	} else if !db.IsIo(err) {
		t.Errorf("Expected failure to be marked as I/O error, got %v", err)
	}

	injector.InjectFault(nil)

	if v, _ := mustGet(t, database, "doc"); string(v) != "v1" {
		t.Errorf("Expected doc to keep v1 after failed commit, got %q", v)
	}
	if got := collect(t, database.Scan([]byte("idx/"), nil)); len(got) != 0 {
		t.Errorf("Expected no partial index entries, got %q", got)
	}
}

func testConcurrentCommits(t *testing.T, database db.KVDB) {
	defer database.Close()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b := db.NewBatch()
				b.Set([]byte(fmt.Sprintf("c/%02d/%03d", w, i)), []byte("v"))
				if _, err := database.Commit(b); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	if got := collect(t, database.Scan([]byte("c/"), nil)); len(got) != writers*perWriter {
		t.Errorf("Expected %d keys, got %d", writers*perWriter, len(got))
	}
}

func testClosed(t *testing.T, database db.KVDB) {
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := database.Commit(db.NewBatch()); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed from Commit, got %v", err)
	}
	if _, _, err := database.Get([]byte("x")); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed from Get, got %v", err)
	}
}
