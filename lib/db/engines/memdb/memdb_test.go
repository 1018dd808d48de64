package memdb

import (
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	dbtesting "github.com/ValentinKolb/dSync/lib/db/testing"
)

func factory(testing.TB) db.KVDB {
	return NewMemDB(&Options{PageSize: 7})
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MemDB", factory)
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "MemDB", factory)
}

func TestIteratorSurvivesCommits(t *testing.T) {
	database := NewMemDB(&Options{PageSize: 2})
	defer database.Close()

	b := db.NewBatch()
	for _, k := range []string{"a/1", "a/2", "a/3", "a/4", "a/5"} {
		b.Set([]byte(k), []byte("v"))
	}
	if _, err := database.Commit(b); err != nil {
		t.Fatal(err)
	}

	it := database.Scan([]byte("a/"), nil)
	defer it.Close()
	if !it.Next() {
		t.Fatal("expected a first key")
	}

	b = db.NewBatch()
	b.Delete([]byte("a/4"))
	b.Set([]byte("a/6"), []byte("v"))
	if _, err := database.Commit(b); err != nil {
		t.Fatal(err)
	}

	count := 1
	for it.Next() {
		count++
		if string(it.Key()) == "a/6" {
			t.Errorf("iterator observed a key committed after it was created")
		}
	}
	if count != 5 {
		t.Errorf("expected 5 keys from the iterator's view, got %d", count)
	}
}
