package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
)

// RunKVDBBenchmarks runs the standard benchmarks for a KVDB implementation.
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("CommitSingle", func(b *testing.B) {
			benchmarkCommit(b, factory(b), 1)
		})
		b.Run("CommitBatch16", func(b *testing.B) {
			benchmarkCommit(b, factory(b), 16)
		})
		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory(b))
		})
		b.Run("Scan100", func(b *testing.B) {
			benchmarkScan(b, factory(b), 100)
		})
	})
}

func benchmarkCommit(b *testing.B, database db.KVDB, opsPerBatch int) {
	defer database.Close()
	value := make([]byte, 128)
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			batch := db.NewBatch()
			for i := 0; i < opsPerBatch; i++ {
				batch.Set([]byte(fmt.Sprintf("bench/%016d", counter.Add(1))), value)
			}
			if _, err := database.Commit(batch); err != nil {
				b.Fatalf("commit failed: %v", err)
			}
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	defer database.Close()
	const n = 10_000
	fill(b, database, n)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := []byte(fmt.Sprintf("bench/%016d", r.Intn(n)))
			if _, _, err := database.Get(key); err != nil {
				b.Fatalf("get failed: %v", err)
			}
		}
	})
}

func benchmarkScan(b *testing.B, database db.KVDB, length int) {
	defer database.Close()
	const n = 10_000
	fill(b, database, n)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := []byte(fmt.Sprintf("bench/%016d", rand.Intn(n-length)))
		it := database.Scan([]byte("bench/"), start)
		for j := 0; j < length && it.Next(); j++ {
			_ = it.Value()
		}
		it.Close()
	}
}

func fill(b *testing.B, database db.KVDB, n int) {
	batch := db.NewBatch()
	for i := 0; i < n; i++ {
		batch.Set([]byte(fmt.Sprintf("bench/%016d", i)), []byte("value"))
	}
	if _, err := database.Commit(batch); err != nil {
		b.Fatalf("fill failed: %v", err)
	}
}
