// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: a conformance suite for the KVDB contract (atomic batches,
//     ordered and resumable scans, snapshots, concurrent commits)
//   - benchmark: throughput of commits, point reads and range scans
//
// Example usage:
//
//	factory := func(t testing.TB) db.KVDB {
//		return NewMyDatabase(t.TempDir())
//	}
//
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
