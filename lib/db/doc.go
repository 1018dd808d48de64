// Package db provides a standardized interface for ordered key-value
// database implementations. Everything the document store persists (documents,
// secondary indexes, postings, change logs, blobs and replication state) is
// stored as plain keys and values through this interface.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all engines must satisfy. It
//     offers point reads, ordered prefix scans that can be resumed after a key,
//     point-in-time snapshots and atomic batch commits.
//
//   - Batch: An ordered set of upserts and deletes. A batch is committed all
//     at once or not at all. Batches have a binary encoding (EncodeBatch,
//     DecodeBatch) so they can travel through a replication log.
//
//   - Txn: A read-your-writes overlay over a Reader that collects a Batch and
//     its undo Batch while a mutation is applied.
//
//   - Errors: Engine failures are wrapped with ErrIo or ErrCorruption so the
//     layers above can tell a failing disk from a damaged database.
//
//   - Feature Flags: Engines advertise capabilities (durability, fault
//     injection, parallel commits) through SupportsFeature.
//
// Engines:
//
// The engines/memdb package provides an in-memory engine on a copy-on-write
// B-tree. engines/pebbledb stores data in a Pebble LSM tree and
// engines/sqlitedb in a single SQLite table. All three pass the conformance
// suite in the testing package (github.com/ValentinKolb/dSync/lib/db/testing).
//
// The util package (github.com/ValentinKolb/dSync/lib/db/util) provides the
// key encoding helpers shared by the engines and the document store.
package db
