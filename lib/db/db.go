package db

import (
	"bytes"
	"sort"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemory Implementation = "memory"
	ImplPebble Implementation = "pebble"
	ImplSQLite Implementation = "sqlite"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureDurable        Feature = 1 << iota // Commits survive a process restart
	FeatureFaultInjection                     // Commits can be made to fail on purpose (tests)
	FeatureParallelCommit                     // Batches on disjoint keys may commit in parallel
)

func (f Feature) String() string {
	switch f {
	case FeatureDurable:
		return "Durable"
	case FeatureFaultInjection:
		return "FaultInjection"
	case FeatureParallelCommit:
		return "ParallelCommit"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	Keys              int            `json:"keys"`
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	LastCommit        CommitToken    `json:"last_commit"`
	Metadata          interface{}    `json:"metadata"`
}

// CommitToken identifies a successful batch commit. Tokens handed out by one
// database instance are strictly increasing.
type CommitToken uint64

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// Op is a single upsert or delete inside a Batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batch is an ordered set of key upserts and deletes that is applied as a
// whole. If the same key is written more than once, the last write wins.
type Batch struct {
	ops   []Op
	index map[string]int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{index: make(map[string]int)}
}

// Set records an upsert. Key and value are copied.
func (b *Batch) Set(key, value []byte) {
	b.put(Op{Key: clone(key), Value: clone(value)})
}

// Delete records a delete. The key is copied.
func (b *Batch) Delete(key []byte) {
	b.put(Op{Key: clone(key), Delete: true})
}

func (b *Batch) put(op Op) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[string(op.Key)]; ok {
		b.ops[i] = op
		return
	}
	b.index[string(op.Key)] = len(b.ops)
	b.ops = append(b.ops, op)
}

// Append adds all operations of other to b, in order.
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	for _, op := range other.ops {
		b.put(op)
	}
}

// Len returns the number of distinct keys written by the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// Empty reports whether the batch holds no operations.
func (b *Batch) Empty() bool { return b.Len() == 0 }

// Ops returns the operations in insertion order. The slice must not be modified.
func (b *Batch) Ops() []Op {
	if b == nil {
		return nil
	}
	return b.ops
}

// Lookup returns the pending operation for key, if any.
func (b *Batch) Lookup(key []byte) (Op, bool) {
	if b == nil || b.index == nil {
		return Op{}, false
	}
	i, ok := b.index[string(key)]
	if !ok {
		return Op{}, false
	}
	return b.ops[i], true
}

// SortedKeys returns the distinct keys of the batch in ascending order.
func (b *Batch) SortedKeys() [][]byte {
	keys := make([][]byte, 0, b.Len())
	for _, op := range b.Ops() {
		keys = append(keys, op.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

// SizeBytes returns the sum of key and value lengths.
func (b *Batch) SizeBytes() int {
	size := 0
	for _, op := range b.Ops() {
		size += len(op.Key) + len(op.Value)
	}
	return size
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// Reader is the read side shared by a live database and its snapshots.
type Reader interface {
	// Get retrieves the value for an exact key.
	// The boolean return value indicates whether a value for the key was found.
	Get(key []byte) (value []byte, found bool, err error)

	// Scan returns a lazy, ordered iterator over all keys starting with prefix.
	// If resume is not nil, iteration starts strictly after resume, which lets a
	// caller continue an interrupted scan from the last key it processed.
	// The iterator must be closed by the caller.
	Scan(prefix, resume []byte) Iterator
}

// Iterator walks keys in ascending byte order. Slices returned by Key and
// Value stay valid after Next and must not be modified.
//
//	it := kv.Scan(prefix, nil)
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Snapshot is a consistent, read only point-in-time view of a database.
type Snapshot interface {
	Reader
	Close() error
}

// KVDB defines the interface for ordered, byte oriented key-value databases.
// Everything above the storage layer is built on these operations.
// Implementations must guarantee that a committed batch is visible all at once
// or not at all, even when the commit fails half way through.
type KVDB interface {
	Reader

	// Commit applies every operation of the batch atomically and durably.
	// On error nothing of the batch is observable. I/O failures are marked
	// with ErrIo, detected corruption with ErrCorruption.
	Commit(b *Batch) (token CommitToken, err error)

	// NewSnapshot returns a consistent view that is not affected by later commits.
	NewSnapshot() (snap Snapshot, err error)

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
