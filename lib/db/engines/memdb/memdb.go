package memdb

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree   = 32  // B-tree node degree
	defaultPageSize = 256 // items fetched per iterator page
)

// --------------------------------------------------------------------------
// Tree items
// --------------------------------------------------------------------------

// item is a key-value pair stored in the tree. Items are never mutated once
// inserted, which makes it safe to share them between tree clones.
type item struct {
	key   []byte
	value []byte
}

func (a *item) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(*item).key) < 0
}

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// memDB is an ordered in-memory database. Every commit stages its operations
// on a copy-on-write clone of the tree and publishes the clone only if all
// operations were staged, so a failing commit never leaves partial state.
type memDB struct {
	mu        sync.RWMutex
	tree      *btree.BTree
	seq       db.CommitToken
	sizeBytes int
	closed    bool
	fault     db.FaultFunc
	pageSize  int
}

// Options configures the in-memory database.
type Options struct {
	Degree   int // B-tree degree (0 = default)
	PageSize int // items buffered per iterator page (0 = default)
}

// NewMemDB creates a new in-memory database. opts may be nil.
func NewMemDB(opts *Options) db.KVDB {
	degree, pageSize := defaultDegree, defaultPageSize
	if opts != nil {
		if opts.Degree > 1 {
			degree = opts.Degree
		}
		if opts.PageSize > 0 {
			pageSize = opts.PageSize
		}
	}
	return &memDB{
		tree:     btree.New(degree),
		pageSize: pageSize,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (m *memDB) Commit(b *db.Batch) (db.CommitToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, db.ErrClosed
	}

	next := m.tree.Clone()
	size := m.sizeBytes
	for i, op := range b.Ops() {
		if op.Delete {
			if old := next.Delete(&item{key: op.Key}); old != nil {
				size -= len(old.(*item).key) + len(old.(*item).value)
			}
		} else {
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if old := next.ReplaceOrInsert(&item{key: op.Key, value: value}); old != nil {
				size -= len(old.(*item).key) + len(old.(*item).value)
			}
			size += len(op.Key) + len(value)
		}

		if m.fault != nil {
			if err := m.fault(op, i); err != nil {
				return 0, db.IoError(err, "memdb: commit aborted after %d of %d operations", i+1, b.Len())
			}
		}
	}

	m.tree = next
	m.sizeBytes = size
	m.seq++
	return m.seq, nil
}

func (m *memDB) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, db.ErrClosed
	}
	found := m.tree.Get(&item{key: key})
	if found == nil {
		return nil, false, nil
	}
	return found.(*item).value, true, nil
}

func (m *memDB) Scan(prefix, resume []byte) db.Iterator {
	tree, err := m.clone()
	if err != nil {
		return &iterator{err: err}
	}
	return newIterator(tree, prefix, resume, m.pageSize)
}

func (m *memDB) NewSnapshot() (db.Snapshot, error) {
	tree, err := m.clone()
	if err != nil {
		return nil, err
	}
	return &snapshot{tree: tree, pageSize: m.pageSize}, nil
}

func (m *memDB) SupportsFeature(feature db.Feature) bool {
	return feature&^db.FeatureFaultInjection == 0
}

func (m *memDB) GetInfo() db.DatabaseInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := 0
	if m.tree != nil {
		keys = m.tree.Len()
	}
	return db.DatabaseInfo{
		Keys:              keys,
		SizeBytes:         m.sizeBytes,
		DbType:            db.ImplMemory,
		SupportedFeatures: []db.Feature{db.FeatureFaultInjection},
		LastCommit:        m.seq,
	}
}

func (m *memDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.tree = nil
	return nil
}

// InjectFault implements db.FaultInjector.
func (m *memDB) InjectFault(fn db.FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// clone returns an immutable view of the current tree.
// Clone mutates the copy-on-write context of the source, so it needs the write lock.
func (m *memDB) clone() (*btree.BTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, db.ErrClosed
	}
	return m.tree.Clone(), nil
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	tree     *btree.BTree
	pageSize int
}

func (s *snapshot) Get(key []byte) ([]byte, bool, error) {
	if s.tree == nil {
		return nil, false, errSnapshotClosed
	}
	found := s.tree.Get(&item{key: key})
	if found == nil {
		return nil, false, nil
	}
	return found.(*item).value, true, nil
}

func (s *snapshot) Scan(prefix, resume []byte) db.Iterator {
	if s.tree == nil {
		return &iterator{err: errSnapshotClosed}
	}
	return newIterator(s.tree, prefix, resume, s.pageSize)
}

func (s *snapshot) Close() error {
	s.tree = nil
	return nil
}

var errSnapshotClosed = errors.New("memdb: snapshot closed")
