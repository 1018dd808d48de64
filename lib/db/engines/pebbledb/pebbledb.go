package pebbledb

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pebbledb")

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// pebbleDB adapts a pebble LSM tree to db.KVDB. Pebble batches are applied
// atomically and its commit pipeline lets batches on disjoint keys commit
// concurrently.
type pebbleDB struct {
	pdb    *pebble.DB
	dir    string
	seq    atomic.Uint64
	closed atomic.Bool
	wopts  *pebble.WriteOptions
	mu     sync.RWMutex // guards pdb against Close while operations run
}

// Options configures the pebble database.
type Options struct {
	// FS overrides the file system, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// NoSync skips the fsync on commit. Only meant for benchmarks.
	NoSync bool
}

// Open opens (or creates) a pebble database in dir. opts may be nil.
func Open(dir string, opts *Options) (db.KVDB, error) {
	popts := &pebble.Options{}
	if opts != nil && opts.FS != nil {
		popts.FS = opts.FS
	}
	pdb, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, db.IoError(err, "pebbledb: open %s", dir)
	}
	p := &pebbleDB{pdb: pdb, dir: dir, wopts: pebble.Sync}
	if opts != nil && opts.NoSync {
		p.wopts = pebble.NoSync
	}
	log.Infof("opened pebble database at %q", dir)
	return p, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (p *pebbleDB) Commit(b *db.Batch) (db.CommitToken, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return 0, db.ErrClosed
	}

	batch := p.pdb.NewBatch()
	defer batch.Close()

	for _, op := range b.Ops() {
		var err error
		if op.Delete {
			err = batch.Delete(op.Key, nil)
		} else {
			err = batch.Set(op.Key, op.Value, nil)
		}
		if err != nil {
			return 0, db.IoError(err, "pebbledb: stage batch")
		}
	}
	if err := batch.Commit(p.wopts); err != nil {
		return 0, db.IoError(err, "pebbledb: commit")
	}
	return db.CommitToken(p.seq.Add(1)), nil
}

func (p *pebbleDB) Get(key []byte) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return nil, false, db.ErrClosed
	}
	return get(p.pdb, key)
}

func (p *pebbleDB) Scan(prefix, resume []byte) db.Iterator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return &iterator{err: db.ErrClosed}
	}
	return newIterator(p.pdb.NewIter(iterOptions(prefix)), prefix, resume)
}

func (p *pebbleDB) NewSnapshot() (db.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return nil, db.ErrClosed
	}
	return &snapshot{snap: p.pdb.NewSnapshot()}, nil
}

func (p *pebbleDB) SupportsFeature(feature db.Feature) bool {
	return feature&^(db.FeatureDurable|db.FeatureParallelCommit) == 0
}

func (p *pebbleDB) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:            db.ImplPebble,
		SupportedFeatures: []db.Feature{db.FeatureDurable, db.FeatureParallelCommit},
		LastCommit:        db.CommitToken(p.seq.Load()),
		Metadata:          map[string]string{"dir": p.dir},
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.closed.Load() {
		info.SizeBytes = int(p.pdb.Metrics().DiskSpaceUsage())
	}
	return info
}

func (p *pebbleDB) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.pdb.Close(); err != nil {
		return db.IoError(err, "pebbledb: close")
	}
	return nil
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	snap *pebble.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, bool, error) {
	return get(s.snap, key)
}

func (s *snapshot) Scan(prefix, resume []byte) db.Iterator {
	return newIterator(s.snap.NewIter(iterOptions(prefix)), prefix, resume)
}

func (s *snapshot) Close() error {
	return s.snap.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// pebbleReader is implemented by *pebble.DB and *pebble.Snapshot.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// get copies the value out of pebble, since the returned slice is only valid
// until the closer is closed.
func get(r pebbleReader, key []byte) ([]byte, bool, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, db.IoError(err, "pebbledb: get")
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, false, db.IoError(err, "pebbledb: release value")
	}
	return out, true, nil
}

func iterOptions(prefix []byte) *pebble.IterOptions {
	opts := &pebble.IterOptions{}
	if len(prefix) > 0 {
		opts.LowerBound = prefix
		opts.UpperBound = util.PrefixEnd(prefix)
	}
	return opts
}
