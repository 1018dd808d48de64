package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/lni/dragonboat/v4/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var log = logger.GetLogger("sqlitedb")

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

const (
	schema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

	upsertQuery = `INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`
	deleteQuery = `DELETE FROM kv WHERE k = ?`
	getQuery    = `SELECT v FROM kv WHERE k = ?`
	countQuery  = `SELECT count(*) FROM kv`
	sizeQuery   = `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`

	defaultPageSize = 256
	maxOpenConns    = 8
)

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// sqliteDB stores the ordered key space in a single WITHOUT ROWID table.
// SQLite compares BLOBs with memcmp, so ORDER BY k matches byte order.
// Writes are serialized; readers run on separate WAL connections.
type sqliteDB struct {
	sdb      *sql.DB
	path     string
	writeMu  sync.Mutex
	seq      atomic.Uint64
	closed   atomic.Bool
	pageSize int
}

// Open opens (or creates) the database file at path.
func Open(ctx context.Context, path string) (db.KVDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, db.IoError(err, "sqlitedb: create directory")
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	sdb, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, db.IoError(err, "sqlitedb: open %s", path)
	}
	sdb.SetMaxOpenConns(maxOpenConns)

	if _, err := sdb.ExecContext(ctx, schema); err != nil {
		sdb.Close()
		return nil, db.IoError(err, "sqlitedb: initialize schema")
	}

	log.Infof("opened sqlite database at %q", path)
	return &sqliteDB{sdb: sdb, path: path, pageSize: defaultPageSize}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.KVDB)
// --------------------------------------------------------------------------

func (s *sqliteDB) Commit(b *db.Batch) (db.CommitToken, error) {
	if s.closed.Load() {
		return 0, db.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx := context.Background()
	tx, err := s.sdb.BeginTx(ctx, nil)
	if err != nil {
		return 0, db.IoError(err, "sqlitedb: begin")
	}
	defer tx.Rollback()

	for _, op := range b.Ops() {
		if op.Delete {
			_, err = tx.ExecContext(ctx, deleteQuery, op.Key)
		} else {
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx, upsertQuery, op.Key, value)
		}
		if err != nil {
			return 0, db.IoError(err, "sqlitedb: stage batch")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, db.IoError(err, "sqlitedb: commit")
	}
	return db.CommitToken(s.seq.Add(1)), nil
}

func (s *sqliteDB) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, db.ErrClosed
	}
	return get(context.Background(), s.sdb, key)
}

func (s *sqliteDB) Scan(prefix, resume []byte) db.Iterator {
	if s.closed.Load() {
		return &iterator{err: db.ErrClosed}
	}
	return newIterator(s.sdb, prefix, resume, s.pageSize)
}

func (s *sqliteDB) NewSnapshot() (db.Snapshot, error) {
	if s.closed.Load() {
		return nil, db.ErrClosed
	}
	ctx := context.Background()
	tx, err := s.sdb.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, db.IoError(err, "sqlitedb: begin snapshot")
	}
	// a deferred transaction only pins its WAL snapshot on the first read
	var n int
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&n); err != nil {
		tx.Rollback()
		return nil, db.IoError(err, "sqlitedb: start snapshot")
	}
	return &snapshot{tx: tx, pageSize: s.pageSize}, nil
}

func (s *sqliteDB) SupportsFeature(feature db.Feature) bool {
	return feature&^db.FeatureDurable == 0
}

func (s *sqliteDB) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:            db.ImplSQLite,
		SupportedFeatures: []db.Feature{db.FeatureDurable},
		LastCommit:        db.CommitToken(s.seq.Load()),
		Metadata:          map[string]string{"path": s.path},
	}
	if s.closed.Load() {
		return info
	}
	ctx := context.Background()
	if err := s.sdb.QueryRowContext(ctx, countQuery).Scan(&info.Keys); err != nil {
		log.Warningf("failed to count keys: %v", err)
	}
	if err := s.sdb.QueryRowContext(ctx, sizeQuery).Scan(&info.SizeBytes); err != nil {
		log.Warningf("failed to read database size: %v", err)
	}
	return info
}

func (s *sqliteDB) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.sdb.Close(); err != nil {
		return db.IoError(err, "sqlitedb: close")
	}
	return nil
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	tx       *sql.Tx
	pageSize int
}

func (s *snapshot) Get(key []byte) ([]byte, bool, error) {
	return get(context.Background(), s.tx, key)
}

func (s *snapshot) Scan(prefix, resume []byte) db.Iterator {
	return newIterator(s.tx, prefix, resume, s.pageSize)
}

func (s *snapshot) Close() error {
	return s.tx.Rollback()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, key []byte) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, getQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, db.IoError(err, "sqlitedb: get")
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}
