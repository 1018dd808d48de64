package sqlitedb

import (
	"bytes"
	"context"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
)

// iterator pages through the kv table with keyset pagination: every page is
// a bounded query starting after the last key of the previous page.
type iterator struct {
	q        querier
	prefix   []byte
	upper    []byte // exclusive, nil = unbounded
	after    []byte // exclusive lower bound, nil = use prefix inclusively
	pageSize int

	keys   [][]byte
	values [][]byte
	pos    int
	done   bool
	err    error
}

func newIterator(q querier, prefix, resume []byte, pageSize int) *iterator {
	it := &iterator{
		q:        q,
		prefix:   prefix,
		upper:    util.PrefixEnd(prefix),
		pageSize: pageSize,
		pos:      -1,
	}
	if resume != nil && bytes.Compare(resume, prefix) >= 0 {
		it.after = resume
	}
	return it
}

func (it *iterator) Next() bool {
	if it.err != nil || it.q == nil {
		return false
	}
	it.pos++
	if it.pos < len(it.keys) {
		return true
	}
	if it.done {
		return false
	}
	if err := it.fill(); err != nil {
		it.err = err
		return false
	}
	it.pos = 0
	return len(it.keys) > 0
}

func (it *iterator) fill() error {
	it.keys, it.values = it.keys[:0], it.values[:0]

	query := `SELECT k, v FROM kv WHERE `
	var args []any
	if it.after != nil {
		query += `k > ?`
		args = append(args, it.after)
	} else {
		query += `k >= ?`
		args = append(args, append([]byte{}, it.prefix...))
	}
	if it.upper != nil {
		query += ` AND k < ?`
		args = append(args, it.upper)
	}
	query += ` ORDER BY k LIMIT ?`
	args = append(args, it.pageSize)

	rows, err := it.q.QueryContext(context.Background(), query, args...)
	if err != nil {
		return db.IoError(err, "sqlitedb: scan")
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return db.IoError(err, "sqlitedb: scan row")
		}
		if v == nil {
			v = []byte{}
		}
		it.keys = append(it.keys, k)
		it.values = append(it.values, v)
	}
	if err := rows.Err(); err != nil {
		return db.IoError(err, "sqlitedb: scan rows")
	}

	if len(it.keys) < it.pageSize {
		it.done = true
	}
	if n := len(it.keys); n > 0 {
		it.after = it.keys[n-1]
	}
	return nil
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return it.keys[it.pos]
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.values) {
		return nil
	}
	return it.values[it.pos]
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	it.q = nil
	it.keys, it.values = nil, nil
	return nil
}
