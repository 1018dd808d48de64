package pebbledb

import (
	"bytes"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/cockroachdb/pebble"
)

// iterator adapts a bounded pebble iterator. Keys and values are copied
// because pebble reuses its buffers on every step.
type iterator struct {
	it      *pebble.Iterator
	prefix  []byte
	resume  []byte
	started bool
	key     []byte
	value   []byte
	err     error
}

func newIterator(it *pebble.Iterator, prefix, resume []byte) *iterator {
	return &iterator{it: it, prefix: prefix, resume: resume}
}

func (i *iterator) Next() bool {
	if i.err != nil || i.it == nil {
		return false
	}

	var valid bool
	if !i.started {
		i.started = true
		if i.resume != nil && bytes.Compare(i.resume, i.prefix) >= 0 {
			valid = i.it.SeekGE(util.Successor(i.resume))
		} else {
			valid = i.it.First()
		}
	} else {
		valid = i.it.Next()
	}

	if !valid {
		if err := i.it.Error(); err != nil {
			i.err = db.IoError(err, "pebbledb: iterate")
		}
		i.key, i.value = nil, nil
		return false
	}
	i.key = append([]byte(nil), i.it.Key()...)
	i.value = append([]byte{}, i.it.Value()...)
	return true
}

func (i *iterator) Key() []byte   { return i.key }
func (i *iterator) Value() []byte { return i.value }
func (i *iterator) Err() error    { return i.err }

func (i *iterator) Close() error {
	if i.it == nil {
		return nil
	}
	err := i.it.Close()
	i.it = nil
	if err != nil {
		return db.IoError(err, "pebbledb: close iterator")
	}
	return nil
}
