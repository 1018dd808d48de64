package memdb

import (
	"bytes"

	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/google/btree"
)

// iterator walks an immutable tree clone page by page. Only one page of items
// is buffered at a time; the next page starts after the last returned key.
type iterator struct {
	tree     *btree.BTree
	prefix   []byte
	pageSize int

	page []*item
	pos  int
	last []byte // last key handed out, or the resume key
	done bool
	err  error
}

func newIterator(tree *btree.BTree, prefix, resume []byte, pageSize int) *iterator {
	it := &iterator{
		tree:     tree,
		prefix:   prefix,
		pageSize: pageSize,
		pos:      -1,
	}
	if resume != nil {
		it.last = resume
	}
	return it
}

func (it *iterator) Next() bool {
	if it.err != nil || it.tree == nil {
		return false
	}
	it.pos++
	if it.pos < len(it.page) {
		it.last = it.page[it.pos].key
		return true
	}
	if it.done {
		return false
	}
	it.fill()
	it.pos = 0
	if len(it.page) == 0 {
		return false
	}
	it.last = it.page[0].key
	return true
}

// fill loads the next page of items.
func (it *iterator) fill() {
	it.page = it.page[:0]

	start := it.prefix
	if it.last != nil && bytes.Compare(it.last, start) >= 0 {
		start = util.Successor(it.last)
	}

	it.tree.AscendGreaterOrEqual(&item{key: start}, func(i btree.Item) bool {
		entry := i.(*item)
		if !bytes.HasPrefix(entry.key, it.prefix) {
			it.done = true
			return false
		}
		it.page = append(it.page, entry)
		return len(it.page) < it.pageSize
	})
	if len(it.page) < it.pageSize {
		it.done = true
	}
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.page) {
		return nil
	}
	return it.page[it.pos].key
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.page) {
		return nil
	}
	return it.page[it.pos].value
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	it.tree = nil
	it.page = nil
	return nil
}
