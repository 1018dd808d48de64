package docstore

import (
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/schema"
)

// Key layout (account and ids are big endian uint64):
//
//	'd' account collection docID                  -> encoded document
//	'i' account collection field sortKey docID    -> (empty)
//	't' account collection token 0x00 docID       -> (empty)
const (
	tagDoc   byte = 'd'
	tagIndex byte = 'i'
	tagText  byte = 't'
)

func docPrefix(account uint64, coll schema.Collection) []byte {
	return changelog.CollectionPrefix(tagDoc, account, coll)
}

func docKey(account uint64, coll schema.Collection, id uint64) []byte {
	return util.AppendUint64(docPrefix(account, coll), id)
}

func fieldPrefix(account uint64, coll schema.Collection, field schema.FieldID) []byte {
	return append(changelog.CollectionPrefix(tagIndex, account, coll), byte(field))
}

func indexKey(account uint64, coll schema.Collection, field schema.FieldID, v schema.Value, id uint64) []byte {
	k := append(fieldPrefix(account, coll, field), v.SortKey()...)
	return util.AppendUint64(k, id)
}

func tokenPrefix(account uint64, coll schema.Collection, token string) []byte {
	k := append(changelog.CollectionPrefix(tagText, account, coll), token...)
	return append(k, 0x00)
}

func postingKey(account uint64, coll schema.Collection, token string, id uint64) []byte {
	return util.AppendUint64(tokenPrefix(account, coll, token), id)
}

// trailingID extracts the document id stored in the last 8 bytes of an index key.
func trailingID(key []byte) uint64 {
	return util.Uint64At(key, len(key)-8)
}
