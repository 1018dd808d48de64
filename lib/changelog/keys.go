package changelog

import (
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/schema"
)

const (
	tagEntry byte = 'c'
	tagMeta  byte = 'm'

	metaLast    byte = 'l'
	metaLowest  byte = 'w'
	metaNextDoc byte = 'n'
)

// CollectionPrefix returns the key prefix of a keyspace scoped to (account, collection).
func CollectionPrefix(tag byte, account uint64, coll schema.Collection) []byte {
	k := make([]byte, 0, 1+8+1+8)
	k = append(k, tag)
	k = util.AppendUint64(k, account)
	return append(k, byte(coll))
}

// AccountPrefix returns the key prefix of a keyspace scoped to an account.
func AccountPrefix(tag byte, account uint64) []byte {
	return util.AppendUint64([]byte{tag}, account)
}

func entryPrefix(account uint64, coll schema.Collection) []byte {
	return CollectionPrefix(tagEntry, account, coll)
}

func entryKey(account uint64, coll schema.Collection, changeID uint64) []byte {
	return util.AppendUint64(entryPrefix(account, coll), changeID)
}

func metaKey(account uint64, coll schema.Collection, field byte) []byte {
	return append(CollectionPrefix(tagMeta, account, coll), field)
}
