package docstore

import (
	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/schema"
)

// DeleteAccount removes every document, index entry, posting and change log
// entry of an account. Counters survive so ids are not reused, and every
// state issued for the account becomes invalid. The returned deltas release
// the blob references held by the removed documents.
func DeleteAccount(tx *db.Txn, account uint64) (removed int, deltas map[blob.Hash]int64, err error) {
	deltas = make(map[blob.Hash]int64)

	it := tx.Scan(changelog.AccountPrefix(tagDoc, account), nil)
	for it.Next() {
		key := it.Key()
		coll := schema.Collection(key[9])
		d, err := decodeDocument(account, coll, trailingID(key), it.Value())
		if err != nil {
			it.Close()
			return removed, nil, err
		}
		for _, h := range d.Blobs {
			deltas[h]--
		}
		removed++
	}
	if err := it.Err(); err != nil {
		it.Close()
		return removed, nil, err
	}
	it.Close()

	for _, tag := range []byte{tagDoc, tagIndex, tagText} {
		if err := deletePrefix(tx, changelog.AccountPrefix(tag, account)); err != nil {
			return removed, nil, err
		}
	}
	for _, coll := range schema.Collections() {
		if err := changelog.Reset(tx, account, coll); err != nil {
			return removed, nil, err
		}
	}
	return removed, deltas, nil
}

func deletePrefix(tx *db.Txn, prefix []byte) error {
	it := tx.Scan(prefix, nil)
	defer it.Close()
	for it.Next() {
		if err := tx.Delete(it.Key()); err != nil {
			return err
		}
	}
	return it.Err()
}
