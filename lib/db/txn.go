package db

// Txn builds a Batch on top of a Reader. Reads observe the pending writes of
// the transaction itself. For every key that is written, the value it had in
// the underlying Reader is remembered, so that Undo returns a batch which
// restores the state from before the transaction.
//
// A Txn is not safe for concurrent use. Scan only sees the underlying Reader.
type Txn struct {
	r     Reader
	batch *Batch
	undo  *Batch
}

// NewTxn creates a transaction reading from r.
func NewTxn(r Reader) *Txn {
	return &Txn{r: r, batch: NewBatch(), undo: NewBatch()}
}

// Get returns the value for key, including writes made through this transaction.
func (t *Txn) Get(key []byte) ([]byte, bool, error) {
	if op, ok := t.batch.Lookup(key); ok {
		if op.Delete {
			return nil, false, nil
		}
		return op.Value, true, nil
	}
	return t.r.Get(key)
}

// Scan iterates the underlying reader. Pending writes are not visible.
func (t *Txn) Scan(prefix, resume []byte) Iterator {
	return t.r.Scan(prefix, resume)
}

// Set records an upsert of key.
func (t *Txn) Set(key, value []byte) error {
	if err := t.remember(key); err != nil {
		return err
	}
	t.batch.Set(key, value)
	return nil
}

// Delete records a delete of key.
func (t *Txn) Delete(key []byte) error {
	if err := t.remember(key); err != nil {
		return err
	}
	t.batch.Delete(key)
	return nil
}

// remember stores the pre-image of key the first time the key is touched.
func (t *Txn) remember(key []byte) error {
	if _, ok := t.undo.Lookup(key); ok {
		return nil
	}
	old, found, err := t.r.Get(key)
	if err != nil {
		return err
	}
	if found {
		t.undo.Set(key, old)
	} else {
		t.undo.Delete(key)
	}
	return nil
}

// Batch returns the forward batch.
func (t *Txn) Batch() *Batch { return t.batch }

// Undo returns a batch restoring every touched key to its previous value.
func (t *Txn) Undo() *Batch { return t.undo }

// Merge folds the writes of other into t. Pre-images of keys already touched
// by t win, so the merged undo still restores the state before t began.
func (t *Txn) Merge(other *Txn) {
	for _, op := range other.undo.Ops() {
		if _, ok := t.undo.Lookup(op.Key); !ok {
			t.undo.put(op)
		}
	}
	t.batch.Append(other.batch)
}
