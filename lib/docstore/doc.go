// Package docstore maps typed documents onto backend keys.
//
// A mutation is applied to a db.Txn: the document record, the secondary index
// entries of its sorted fields, the full-text postings of its text fields and
// the change log entry are all written to the same batch. Index entries and
// postings are computed by diffing the previous and the new version, so stale
// entries disappear in the batch that supersedes them.
//
// Blob references are not written by Apply. The reference count deltas are
// returned to the caller, which applies them where all batches are ordered.
package docstore
