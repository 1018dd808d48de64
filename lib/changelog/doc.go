// Package changelog implements the per (account, collection) change log and
// the state engine built on it.
//
// Every document mutation appends one entry (change id, kind, document id) in
// the same backend batch as the mutation itself. Change ids are assigned
// without gaps. A State token names the latest change id of a log, and
// ChangesSince folds the entries between two tokens into created, updated and
// destroyed document id sets:
//
//	insert ... delete   -> nothing
//	insert ... (update) -> created
//	... delete          -> destroyed
//	otherwise           -> updated
//
// Compact drops old entries and raises the lowest retained state. Tokens
// below it, tokens from a different lineage and tokens ahead of the log fail
// with ErrCannotCalculateChanges; the client has to resynchronize fully.
package changelog
