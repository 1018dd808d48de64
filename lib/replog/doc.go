// Package replog implements the replication log.
//
// The log lives in the same backend as the state it replicates. Each Entry
// carries the complete backend batch of one mutation, so followers apply
// byte for byte what the leader applied.
//
// On the leader an entry is applied in the batch that appends it and its
// undo image (the pre-images of all written keys) is stored with it. Entries
// beyond the commit position can therefore be rolled back when the leader
// loses its quorum. Followers store entries first and apply them only once
// the leader reports them committed.
//
// Compacted history is replaced by store images (BuildImage, Restore): a
// consistent copy of the committed state tagged with the position it
// represents.
package replog
