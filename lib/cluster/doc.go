// Package cluster replicates the write log of a store to a set of members.
//
// One member leads an epoch and appends entries; followers store them and
// apply only what a majority stored. Elections run a pre-vote round first,
// so a member returning from a partition cannot force a new epoch. Every
// message carries the epoch of its sender and messages from older epochs are
// rejected, which fences a deposed leader.
//
// A follower that falls behind answers with the last position it holds and
// the leader resends exactly the missing range, or a store image when that
// range was compacted away. Membership is itself replicated through the log.
//
// All protocol state of a Node is owned by one event loop. Messages travel
// over a Transport; MemNetwork connects nodes in one process for tests.
package cluster
