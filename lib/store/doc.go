// Package store defines the document store API used by the protocol layer.
//
// IStore exposes the account and collection scoped operations: batched
// mutations with an optional state precondition, document reads, index and
// full-text queries, blobs, and delta sync through opaque state tokens.
// IAdmin holds the operator commands.
//
// Every error returned by an implementation is an *Error carrying a RetCode.
// RetCNotLeader errors name the leader in their Hint, and Retryable reports
// whether repeating the request may succeed.
//
// Implementations:
//
//   - lstore: a single node, coordinator over a local log
//   - coordinator over cluster.Node: the replicated cluster mode
//   - dstore: the raft mode on dragonboat
package store
