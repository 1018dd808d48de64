// Package coordinator implements the write path shared by the single node and
// the replicated store.
//
// A request passes through validation, a commit that turns its mutations into
// one replicated batch, and replication until the configured durability is
// reached. Storage failures put the node into a degraded mode in which writes
// are refused until a probe succeeds.
package coordinator
