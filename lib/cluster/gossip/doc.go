// Package gossip discovers cluster members over memberlist and feeds them to
// the replicated membership of a cluster.Node.
package gossip
