// Package transport defines the contract between the RPC layer and the
// network. A server transport hands every request frame to a
// ServerHandleFunc together with its shard id; a client transport sends a
// frame to one of its endpoints and returns the matching response.
//
// Shard ids route requests to a store on the server. Shard 0 is reserved
// for replication traffic between cluster members.
//
// Implementations live in the sub packages: tcp and unix share the framed
// connection handling of base, http maps every request to POST /{shardId}.
// The tcp and http transports support mutual TLS.
package transport
