// Package rpc exposes a store over the network and carries the replication
// traffic between cluster members.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, configuration structures and logging.
//
//   - transport: framed request/response transports (TCP with optional
//     mutual TLS, Unix sockets, HTTP).
//
//   - serializer: Message encodings (Binary, JSON, GOB).
//
//   - client: a remote store.IStore and store.IAdmin, and the peer transport
//     used by cluster mode replication.
//
//   - server: assembles the store of the configured mode and routes requests
//     to it and to the replication node.
package rpc
