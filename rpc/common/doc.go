// Package common holds what the RPC client, server and transports share:
// the wire Message with its payload codecs, the server and client
// configuration, and the logger factory installed into dragonboat.
//
// Key Components:
//
//   - Message: a flat request/response record. Which fields are set depends
//     on the MessageType. Mutations, documents and index queries are carried
//     in Value in their storage encoding; the node status travels as JSON.
//
//   - ServerConfig: node identity, mode (single, cluster, raft), storage,
//     replication and coordinator settings. Validate rejects incomplete
//     configurations and the derived Config helpers hand the settings to the
//     individual components.
//
//   - InitLoggers / SetLogLevel: one line per record formatted as
//     LEVEL | logger | message, with the level adjustable at runtime.
package common
