// Package cmd implements the command-line interface of dSync. It provides a
// hierarchical command structure with operations for running a node and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures a node (single, cluster or raft mode)
//   - doc: Document operations (insert, get, update, query, changes, blobs, ...)
//   - cluster: Operator commands (status, evict, transfer-leadership, recover, compact)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
