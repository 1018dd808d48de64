// Package unix provides Unix domain socket connectors for the base
// transport, for clients on the same machine as the server. A stale socket
// file is removed before listening.
package unix
