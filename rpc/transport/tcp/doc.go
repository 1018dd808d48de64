// Package tcp provides the TCP connectors for the base transport. Accepted
// sockets get TCP_NODELAY and keep-alive; when the configuration names
// certificate files, both sides speak mutual TLS.
//
// The server uses 512 KB read buffers.
package tcp
