// Package http implements the RPC transports over HTTP. Each request is a
// POST to /{shardId} with the serialized message as body; the response body
// is the serialized reply.
//
// The client selects endpoints round robin and retries connection errors and
// 5xx responses with exponential backoff. Endpoints without a scheme get
// http:// or, with TLS configured, https://.
package http
