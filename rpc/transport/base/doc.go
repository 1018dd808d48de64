// Package base implements the framed request/response protocol shared by
// the stream oriented transports (tcp, unix). The medium specific parts,
// dialing and listening, are injected through IClientConnector and
// IServerConnector.
//
// Every frame starts with a 20 byte header (shard id, request id, payload
// length) followed by the payload. Responses carry the request id of their
// request, so a connection can have many requests in flight.
//
// Client side:
//
//   - Multiple connections per endpoint, selected round robin.
//   - Failed requests are retried with exponential backoff (cenkalti/backoff)
//     until the retry count or the context deadline is exhausted.
//   - Broken connections fail their pending requests and are redialed in the
//     background, so endpoints that start later are picked up.
//
// Server side:
//
//   - One goroutine per connection reads frames, a per connection semaphore
//     bounds the number of requests processed concurrently.
//   - Read buffers are pooled.
//   - Listen returns once its context is done and all in-flight responses
//     have been written.
//
// ServerTLS and ClientTLS build mutual TLS configurations from PEM files.
package base
