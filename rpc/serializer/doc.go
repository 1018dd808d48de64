// Package serializer converts common.Message values to bytes and back. Client
// and server must agree on the serializer, the replication peers of a cluster
// use the one configured for the server.
//
// Implementations:
//
//   - binary (NewBinarySerializer): a 32 bit flag word marks the present
//     fields and only those are written. It keeps nil and empty byte values
//     apart. Default of the command line.
//   - gob (NewGOBSerializer): Go's gob encoding. Every message carries its
//     type description, which makes it the largest format.
//   - json (NewJSONSerializer): readable traffic for debugging. Messages with
//     unknown fields are rejected.
//
// All implementations are safe for concurrent use.
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(msg)
//	...
//	var resp common.Message
//	err = s.Deserialize(data, &resp)
package serializer
