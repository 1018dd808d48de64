// Package client implements the client side of the RPC layer.
//
// RPCStore implements store.IStore and store.IAdmin by forwarding every
// operation to a remote server. Server errors come back as *store.Error with
// their original code. When a follower rejects a write with NotLeader, the
// request is repeated on the next configured endpoint, so clients can list
// every member of a cluster.
//
// PeerTransport implements cluster.Transport on top of the same RPC
// transports, which is how cluster members exchange replication messages.
//
// Usage Example:
//
//	cfg := common.ClientConfig{Endpoints: []string{"10.0.0.1:7000", "10.0.0.2:7000"}, TimeoutSecond: 5, RetryCount: 3}
//	s, err := client.NewRPCStore(1, cfg, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	id, err := store.Insert(ctx, s, account, schema.CollectionMailbox, fields)
package client
