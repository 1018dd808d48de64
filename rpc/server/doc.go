// Package server implements the RPC server of a dSync node.
//
// Serve assembles the node of the configured mode and serves it through the
// given transport until its context is done:
//
//   - single: a local store (lstore) on the configured engine.
//   - cluster: the write coordinator on top of the built-in replication
//     (lib/cluster). Peers exchange replication frames through the reserved
//     shard 0 of the same transport; gossip discovery is optional.
//   - raft: a dragonboat backed store (dstore).
//
// Requests are routed by shard id to an IRPCServerAdapter. The store adapter
// translates store and admin messages to store.IStore and store.IAdmin
// calls, the replication adapter hands frames to the cluster node.
//
// When a metrics endpoint is configured, /metrics serves the Prometheus text
// format and /debug/pprof/ the runtime profiles.
//
// Usage Example:
//
//	config := common.ServerConfig{
//		Mode:       common.ModeSingle,
//		Engine:     common.EnginePebble,
//		DataDir:    "/var/lib/dsync",
//		ShardID:    1,
//		Endpoint:   ":7000",
//		Durability: "majority",
//	}
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
//	if err := s.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
