// Package dstore implements store.IStore on the dragonboat raft library.
//
// It is the "raft" serving mode, an alternative to the built-in replication
// of the cluster package. Every write is proposed as an internal.Command and
// applied by a DocStateMachine on each replica. The state machine runs the
// same document, change log and blob code as the other modes, so state
// tokens and deltas behave identically.
//
// Reads use SyncRead (linearizable) by default. With the follower read
// policy they are served by StaleRead from the local replica.
//
// Applying is idempotent across restarts: the raft index of the last
// applied entry is committed together with the entry's effects, and entries
// at or below it are skipped. Snapshots are store images in the format of
// the replog package.
//
// Usage:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	if err != nil { ... }
//	factory := func() (db.KVDB, error) { return pebbledb.Open(dir, nil) }
//	err = nh.StartConcurrentReplica(members, false, dstore.CreateStateMachineFactory(factory), shardConfig)
//	if err != nil { ... }
//	s := dstore.NewDistributedStore(nh, dstore.Config{ShardID: shardConfig.ShardID, ReplicaID: id})
//	go s.Run(ctx)
package dstore
