package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/lib/cluster/gossip"
	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/coordinator"
	"github.com/ValentinKolb/dSync/lib/store/dstore"
	"github.com/ValentinKolb/dSync/lib/store/lstore"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/lni/dragonboat/v4"
	"golang.org/x/sync/errgroup"
)

// servingNode is the store of this process together with the background
// work and the cleanup it needs.
type servingNode struct {
	store    store.IStore
	admin    store.IAdmin
	replicas *cluster.Node // cluster mode only

	run   func(ctx context.Context) error
	close func() error
}

// startNode assembles the node of the configured mode.
func (s *RPCServer) startNode() (*servingNode, error) {
	switch s.config.Mode {
	case common.ModeSingle:
		return s.startSingle()
	case common.ModeCluster:
		return s.startCluster()
	case common.ModeRaft:
		return s.startRaft()
	}
	return nil, fmt.Errorf("unknown mode %q", s.config.Mode)
}

func (s *RPCServer) startSingle() (*servingNode, error) {
	factory, err := dbFactory(s.config, "data")
	if err != nil {
		return nil, err
	}
	ls, err := lstore.NewLocalStore(factory, s.config.CoordinatorConfig(), s.config.LogRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	Logger.Infof("created local store for shard %d", s.config.ShardID)
	return &servingNode{store: ls, admin: ls, run: ls.Run, close: ls.Close}, nil
}

func (s *RPCServer) startCluster() (*servingNode, error) {
	factory, err := dbFactory(s.config, "data")
	if err != nil {
		return nil, err
	}
	kv, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	l, err := replog.Open(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	peers := client.NewPeerTransport(s.peerTransport, s.serializer, common.ClientConfig{
		TimeoutSecond: int(s.config.TimeoutSecond),
		TLS:           s.config.TLS,
	})
	node, err := cluster.NewNode(s.config.ClusterConfig(), l, peers)
	if err != nil {
		kv.Close()
		return nil, err
	}
	coord := coordinator.New(s.config.CoordinatorConfig(), node, kv)
	Logger.Infof("created replicated store for shard %d as node %d of %d", s.config.ShardID, s.config.NodeID, len(s.config.Peers))

	var g *gossip.Gossip
	n := &servingNode{store: coord, admin: coord, replicas: node}
	n.run = func(ctx context.Context) error {
		if s.config.GossipBind != "" {
			if g, err = startGossip(s.config, node); err != nil {
				return err
			}
		}
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error { return node.Run(ctx) })
		eg.Go(func() error { return coord.Run(ctx) })
		return eg.Wait()
	}
	n.close = func() error {
		if g != nil {
			if err := g.Leave(time.Second); err != nil {
				Logger.Warningf("leaving gossip: %v", err)
			}
		}
		if err := coord.Close(); err != nil {
			Logger.Warningf("stopping coordinator: %v", err)
		}
		peers.Close()
		return kv.Close()
	}
	return n, nil
}

func startGossip(cfg common.ServerConfig, node *cluster.Node) (*gossip.Gossip, error) {
	host, port, err := net.SplitHostPort(cfg.GossipBind)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip address %q: %w", cfg.GossipBind, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip port %q: %w", port, err)
	}
	reconciler := gossip.NewReconciler(node, cfg.ReplicationTimeout)
	return gossip.Start(gossip.Config{
		NodeID:   cfg.NodeID,
		Addr:     cfg.Peers[cfg.NodeID],
		BindAddr: host,
		BindPort: p,
		Seeds:    cfg.GossipSeeds,
	}, reconciler.Handle)
}

func (s *RPCServer) startRaft() (*servingNode, error) {
	factory, err := dbFactory(s.config, "state")
	if err != nil {
		return nil, err
	}
	nh, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create node host: %w", err)
	}

	// joining replicas learn the membership from the shard
	initial := s.config.Peers
	if s.config.Join {
		initial = map[uint64]string{}
	}
	if err := nh.StartConcurrentReplica(initial, s.config.Join, dstore.CreateStateMachineFactory(factory), s.config.ToDragonboatConfig()); err != nil {
		nh.Close()
		return nil, fmt.Errorf("failed to start shard %d: %w", s.config.ShardID, err)
	}
	ds := dstore.NewDistributedStore(nh, s.config.DStoreConfig())
	Logger.Infof("started raft replica %d of shard %d", s.config.NodeID, s.config.ShardID)

	return &servingNode{
		store: ds,
		admin: ds,
		run:   ds.Run,
		close: func() error {
			nh.Close()
			return nil
		},
	}, nil
}

// registerGauges exposes the progress of the node.
func registerGauges(st store.IStore) {
	read := func(field func(*store.NodeStatus) uint64) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			status, err := st.Status(ctx)
			if err != nil {
				return 0
			}
			return float64(field(status))
		}
	}
	epoch := read(func(s *store.NodeStatus) uint64 { return s.Epoch })
	commit := read(func(s *store.NodeStatus) uint64 { return s.Commit })
	applied := read(func(s *store.NodeStatus) uint64 { return s.Applied })
	metrics.RegisterNodeGauges(epoch, commit, applied)
}
