package serve

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/http"
	"github.com/ValentinKolb/dSync/rpc/transport/tcp"
	"github.com/ValentinKolb/dSync/rpc/transport/unix"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dSync node",
		Long: `Start a dSync node with the specified configuration. The configuration can be set via command line flags, environment variables or a config file (--config). The format of the environment variables is DSYNC_<flag> (e.g. DSYNC_LOG_LEVEL=debug).

Modes:
  single   one node, writes are committed locally
  cluster  built-in leader based replication between the --peers
  raft     replication through dragonboat (needs pebble or sqlite)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitEnv)

	flags := ServeCmd.PersistentFlags()

	// Node
	flags.String("config", "", cmdUtil.WrapString("Optional config file (yaml, toml or json). The log level is reloaded when the file changes"))
	flags.String("mode", common.ModeSingle, cmdUtil.WrapString("Replication mode (single, cluster, raft)"))
	flags.String("node-id", "", cmdUtil.WrapString("(cluster, raft) Unique id of this node, numeric or a name like 'node-1' which is hashed"))
	flags.String("peers", "", cmdUtil.WrapString("(cluster, raft) Comma-separated list of members in the format 'node-1=host:7000,node-2=host:7001'. In cluster mode the address is the RPC endpoint of the member, in raft mode its raft address"))
	flags.Bool("join", false, cmdUtil.WrapString("(cluster, raft) Join an existing cluster instead of bootstrapping one"))
	flags.Uint64("shard", 1, cmdUtil.WrapString("ID of the shard the store is served on"))

	// Storage
	flags.String("engine", common.EngineMemory, cmdUtil.WrapString("Storage engine (memory, pebble, sqlite)"))
	flags.String("data-dir", "data", cmdUtil.WrapString("Directory of the pebble and sqlite engines and the raft logs"))

	// Replication
	flags.Duration("heartbeat", 0, cmdUtil.WrapString("(cluster) Interval between leader heartbeats (default 100ms)"))
	flags.Duration("election-timeout", 0, cmdUtil.WrapString("(cluster) Time without a heartbeat before a follower starts an election (default 10 heartbeats)"))
	flags.Uint64("log-retention", 10000, cmdUtil.WrapString("(cluster) Replication log entries kept after they were applied. Followers further behind receive a snapshot"))
	flags.Duration("evict-after", 0, cmdUtil.WrapString("(cluster) Remove members that did not respond for this long (0 disables automatic eviction)"))
	flags.String("gossip-bind", "", cmdUtil.WrapString("(cluster) host:port for member discovery via gossip. Disabled when empty"))
	flags.String("gossip-seeds", "", cmdUtil.WrapString("(cluster) Comma-separated gossip addresses of existing members"))

	// Raft
	flags.Uint64("rtt-millisecond", 100, cmdUtil.WrapString("(raft) Average round trip time between two nodes in milliseconds. Election and heartbeat timeouts are derived from it"))
	flags.Uint64("snapshot-entries", 1000, cmdUtil.WrapString("(raft) Applied entries between automatic snapshots (0 disables them, not recommended)"))
	flags.Uint64("compaction-overhead", 500, cmdUtil.WrapString("(raft) Entries kept after a snapshot was taken"))

	// Write coordinator
	flags.String("durability", "majority", cmdUtil.WrapString("Default point at which writes are acknowledged (local, majority)"))
	flags.String("read-policy", "leader", cmdUtil.WrapString("Which nodes answer reads (leader, follower)"))
	flags.Uint64("max-read-lag", 0, cmdUtil.WrapString("(read-policy follower) Log positions a follower may lag behind and still answer reads"))
	flags.Duration("replication-timeout", 0, cmdUtil.WrapString("How long a write waits for its durability (default 5s)"))
	flags.Uint64("change-retention", 10000, cmdUtil.WrapString("Change log entries kept per collection (0 keeps all)"))
	flags.Duration("compact-interval", 0, cmdUtil.WrapString("Interval of the change log compaction (default 1m)"))
	flags.Duration("blob-sweep-interval", 0, cmdUtil.WrapString("Interval of the unreferenced blob sweep (default 10m)"))
	flags.Duration("blob-grace", 0, cmdUtil.WrapString("Age an unreferenced blob must reach before it is reclaimed (default 1h)"))
	flags.Int("workers", 0, cmdUtil.WrapString("Background workers of the coordinator (default 4)"))
	flags.Int("queue-size", 0, cmdUtil.WrapString("Queued background tasks before submissions block (default 256)"))
	flags.Duration("degraded-probe", 0, cmdUtil.WrapString("Interval at which a degraded node tries to recover on its own (0 waits for 'dsync cluster recover')"))

	// Transport
	flags.String("endpoint", "0.0.0.0:7000", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:7000, /tmp/dsync.sock, ...)"))
	flags.Int64("timeout", 10, cmdUtil.WrapString("Timeout of a single request in seconds"))
	flags.Int("workers-per-conn", 64, cmdUtil.WrapString("(tcp, unix) Requests processed concurrently per connection"))
	cmdUtil.SetupTLSFlags(ServeCmd)

	// Observability
	flags.String("metrics-endpoint", "", cmdUtil.WrapString("Address serving /metrics and /debug/pprof (e.g. localhost:9100). Disabled when empty"))
	flags.String("log-level", "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags,
// environment variables and the config file and converts them to the server
// configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	c := serveCmdConfig
	c.Mode = viper.GetString("mode")
	c.Join = viper.GetBool("join")
	c.ShardID = viper.GetUint64("shard")
	c.Engine = viper.GetString("engine")
	c.DataDir = viper.GetString("data-dir")

	c.HeartbeatInterval = viper.GetDuration("heartbeat")
	c.ElectionTimeout = viper.GetDuration("election-timeout")
	c.LogRetention = viper.GetUint64("log-retention")
	c.EvictAfter = viper.GetDuration("evict-after")
	c.GossipBind = viper.GetString("gossip-bind")
	c.GossipSeeds = splitList(viper.GetString("gossip-seeds"))

	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.SnapshotEntries = viper.GetUint64("snapshot-entries")
	c.CompactionOverhead = viper.GetUint64("compaction-overhead")

	c.Durability = viper.GetString("durability")
	c.ReadPolicy = viper.GetString("read-policy")
	c.MaxReadLag = viper.GetUint64("max-read-lag")
	c.ReplicationTimeout = viper.GetDuration("replication-timeout")
	c.ChangeRetention = viper.GetUint64("change-retention")
	c.CompactInterval = viper.GetDuration("compact-interval")
	c.BlobSweepInterval = viper.GetDuration("blob-sweep-interval")
	c.BlobGrace = viper.GetDuration("blob-grace")
	c.Workers = viper.GetInt("workers")
	c.QueueSize = viper.GetInt("queue-size")
	c.DegradedProbe = viper.GetDuration("degraded-probe")

	c.Endpoint = viper.GetString("endpoint")
	c.TimeoutSecond = viper.GetInt64("timeout")
	c.WorkersPerConn = viper.GetInt("workers-per-conn")
	c.TLS = cmdUtil.GetTLSConfig()

	c.MetricsEndpoint = viper.GetString("metrics-endpoint")
	c.LogLevel = viper.GetString("log-level")

	if id := viper.GetString("node-id"); id != "" {
		c.NodeID = cmdUtil.ParseNodeID(id)
	}
	if peers := viper.GetString("peers"); peers != "" {
		var err error
		if c.Peers, err = cmdUtil.ParsePeers(peers); err != nil {
			return err
		}
	}

	return c.Validate()
}

// run starts the node and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		if serveCmdConfig.Mode == common.ModeCluster {
			return errors.New("cluster mode needs a network transport (tcp or http)")
		}
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
	peers, err := cmdUtil.GetTransportFactory()
	if err != nil {
		return err
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if err := common.SetLogLevel(viper.GetString("log-level")); err != nil {
				fmt.Printf("ignoring config change of %s: %v\n", e.Name, err)
			}
		})
		viper.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serv := server.NewRPCServer(*serveCmdConfig, t, s, server.WithPeerTransport(peers))
	return serv.Serve(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
