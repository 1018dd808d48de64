package common

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/coordinator"
	"github.com/ValentinKolb/dSync/lib/store/dstore"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat (raft mode)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.NodeID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	dir := filepath.Join(c.DataDir, "raft")
	return config.NodeHostConfig{
		WALDir:         dir,
		NodeHostDir:    dir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.Peers[c.NodeID],
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// Server modes.
const (
	ModeSingle  = "single"  // one node, local replication log
	ModeCluster = "cluster" // built-in replication between the peers
	ModeRaft    = "raft"    // dragonboat replication
)

// Storage engines.
const (
	EngineMemory = "memory"
	EnginePebble = "pebble"
	EngineSQLite = "sqlite"
)

// ShardReplication is the reserved shard carrying replication frames between
// the peers of a cluster mode deployment.
const ShardReplication uint64 = 0

// TLSConfig points to the files of a mutually authenticated transport.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" }

// ServerConfig holds all configuration parameters of a node.
type ServerConfig struct {
	Mode    string
	NodeID  uint64
	ShardID uint64 // shard id of the store

	// Peers maps node ids to the address peers reach them at. In cluster mode
	// this is the RPC endpoint, in raft mode the dragonboat raft address.
	Peers map[uint64]string
	Join  bool

	// Storage
	Engine  string
	DataDir string

	// Replication (cluster mode)
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
	LogRetention      uint64
	EvictAfter        time.Duration

	// Dragonboat parameters (raft mode)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64

	// Write coordinator
	Durability         string
	ReadPolicy         string
	MaxReadLag         uint64
	ReplicationTimeout time.Duration
	ChangeRetention    uint64
	CompactInterval    time.Duration
	BlobSweepInterval  time.Duration
	BlobGrace          time.Duration
	Workers            int
	QueueSize          int
	DegradedProbe      time.Duration

	// Transport
	Endpoint       string
	TimeoutSecond  int64
	WorkersPerConn int
	TLS            TLSConfig

	// Gossip discovery (cluster mode), disabled without a bind address
	GossipBind  string
	GossipSeeds []string

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// IsReplicated reports whether the node has peers.
func (c *ServerConfig) IsReplicated() bool {
	return c.Mode == ModeCluster || c.Mode == ModeRaft
}

// Members returns the peer list ordered by id.
func (c *ServerConfig) Members() []cluster.Member {
	ids := make([]uint64, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]cluster.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, cluster.Member{ID: id, Addr: c.Peers[id]})
	}
	return out
}

// Validate checks the configuration for missing or unknown values.
func (c *ServerConfig) Validate() error {
	switch c.Mode {
	case ModeSingle, ModeCluster, ModeRaft:
	default:
		return fmt.Errorf("unknown mode %q (single|cluster|raft)", c.Mode)
	}
	switch c.Engine {
	case EngineMemory, EnginePebble, EngineSQLite:
	default:
		return fmt.Errorf("unknown engine %q (memory|pebble|sqlite)", c.Engine)
	}
	if c.Engine != EngineMemory && c.DataDir == "" {
		return fmt.Errorf("engine %s needs a data directory", c.Engine)
	}
	if _, err := store.ParseDurability(c.Durability); err != nil {
		return err
	}
	if _, err := store.ParseReadPolicy(c.ReadPolicy); err != nil {
		return err
	}
	if c.ShardID == ShardReplication {
		return fmt.Errorf("shard id %d is reserved for replication", ShardReplication)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("no endpoint configured")
	}
	if c.TLS.Enabled() && (c.TLS.KeyFile == "" || c.TLS.CAFile == "") {
		return fmt.Errorf("tls needs a certificate, a key and a ca file")
	}
	if !c.IsReplicated() {
		return nil
	}
	if c.NodeID == 0 {
		return fmt.Errorf("mode %s needs a node id", c.Mode)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("mode %s needs a peer list", c.Mode)
	}
	if _, ok := c.Peers[c.NodeID]; !ok && !c.Join {
		return fmt.Errorf("no address found for node %d in the peer list", c.NodeID)
	}
	if c.Mode == ModeRaft && c.Engine == EngineMemory {
		return fmt.Errorf("raft mode needs a durable engine")
	}
	return nil
}

// CoordinatorConfig derives the write coordinator settings. Validate must
// have succeeded.
func (c *ServerConfig) CoordinatorConfig() coordinator.Config {
	durability, _ := store.ParseDurability(c.Durability)
	policy, _ := store.ParseReadPolicy(c.ReadPolicy)
	return coordinator.Config{
		NodeID:             c.NodeID,
		Mode:               c.Mode,
		Durability:         durability,
		ReplicationTimeout: c.ReplicationTimeout,
		ReadPolicy:         policy,
		MaxReadLag:         c.MaxReadLag,
		ChangeRetention:    c.ChangeRetention,
		CompactInterval:    c.CompactInterval,
		BlobSweepInterval:  c.BlobSweepInterval,
		BlobGrace:          c.BlobGrace,
		Workers:            c.Workers,
		QueueSize:          c.QueueSize,
		DegradedProbe:      c.DegradedProbe,
	}
}

// ClusterConfig derives the replication settings of cluster mode.
func (c *ServerConfig) ClusterConfig() cluster.Config {
	return cluster.Config{
		ID:                c.NodeID,
		Addr:              c.Peers[c.NodeID],
		Peers:             c.Members(),
		Join:              c.Join,
		HeartbeatInterval: c.HeartbeatInterval,
		ElectionTimeout:   c.ElectionTimeout,
		LogRetention:      c.LogRetention,
		EvictAfter:        c.EvictAfter,
	}
}

// DStoreConfig derives the settings of the dragonboat backed store.
func (c *ServerConfig) DStoreConfig() dstore.Config {
	policy, _ := store.ParseReadPolicy(c.ReadPolicy)
	return dstore.Config{
		ShardID:           c.ShardID,
		ReplicaID:         c.NodeID,
		Timeout:           c.ReplicationTimeout,
		ReadPolicy:        policy,
		ChangeRetention:   c.ChangeRetention,
		CompactInterval:   c.CompactInterval,
		BlobSweepInterval: c.BlobSweepInterval,
		BlobGrace:         c.BlobGrace,
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Mode", c.Mode)
	addField("Endpoint", c.Endpoint)
	addField("Shard", strconv.FormatUint(c.ShardID, 10))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("TLS", fmt.Sprintf("%t", c.TLS.Enabled()))
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Storage")
	addField("Engine", c.Engine)
	addField("Data Directory", c.DataDir)

	addSection("Write Coordinator")
	addField("Durability", c.Durability)
	addField("Read Policy", c.ReadPolicy)
	addField("Max Read Lag", strconv.FormatUint(c.MaxReadLag, 10))
	addField("Replication Timeout", c.ReplicationTimeout.String())
	addField("Change Retention", strconv.FormatUint(c.ChangeRetention, 10))
	addField("Blob Sweep", fmt.Sprintf("every %s, grace %s", c.BlobSweepInterval, c.BlobGrace))
	addField("Workers", fmt.Sprintf("%d (queue %d)", c.Workers, c.QueueSize))

	if !c.IsReplicated() {
		return sb.String()
	}

	addSection("Node Identity")
	addField("Node ID", strconv.FormatUint(c.NodeID, 10))
	addField("Address", c.Peers[c.NodeID])
	addField("Join", fmt.Sprintf("%t", c.Join))

	if c.Mode == ModeRaft {
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
	} else {
		addSection("Replication")
		addField("Heartbeat", c.HeartbeatInterval.String())
		addField("Election Timeout", c.ElectionTimeout.String())
		addField("Log Retention", strconv.FormatUint(c.LogRetention, 10))
		if c.GossipBind != "" {
			addField("Gossip", fmt.Sprintf("%s (seeds %s)", c.GossipBind, strings.Join(c.GossipSeeds, ",")))
		}
	}

	addSection("Members")
	for _, m := range c.Members() {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", m.ID, m.Addr))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
	TLS                    TLSConfig
}

// Timeout returns the request timeout, 0 for none.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))
	addField("TLS", fmt.Sprintf("%t", c.TLS.Enabled()))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
