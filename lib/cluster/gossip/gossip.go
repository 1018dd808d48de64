package gossip

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("gossip")

// EventKind tells whether a member appeared or disappeared.
type EventKind uint8

const (
	EventJoin EventKind = iota + 1
	EventLeave
)

// Event reports a change of the gossip view.
type Event struct {
	Kind   EventKind
	Member cluster.Member
}

// Config configures the gossip agent.
type Config struct {
	NodeID   uint64
	Addr     string // replication address announced to peers
	BindAddr string
	BindPort int
	Seeds    []string
	// JoinTimeout bounds the retries of the initial join.
	JoinTimeout time.Duration
}

// Gossip discovers cluster members through memberlist and reports them as
// events. It never changes the membership itself.
type Gossip struct {
	ml      *memberlist.Memberlist
	meta    []byte
	handler func(Event)
}

// Start creates the agent and joins the seeds.
func Start(cfg Config, handler func(Event)) (*Gossip, error) {
	g := &Gossip{handler: handler, meta: encodeMeta(cfg.NodeID, cfg.Addr)}

	mlc := memberlist.DefaultLANConfig()
	mlc.Name = strconv.FormatUint(cfg.NodeID, 10)
	if cfg.BindAddr != "" {
		mlc.BindAddr = cfg.BindAddr
		mlc.AdvertiseAddr = cfg.BindAddr
	}
	mlc.BindPort = cfg.BindPort
	mlc.AdvertisePort = cfg.BindPort
	mlc.Delegate = g
	mlc.Events = g
	mlc.LogOutput = logWriter{}

	ml, err := memberlist.Create(mlc)
	if err != nil {
		return nil, fmt.Errorf("gossip: create memberlist: %w", err)
	}
	g.ml = ml
	log.Infof("gossip listening on %s", g.Addr())

	if len(cfg.Seeds) > 0 {
		timeout := cfg.JoinTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = timeout
		err := backoff.Retry(func() error {
			n, err := ml.Join(cfg.Seeds)
			if err != nil {
				log.Warningf("join %v: %v", cfg.Seeds, err)
				return err
			}
			log.Infof("joined gossip through %d seed(s)", n)
			return nil
		}, b)
		if err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("gossip: join seeds: %w", err)
		}
	}
	return g, nil
}

// Addr returns the host:port the agent gossips on.
func (g *Gossip) Addr() string {
	n := g.ml.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Members returns the members currently alive in the gossip view.
func (g *Gossip) Members() []cluster.Member {
	var out []cluster.Member
	for _, n := range g.ml.Members() {
		if m, ok := decodeMeta(n.Meta); ok {
			out = append(out, m)
		}
	}
	return out
}

// Leave announces the departure and stops the agent.
func (g *Gossip) Leave(timeout time.Duration) error {
	if err := g.ml.Leave(timeout); err != nil {
		log.Warningf("leave: %v", err)
	}
	return g.ml.Shutdown()
}

// --------------------------------------------------------------------------
// memberlist.Delegate
// --------------------------------------------------------------------------

func (g *Gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		return nil
	}
	return g.meta
}

func (g *Gossip) NotifyMsg([]byte)                           {}
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *Gossip) LocalState(join bool) []byte                { return nil }
func (g *Gossip) MergeRemoteState(buf []byte, join bool)     {}

// --------------------------------------------------------------------------
// memberlist.EventDelegate
// --------------------------------------------------------------------------

func (g *Gossip) NotifyJoin(n *memberlist.Node) { g.emit(EventJoin, n) }

func (g *Gossip) NotifyLeave(n *memberlist.Node) { g.emit(EventLeave, n) }

func (g *Gossip) NotifyUpdate(n *memberlist.Node) { g.emit(EventJoin, n) }

func (g *Gossip) emit(kind EventKind, n *memberlist.Node) {
	m, ok := decodeMeta(n.Meta)
	if !ok {
		log.Warningf("member %s announces no replication address", n.Name)
		return
	}
	if g.handler != nil {
		g.handler(Event{Kind: kind, Member: m})
	}
}

func encodeMeta(id uint64, addr string) []byte {
	return append(binary.BigEndian.AppendUint64(nil, id), addr...)
}

func decodeMeta(raw []byte) (cluster.Member, bool) {
	if len(raw) < 8 {
		return cluster.Member{}, false
	}
	return cluster.Member{ID: binary.BigEndian.Uint64(raw), Addr: string(raw[8:])}, true
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Debugf("%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// --------------------------------------------------------------------------
// Reconciler
// --------------------------------------------------------------------------

// Reconciler proposes members discovered through gossip to the replicated
// membership. Only the leader acts; departures are left to eviction of
// silent members.
type Reconciler struct {
	node    *cluster.Node
	timeout time.Duration
	mu      sync.Mutex
}

// NewReconciler returns a reconciler for node.
func NewReconciler(node *cluster.Node, timeout time.Duration) *Reconciler {
	return &Reconciler{node: node, timeout: timeout}
}

// Handle is an event handler for Start.
func (r *Reconciler) Handle(ev Event) {
	switch ev.Kind {
	case EventLeave:
		log.Infof("member %d (%s) left the gossip view", ev.Member.ID, ev.Member.Addr)
	case EventJoin:
		st := r.node.Status()
		if !st.IsLeader() {
			return
		}
		for _, m := range st.Members {
			if m.ID == ev.Member.ID && m.Addr == ev.Member.Addr {
				return
			}
		}
		go r.add(ev.Member)
	}
}

func (r *Reconciler) add(m cluster.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	log.Infof("adding member %d (%s) discovered through gossip", m.ID, m.Addr)
	if err := r.node.AddMember(ctx, m); err != nil {
		log.Warningf("add member %d: %v", m.ID, err)
	}
}
