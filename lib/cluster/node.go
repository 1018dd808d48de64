package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/replog"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("cluster")

var (
	ErrNotLeader     = fmt.Errorf("cluster: %w", replog.ErrNotLeader)
	ErrChangePending = errors.New("cluster: a membership change is still in progress")
)

// --------------------------------------------------------------------------
// Roles and status
// --------------------------------------------------------------------------

// Role is the replication role of a node.
type Role uint8

const (
	RoleFollower Role = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// PeerStatus is the leader's view of a follower.
type PeerStatus struct {
	Member
	Match   uint64
	Stale   bool
	LastAck time.Time
}

// Status is a point in time view of a node.
type Status struct {
	ID           uint64
	Role         Role
	Epoch        uint64
	Leader       uint64
	LeaderAddr   string
	LeaderCommit uint64 // highest commit position heard from the leader
	Commit       uint64
	Applied      uint64
	Last         uint64
	Base         uint64
	Members      []Member
	Peers        []PeerStatus // only filled on the leader
	StaleEpochs  uint64       // messages rejected for an old epoch
}

// IsLeader reports whether the node leads the cluster.
func (s *Status) IsLeader() bool { return s.Role == RoleLeader }

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config tunes a node. Zero durations and sizes take the defaults below.
type Config struct {
	ID   uint64
	Addr string
	// Peers is the initial membership, used until one was replicated. It
	// must include this node unless Join is set.
	Peers []Member
	// Join makes the node wait for a leader to add it instead of
	// bootstrapping from Peers.
	Join bool

	HeartbeatInterval    time.Duration // default 100ms
	ElectionTimeout      time.Duration // default 10 heartbeats, randomized up to twice that
	MaxEntriesPerMessage int           // default 128
	MaxBytesPerMessage   int           // default 4 MiB
	LogRetention         uint64        // committed entries kept for catch up, default 10000
	StaleAfter           time.Duration // default 3 election timeouts
	EvictAfter           time.Duration // 0 never evicts silent members
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 10 * c.HeartbeatInterval
	}
	if c.MaxEntriesPerMessage <= 0 {
		c.MaxEntriesPerMessage = 128
	}
	if c.MaxBytesPerMessage <= 0 {
		c.MaxBytesPerMessage = 4 << 20
	}
	if c.LogRetention == 0 {
		c.LogRetention = 10000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.ElectionTimeout
	}
	return c
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node replicates a log to the other members. All protocol state is owned by
// a single event loop; other goroutines talk to it through channels and read
// the published Status.
type Node struct {
	cfg   Config
	log   *replog.Log
	tr    Transport
	inbox chan Message
	cmds  chan func()
	kick  chan struct{}

	status atomic.Pointer[Status]
	stale  atomic.Uint64

	group *errgroup.Group
	ctx   context.Context

	// owned by the loop
	role          Role
	epoch         uint64
	leader        uint64
	leaderCommit  uint64
	members       Membership
	replicated    bool // members were read from the log
	peers         map[uint64]*progress
	senders       map[uint64]*sender
	votes         map[uint64]bool
	electionAt    time.Time
	heardLeader   time.Time
	pendingChange uint64
	rng           *rand.Rand
}

// NewNode creates a node on top of an opened log. Run starts it.
func NewNode(cfg Config, l *replog.Log, tr Transport) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == 0 {
		return nil, fmt.Errorf("cluster: node id must not be zero")
	}
	n := &Node{
		cfg:     cfg,
		log:     l,
		tr:      tr,
		inbox:   make(chan Message, 1024),
		cmds:    make(chan func()),
		kick:    make(chan struct{}, 1),
		senders: make(map[uint64]*sender),
		epoch:   l.State().Epoch,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
	}

	m, ok, err := ReadMembership(l.Reader())
	if err != nil {
		return nil, err
	}
	switch {
	case ok:
		n.members, n.replicated = m, true
	case cfg.Join:
		n.members = NewMembership(cfg.Peers...)
	default:
		n.members = NewMembership(cfg.Peers...)
		if !n.members.Contains(cfg.ID) {
			n.members = n.members.With(Member{ID: cfg.ID, Addr: cfg.Addr})
		}
	}
	n.publish()
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() uint64 { return n.cfg.ID }

// Log returns the replication log of the node.
func (n *Node) Log() *replog.Log { return n.log }

// Status returns the last published status.
func (n *Node) Status() *Status { return n.status.Load() }

// Run drives the node until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n.group, n.ctx = g, gctx
	g.Go(func() error { return n.loop(gctx) })
	return g.Wait()
}

// Deliver hands an inbound message to the node. It never blocks; messages
// are dropped when the node falls behind and the protocol retransmits them.
func (n *Node) Deliver(m Message) {
	select {
	case n.inbox <- m:
	default:
		log.Debugf("inbox full, dropping %s from %d", m.Type, m.From)
	}
}

// Append appends tx as the next entry when this node leads in tenure t (see
// replog.Log.Tenure). The entry is shipped to the followers in the background.
func (n *Node) Append(t replog.Tenure, tx *db.Txn, shared func(tx *db.Txn) error) (replog.Entry, error) {
	if !n.Status().IsLeader() {
		return replog.Entry{}, ErrNotLeader
	}
	e, err := n.log.Append(t, tx, shared)
	if errors.Is(err, replog.ErrNotLeader) {
		return e, ErrNotLeader
	}
	if err != nil {
		return e, err
	}
	n.poke()
	return e, nil
}

// WaitCommitted blocks until the entry (pos, epoch) is committed.
func (n *Node) WaitCommitted(ctx context.Context, pos, epoch uint64) error {
	return n.log.WaitCommitted(ctx, pos, epoch)
}

// AddMember adds m to the membership and waits until the change is committed.
func (n *Node) AddMember(ctx context.Context, m Member) error {
	return n.changeAndWait(ctx, func() (Membership, bool) {
		if old, ok := n.members.Get(m.ID); ok && old.Addr == m.Addr {
			return n.members, false
		}
		return n.members.With(m), true
	})
}

// RemoveMember evicts id from the membership and waits until the change is committed.
func (n *Node) RemoveMember(ctx context.Context, id uint64) error {
	return n.changeAndWait(ctx, func() (Membership, bool) {
		if !n.members.Contains(id) {
			return n.members, false
		}
		return n.members.Without(id), true
	})
}

// TransferLeadership makes the leader step down and stay out of the next
// election so another member takes over.
func (n *Node) TransferLeadership(ctx context.Context) error {
	return n.do(ctx, func() error {
		if n.role != RoleLeader {
			return ErrNotLeader
		}
		now := time.Now()
		log.Infof("stepping down as leader of epoch %d on request", n.epoch)
		n.becomeFollower(n.epoch, 0, now)
		n.electionAt = now.Add(3 * n.cfg.ElectionTimeout)
		return nil
	})
}

func (n *Node) changeAndWait(ctx context.Context, next func() (Membership, bool)) error {
	var e replog.Entry
	err := n.do(ctx, func() error {
		m, changed := next()
		if !changed {
			return nil
		}
		var err error
		e, err = n.changeMembership(m, time.Now())
		return err
	})
	if err != nil || e.Position == 0 {
		return err
	}
	return n.log.WaitCommitted(ctx, e.Position, e.Epoch)
}

// do runs fn on the event loop.
func (n *Node) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case n.cmds <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) poke() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Event loop
// --------------------------------------------------------------------------

func (n *Node) loop(ctx context.Context) error {
	for _, m := range n.members.Members {
		n.ensureSender(m)
	}
	n.resetElectionTimer(time.Now())
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	log.Infof("node %d started: epoch=%d members=%d", n.cfg.ID, n.epoch, len(n.members.Members))
	for {
		select {
		case <-ctx.Done():
			if n.role == RoleLeader {
				if err := n.log.StepDown(); err != nil {
					log.Warningf("step down on shutdown: %v", err)
				}
			}
			n.stopSenders()
			log.Infof("node %d stopped", n.cfg.ID)
			return nil
		case m := <-n.inbox:
			n.step(m, time.Now())
		case fn := <-n.cmds:
			fn()
		case <-n.kick:
			if n.role == RoleLeader {
				n.broadcast(time.Now())
				n.advanceCommit(time.Now())
			}
		case now := <-ticker.C:
			n.tick(now)
		}
		n.publish()
	}
}

func (n *Node) step(m Message, now time.Time) {
	switch m.Type {
	case MsgRequestVote:
		n.handleVote(m, now)
		return
	case MsgVoteResponse:
		n.handleVoteResponse(m, now)
		return
	}

	if m.Epoch < n.epoch {
		n.rejectStale(m)
		return
	}
	if m.Epoch > n.epoch {
		var leader uint64
		if m.Type != MsgAppendAck {
			leader = m.LeaderID
		}
		n.becomeFollower(m.Epoch, leader, now)
	}

	switch m.Type {
	case MsgAppendEntries:
		n.handleAppend(m, now)
	case MsgHeartbeat:
		n.handleHeartbeat(m, now)
	case MsgSnapshotTransfer:
		n.handleSnapshot(m, now)
	case MsgAppendAck:
		n.handleAck(m, now)
	default:
		log.Warningf("ignoring unknown message %s from %d", m.Type, m.From)
	}
}

func (n *Node) rejectStale(m Message) {
	n.stale.Add(1)
	metrics.StaleEpochRejected()
	log.Warningf("rejecting %s from %d: epoch %d is older than %d", m.Type, m.From, m.Epoch, n.epoch)
	switch m.Type {
	case MsgAppendEntries, MsgHeartbeat, MsgSnapshotTransfer:
		// tell the deposed leader about the newer epoch
		n.reply(m, Message{Type: MsgAppendAck, Position: n.log.State().Last})
	}
}

func (n *Node) tick(now time.Time) {
	if n.role == RoleLeader {
		n.leaderTick(now)
	} else if now.After(n.electionAt) {
		n.campaign(now)
	}

	hs := n.log.State()
	if hs.Commit-hs.Base > n.cfg.LogRetention+n.cfg.LogRetention/4 {
		if _, err := n.log.CompactRetaining(n.cfg.LogRetention); err != nil {
			log.Warningf("log compaction failed: %v", err)
		}
	}
}

func (n *Node) resetElectionTimer(now time.Time) {
	t := n.cfg.ElectionTimeout
	n.electionAt = now.Add(t + time.Duration(n.rng.Int63n(int64(t))))
}

func (n *Node) becomeFollower(epoch, leader uint64, now time.Time) {
	if n.role == RoleLeader {
		if err := n.log.StepDown(); err != nil {
			log.Errorf("step down: %v", err)
		}
		n.peers = nil
		n.reloadMembership()
	}
	if epoch > n.epoch {
		if err := n.log.SetEpoch(epoch, 0); err != nil {
			log.Errorf("persist epoch %d: %v", epoch, err)
			return
		}
		n.epoch = epoch
	}
	if n.role != RoleFollower {
		log.Infof("node %d is follower in epoch %d", n.cfg.ID, n.epoch)
	}
	n.role = RoleFollower
	n.leader = leader
	n.votes = nil
	if leader != 0 {
		n.heardLeader = now
	}
	n.resetElectionTimer(now)
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

func (n *Node) changeMembership(next Membership, now time.Time) (replog.Entry, error) {
	if n.role != RoleLeader {
		return replog.Entry{}, ErrNotLeader
	}
	if n.pendingChange > n.log.State().Commit {
		return replog.Entry{}, ErrChangePending
	}
	if len(next.Members) == 0 {
		return replog.Entry{}, fmt.Errorf("cluster: membership must not be empty")
	}
	t := n.log.Tenure()
	tx := db.NewTxn(n.log.Reader())
	if err := writeMembership(tx, next); err != nil {
		return replog.Entry{}, err
	}
	e, err := n.log.Append(t, tx, nil)
	if err != nil {
		return e, err
	}
	log.Infof("membership change at %d: %d members", e.Position, len(next.Members))
	n.pendingChange = e.Position
	n.setMembers(next, now)
	n.broadcast(now)
	n.advanceCommit(now)
	return e, nil
}

// reloadMembership picks up a membership that arrived through the log.
func (n *Node) reloadMembership() {
	m, ok, err := ReadMembership(n.log.Reader())
	if err != nil {
		log.Errorf("read membership: %v", err)
		return
	}
	if !ok {
		return
	}
	n.replicated = true
	n.setMembers(m, time.Now())
}

func (n *Node) setMembers(next Membership, now time.Time) {
	for _, old := range n.members.Members {
		if cur, ok := next.Get(old.ID); !ok || cur.Addr != old.Addr {
			n.stopSender(old.ID)
			if n.peers != nil {
				delete(n.peers, old.ID)
			}
			if !ok {
				metrics.ForgetPeer(old.ID)
			}
		}
	}
	n.members = next
	last := n.log.State().Last
	for _, m := range next.Members {
		n.ensureSender(m)
		if n.role == RoleLeader && m.ID != n.cfg.ID && n.peers[m.ID] == nil {
			n.peers[m.ID] = &progress{member: m, next: last + 1, lastAck: now}
		}
	}
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

func (n *Node) publish() {
	hs := n.log.State()
	st := &Status{
		ID:           n.cfg.ID,
		Role:         n.role,
		Epoch:        n.epoch,
		Leader:       n.leader,
		LeaderCommit: n.leaderCommit,
		Commit:       hs.Commit,
		Applied:      hs.Applied,
		Last:         hs.Last,
		Base:         hs.Base,
		Members:      append([]Member(nil), n.members.Members...),
		StaleEpochs:  n.stale.Load(),
	}
	if n.role == RoleLeader {
		st.LeaderCommit = hs.Commit
	}
	if m, ok := n.members.Get(n.leader); ok {
		st.LeaderAddr = m.Addr
	}
	for _, m := range n.members.Members {
		if p := n.peers[m.ID]; p != nil {
			st.Peers = append(st.Peers, PeerStatus{Member: p.member, Match: p.match, Stale: p.stale, LastAck: p.lastAck})
		}
	}
	n.status.Store(st)
}

// Leadership reports whether the node accepts writes and where the leader is.
func (n *Node) Leadership() replog.Leadership {
	st := n.Status()
	return replog.Leadership{IsLeader: st.IsLeader(), LeaderAddr: st.LeaderAddr, KnownCommit: st.LeaderCommit}
}
