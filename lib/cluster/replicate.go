package cluster

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/replog"
)

// progress is the leader's replication state for one follower.
type progress struct {
	member       Member
	next         uint64 // next position to send
	match        uint64 // highest position known to be stored
	lastAck      time.Time
	sentAt       time.Time
	stale        bool
	snapshotting bool
}

// --------------------------------------------------------------------------
// Leader
// --------------------------------------------------------------------------

func (n *Node) becomeLeader(now time.Time) {
	if err := n.log.BecomeLeader(n.epoch); err != nil {
		log.Errorf("take over log for epoch %d: %v", n.epoch, err)
		n.becomeFollower(n.epoch, 0, now)
		return
	}
	n.role = RoleLeader
	n.leader = n.cfg.ID
	n.heardLeader = now
	n.votes = nil

	last := n.log.State().Last
	n.peers = make(map[uint64]*progress, len(n.members.Members))
	for _, m := range n.members.Members {
		if m.ID != n.cfg.ID {
			n.peers[m.ID] = &progress{member: m, next: last + 1, lastAck: now}
		}
	}

	// the opening entry commits everything inherited from earlier epochs
	t := n.log.Tenure()
	tx := db.NewTxn(n.log.Reader())
	err := replog.Genesis(tx)
	if err == nil && !n.replicated {
		err = writeMembership(tx, n.members)
	}
	var e replog.Entry
	if err == nil {
		e, err = n.log.Append(t, tx, nil)
	}
	if err != nil {
		log.Errorf("append opening entry for epoch %d: %v", n.epoch, err)
		n.becomeFollower(n.epoch, 0, now)
		return
	}
	if !n.replicated {
		n.replicated = true
		n.pendingChange = e.Position
	}
	log.Infof("node %d: leader of epoch %d, log at %d", n.cfg.ID, n.epoch, e.Position)
	n.broadcast(now)
	n.advanceCommit(now)
}

func (n *Node) leaderTick(now time.Time) {
	hs := n.log.State()
	active := 0
	if n.members.Contains(n.cfg.ID) {
		active++
	}
	var evict uint64
	for id, p := range n.peers {
		since := now.Sub(p.lastAck)
		p.stale = since > n.cfg.StaleAfter
		if since <= n.cfg.ElectionTimeout {
			active++
		}
		if n.cfg.EvictAfter > 0 && since > n.cfg.EvictAfter && evict == 0 {
			evict = id
		}

		switch {
		case p.match < hs.Last && now.Sub(p.sentAt) >= n.cfg.HeartbeatInterval:
			// nothing acknowledged for a while, resend from the last match
			if p.next > p.match+1 {
				p.next = p.match + 1
			}
			n.sendAppend(p, now)
		case p.match >= hs.Last:
			n.send(p.member, Message{Type: MsgHeartbeat, LeaderID: n.cfg.ID, Commit: hs.Commit, Position: p.match, Stamp: now.UnixNano()})
		}
	}

	if active < n.members.Quorum() {
		log.Warningf("node %d: lost contact with a majority, stepping down from epoch %d", n.cfg.ID, n.epoch)
		n.becomeFollower(n.epoch, 0, now)
		return
	}
	if evict != 0 && n.pendingChange <= hs.Commit {
		log.Warningf("evicting member %d, silent for more than %s", evict, n.cfg.EvictAfter)
		if _, err := n.changeMembership(n.members.Without(evict), now); err != nil {
			log.Errorf("evict member %d: %v", evict, err)
		}
	}
}

// broadcast ships pending entries to every follower that is caught up to
// what it was sent so far.
func (n *Node) broadcast(now time.Time) {
	last := n.log.State().Last
	for _, p := range n.peers {
		if p.next <= last && !p.snapshotting {
			n.sendAppend(p, now)
		}
	}
}

func (n *Node) sendAppend(p *progress, now time.Time) {
	hs := n.log.State()
	if p.next > hs.Last+1 {
		p.next = hs.Last + 1
	}
	if p.next <= hs.Base {
		n.sendSnapshot(p, now)
		return
	}
	prev := p.next - 1
	prevEpoch, err := n.log.EpochAt(prev)
	if err != nil {
		log.Errorf("epoch of %d: %v", prev, err)
		return
	}
	entries, err := n.log.Entries(p.next, n.cfg.MaxEntriesPerMessage, n.cfg.MaxBytesPerMessage)
	if errors.Is(err, replog.ErrCompacted) {
		n.sendSnapshot(p, now)
		return
	}
	if err != nil {
		log.Errorf("read entries from %d: %v", p.next, err)
		return
	}
	msg := Message{
		Type:      MsgAppendEntries,
		LeaderID:  n.cfg.ID,
		Position:  prev,
		PrevEpoch: prevEpoch,
		Commit:    hs.Commit,
		Entries:   entries,
		Stamp:     now.UnixNano(),
	}
	if !n.send(p.member, msg) {
		return
	}
	p.sentAt = now
	if len(entries) > 0 {
		p.next = entries[len(entries)-1].Position + 1
		metrics.PeerEntriesSent(p.member.ID, len(entries))
	}
}

// sendSnapshot builds a store image in the background and ships it.
func (n *Node) sendSnapshot(p *progress, now time.Time) {
	if p.snapshotting && now.Sub(p.sentAt) < 2*n.cfg.ElectionTimeout {
		return
	}
	s := n.senders[p.member.ID]
	if s == nil {
		return
	}
	p.snapshotting = true
	p.sentAt = now
	epoch, self := n.epoch, n.cfg.ID
	n.group.Go(func() error {
		var buf bytes.Buffer
		hdr, err := n.log.BuildImage(&buf)
		if err != nil {
			log.Errorf("build store image for %d: %v", s.member.ID, err)
			return nil
		}
		log.Infof("sending store image at %d (%d bytes) to %d", hdr.Position, buf.Len(), s.member.ID)
		s.enqueue(Message{
			Type:      MsgSnapshotTransfer,
			From:      self,
			To:        s.member.ID,
			Epoch:     epoch,
			LeaderID:  self,
			Position:  hdr.Position,
			PrevEpoch: hdr.Epoch,
			Image:     buf.Bytes(),
			Stamp:     time.Now().UnixNano(),
		})
		return nil
	})
}

func (n *Node) handleAck(m Message, now time.Time) {
	if n.role != RoleLeader {
		return
	}
	p := n.peers[m.From]
	if p == nil {
		return
	}
	p.lastAck = now
	p.stale = false
	p.snapshotting = false
	if m.Stamp != 0 {
		metrics.PeerAckLatency(m.From, now.Sub(time.Unix(0, m.Stamp)))
	}

	if m.Success {
		if m.Position > p.match {
			p.match = m.Position
		}
		if p.next <= p.match {
			p.next = p.match + 1
		}
		n.advanceCommit(now)
		if n.role == RoleLeader && p.next <= n.log.State().Last {
			n.sendAppend(p, now)
		}
		return
	}

	// the follower asks for everything after Position
	next := m.Position + 1
	if next <= p.match {
		next = p.match + 1
	}
	log.Debugf("member %d requests entries from %d", m.From, next)
	p.next = next
	n.sendAppend(p, now)
}

// advanceCommit commits the highest position stored on a majority, provided
// it belongs to the current epoch.
func (n *Node) advanceCommit(now time.Time) {
	if n.role != RoleLeader {
		return
	}
	hs := n.log.State()
	matches := make([]uint64, 0, len(n.members.Members))
	for _, m := range n.members.Members {
		if m.ID == n.cfg.ID {
			matches = append(matches, hs.Last)
			continue
		}
		if p := n.peers[m.ID]; p != nil && !p.stale {
			matches = append(matches, p.match)
		} else {
			matches = append(matches, 0)
		}
	}
	if len(matches) == 0 {
		return
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	c := matches[n.members.Quorum()-1]
	if c <= hs.Commit {
		return
	}
	if ep, err := n.log.EpochAt(c); err != nil || ep != n.epoch {
		return
	}
	if err := n.log.Commit(c); err != nil {
		log.Errorf("commit %d: %v", c, err)
		return
	}
	if !n.members.Contains(n.cfg.ID) && n.pendingChange <= c {
		log.Infof("node %d: removed from the membership, stepping down", n.cfg.ID)
		n.becomeFollower(n.epoch, 0, now)
	}
}

// --------------------------------------------------------------------------
// Follower
// --------------------------------------------------------------------------

func (n *Node) followLeader(m Message, now time.Time) {
	if n.role == RoleLeader {
		log.Errorf("node %d: second leader %d in epoch %d", n.cfg.ID, m.LeaderID, n.epoch)
		return
	}
	if n.role != RoleFollower {
		n.becomeFollower(n.epoch, m.LeaderID, now)
	}
	n.leader = m.LeaderID
	n.heardLeader = now
	if m.Commit > n.leaderCommit {
		n.leaderCommit = m.Commit
	}
	n.resetElectionTimer(now)
}

func (n *Node) handleAppend(m Message, now time.Time) {
	n.followLeader(m, now)
	if n.role == RoleLeader {
		return
	}
	matched, err := n.log.Store(m.Position, m.PrevEpoch, m.Entries, m.Commit)
	var gap *replog.GapError
	switch {
	case errors.As(err, &gap):
		log.Debugf("node %d: gap after %d, requesting catch up", n.cfg.ID, gap.Last)
		n.reply(m, Message{Type: MsgAppendAck, Position: gap.Last, Stamp: m.Stamp})
	case err != nil:
		log.Errorf("store entries after %d: %v", m.Position, err)
	default:
		n.reply(m, Message{Type: MsgAppendAck, Success: true, Position: matched, Stamp: m.Stamp})
	}
	n.reloadMembership()
}

func (n *Node) handleHeartbeat(m Message, now time.Time) {
	n.followLeader(m, now)
	if n.role == RoleLeader {
		return
	}
	hs := n.log.State()
	if hs.Last < m.Position || hs.Last < m.Commit {
		n.reply(m, Message{Type: MsgAppendAck, Position: hs.Last, Stamp: m.Stamp})
		return
	}
	// the leader vouches that our log matches its own up to Position
	if c := min(m.Commit, m.Position); c > hs.Commit {
		if err := n.log.Commit(c); err != nil {
			log.Errorf("commit %d: %v", c, err)
			return
		}
		n.reloadMembership()
	}
	n.reply(m, Message{Type: MsgAppendAck, Success: true, Position: m.Position, Stamp: m.Stamp})
}

func (n *Node) handleSnapshot(m Message, now time.Time) {
	n.followLeader(m, now)
	if n.role == RoleLeader {
		return
	}
	hdr, err := n.log.Restore(bytes.NewReader(m.Image))
	if err != nil {
		log.Errorf("restore store image at %d: %v", m.Position, err)
		n.reply(m, Message{Type: MsgAppendAck, Position: n.log.State().Last, Stamp: m.Stamp})
		return
	}
	n.reloadMembership()
	n.reply(m, Message{Type: MsgAppendAck, Success: true, Position: hdr.Position, Stamp: m.Stamp})
}
