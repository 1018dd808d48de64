package cluster

import "time"

// campaign starts a pre-vote round. Only when a majority would vote for us
// is the epoch bumped, so a partitioned node cannot disturb the cluster
// when it comes back.
func (n *Node) campaign(now time.Time) {
	n.resetElectionTimer(now)
	if !n.members.Contains(n.cfg.ID) || (n.cfg.Join && !n.replicated) {
		return
	}
	n.role = RolePreCandidate
	n.leader = 0
	n.votes = map[uint64]bool{n.cfg.ID: true}
	if n.countVotes() >= n.members.Quorum() {
		n.startElection(now)
		return
	}
	hs := n.log.State()
	log.Debugf("node %d: pre-vote for epoch %d", n.cfg.ID, n.epoch+1)
	for _, m := range n.members.Members {
		if m.ID != n.cfg.ID {
			n.send(m, Message{Type: MsgRequestVote, Epoch: n.epoch + 1, PreVote: true, Position: hs.Last, PrevEpoch: hs.LastEpoch})
		}
	}
}

func (n *Node) startElection(now time.Time) {
	epoch := n.epoch + 1
	if err := n.log.SetEpoch(epoch, n.cfg.ID); err != nil {
		log.Errorf("persist epoch %d: %v", epoch, err)
		return
	}
	n.epoch = epoch
	n.role = RoleCandidate
	n.votes = map[uint64]bool{n.cfg.ID: true}
	n.resetElectionTimer(now)
	log.Infof("node %d: starting election for epoch %d", n.cfg.ID, epoch)

	if n.countVotes() >= n.members.Quorum() {
		n.becomeLeader(now)
		return
	}
	hs := n.log.State()
	for _, m := range n.members.Members {
		if m.ID != n.cfg.ID {
			n.send(m, Message{Type: MsgRequestVote, Epoch: epoch, Position: hs.Last, PrevEpoch: hs.LastEpoch})
		}
	}
}

func (n *Node) countVotes() int {
	c := 0
	for id, granted := range n.votes {
		if granted && n.members.Contains(id) {
			c++
		}
	}
	return c
}

func (n *Node) handleVote(m Message, now time.Time) {
	leaderAlive := n.role == RoleLeader ||
		(n.leader != 0 && now.Sub(n.heardLeader) < n.cfg.ElectionTimeout)

	if m.PreVote {
		grant := m.Epoch > n.epoch && !leaderAlive && n.upToDate(m)
		n.reply(m, Message{Type: MsgVoteResponse, Epoch: m.Epoch, PreVote: true, Success: grant})
		return
	}

	if m.Epoch < n.epoch {
		n.reply(m, Message{Type: MsgVoteResponse})
		return
	}
	if m.Epoch > n.epoch {
		if leaderAlive {
			log.Debugf("ignoring vote request of %d for epoch %d, leader %d is alive", m.From, m.Epoch, n.leader)
			return
		}
		n.becomeFollower(m.Epoch, 0, now)
	}

	votedFor := n.log.State().VotedFor
	grant := (votedFor == 0 || votedFor == m.From) && n.upToDate(m)
	if grant {
		if err := n.log.SetEpoch(n.epoch, m.From); err != nil {
			log.Errorf("persist vote: %v", err)
			grant = false
		} else {
			n.resetElectionTimer(now)
		}
	}
	n.reply(m, Message{Type: MsgVoteResponse, Success: grant})
}

// upToDate reports whether the candidate's log is at least as recent as ours.
func (n *Node) upToDate(m Message) bool {
	hs := n.log.State()
	return m.PrevEpoch > hs.LastEpoch || (m.PrevEpoch == hs.LastEpoch && m.Position >= hs.Last)
}

func (n *Node) handleVoteResponse(m Message, now time.Time) {
	if m.PreVote {
		if n.role != RolePreCandidate || m.Epoch != n.epoch+1 || !m.Success {
			return
		}
		n.votes[m.From] = true
		if n.countVotes() >= n.members.Quorum() {
			n.startElection(now)
		}
		return
	}

	if m.Epoch > n.epoch {
		n.becomeFollower(m.Epoch, 0, now)
		return
	}
	if n.role != RoleCandidate || m.Epoch != n.epoch || !m.Success {
		return
	}
	n.votes[m.From] = true
	if n.countVotes() >= n.members.Quorum() {
		n.becomeLeader(now)
	}
}
