package cluster

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/cenkalti/backoff/v4"
)

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 5 * time.Second

// sender owns the outbound queue of one peer so that a slow or unreachable
// peer never blocks the event loop.
type sender struct {
	member Member
	out    chan Message
	stop   chan struct{}
}

func (s *sender) enqueue(m Message) bool {
	select {
	case s.out <- m:
		return true
	default:
		return false
	}
}

// send queues msg for to, filling in the envelope.
func (n *Node) send(to Member, msg Message) bool {
	msg.From, msg.To = n.cfg.ID, to.ID
	if msg.Epoch == 0 {
		msg.Epoch = n.epoch
	}
	if s := n.senders[to.ID]; s != nil {
		if !s.enqueue(msg) {
			log.Debugf("queue of %d is full, dropping %s", to.ID, msg.Type)
			return false
		}
		return true
	}
	// not a member (e.g. a deposed leader), one attempt is enough
	if n.group == nil {
		return false
	}
	ctx := n.ctx
	n.group.Go(func() error {
		if err := n.tr.Send(ctx, to, msg); err != nil {
			log.Debugf("send %s to non-member %d: %v", msg.Type, to.ID, err)
		}
		return nil
	})
	return true
}

func (n *Node) reply(req Message, msg Message) {
	to, ok := n.members.Get(req.From)
	if !ok {
		to = Member{ID: req.From}
	}
	n.send(to, msg)
}

func (n *Node) ensureSender(m Member) {
	if m.ID == n.cfg.ID || n.group == nil {
		return
	}
	if s, ok := n.senders[m.ID]; ok && s.member.Addr == m.Addr {
		return
	}
	n.stopSender(m.ID)
	s := &sender{member: m, out: make(chan Message, 256), stop: make(chan struct{})}
	n.senders[m.ID] = s
	ctx := n.ctx
	n.group.Go(func() error {
		n.runSender(ctx, s)
		return nil
	})
}

func (n *Node) stopSender(id uint64) {
	if s, ok := n.senders[id]; ok {
		close(s.stop)
		delete(n.senders, id)
	}
}

func (n *Node) stopSenders() {
	for id := range n.senders {
		n.stopSender(id)
	}
}

func (n *Node) runSender(ctx context.Context, s *sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case msg := <-s.out:
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = n.cfg.HeartbeatInterval / 4
			b.MaxInterval = n.cfg.HeartbeatInterval
			b.MaxElapsedTime = 2 * n.cfg.HeartbeatInterval
			err := backoff.Retry(func() error {
				select {
				case <-s.stop:
					return backoff.Permanent(context.Canceled)
				default:
				}
				sctx, cancel := context.WithTimeout(ctx, sendTimeout)
				defer cancel()
				return n.tr.Send(sctx, s.member, msg)
			}, backoff.WithContext(b, ctx))
			if err != nil {
				metrics.PeerSendFailed(s.member.ID)
				log.Debugf("send %s to %d failed: %v", msg.Type, s.member.ID, err)
			}
		}
	}
}
