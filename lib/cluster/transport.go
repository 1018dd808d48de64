package cluster

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrUnreachable is returned by a transport that cannot deliver to a peer.
var ErrUnreachable = errors.New("cluster: peer unreachable")

// Transport delivers messages to other members. Delivery is one-way: replies
// arrive as separate messages through Node.Deliver.
type Transport interface {
	Send(ctx context.Context, to Member, msg Message) error
}

// --------------------------------------------------------------------------
// In-memory network
// --------------------------------------------------------------------------

// MemNetwork connects nodes of one process. Messages go through the wire
// codec. Links can be cut to simulate partitions.
type MemNetwork struct {
	nodes *xsync.MapOf[uint64, func(Message)]

	mu      sync.RWMutex
	blocked map[[2]uint64]bool
	down    map[uint64]bool
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:   xsync.NewMapOf[uint64, func(Message)](),
		blocked: make(map[[2]uint64]bool),
		down:    make(map[uint64]bool),
	}
}

// Transport returns the transport node id sends with.
func (n *MemNetwork) Transport(id uint64) Transport {
	return &memTransport{net: n, from: id}
}

// Attach registers the inbound handler of node id.
func (n *MemNetwork) Attach(id uint64, deliver func(Message)) {
	n.nodes.Store(id, deliver)
}

// Detach removes a node from the network.
func (n *MemNetwork) Detach(id uint64) { n.nodes.Delete(id) }

// Isolate cuts every link of id.
func (n *MemNetwork) Isolate(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Block cuts the link from a to b (one direction).
func (n *MemNetwork) Block(a, b uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]uint64{a, b}] = true
}

// Heal restores all links.
func (n *MemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[[2]uint64]bool)
	n.down = make(map[uint64]bool)
}

func (n *MemNetwork) reachable(from, to uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.down[from] && !n.down[to] && !n.blocked[[2]uint64{from, to}]
}

type memTransport struct {
	net  *MemNetwork
	from uint64
}

func (t *memTransport) Send(ctx context.Context, to Member, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.net.reachable(t.from, to.ID) {
		return ErrUnreachable
	}
	deliver, ok := t.net.nodes.Load(to.ID)
	if !ok {
		return ErrUnreachable
	}
	decoded, err := DecodeMessage(msg.Encode())
	if err != nil {
		return err
	}
	deliver(decoded)
	return nil
}
