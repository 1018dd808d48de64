package client

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// PeerTransport carries replication messages to other cluster members over
// the RPC transport. Member addresses are RPC endpoints; frames are sent to
// the reserved replication shard.
type PeerTransport struct {
	newTransport func() transport.IRPCClientTransport
	serializer   serializer.IRPCSerializer
	config       common.ClientConfig

	mu    sync.Mutex // serializes connection setup
	peers *xsync.MapOf[string, transport.IRPCClientTransport]
}

var _ cluster.Transport = (*PeerTransport)(nil)

// NewPeerTransport creates a peer transport. config provides timeouts and
// TLS settings; its endpoints are ignored. The cluster retransmits on its
// own, so every message is sent at most once.
func NewPeerTransport(newTransport func() transport.IRPCClientTransport, serializer serializer.IRPCSerializer, config common.ClientConfig) *PeerTransport {
	config.RetryCount = 1
	config.ConnectionsPerEndpoint = 1
	return &PeerTransport{
		newTransport: newTransport,
		serializer:   serializer,
		config:       config,
		peers:        xsync.NewMapOf[string, transport.IRPCClientTransport](),
	}
}

// Send delivers msg to the member. Replies arrive as separate messages.
func (p *PeerTransport) Send(ctx context.Context, to cluster.Member, msg cluster.Message) error {
	t, err := p.connection(to.Addr)
	if err != nil {
		return err
	}
	req := &common.Message{MsgType: common.MsgTReplicate, ID: to.ID, Value: msg.Encode()}
	_, err = invokeRPCRequest(ctx, common.ShardReplication, req, t, p.serializer)
	return err
}

// Forget closes the connection to addr.
func (p *PeerTransport) Forget(addr string) {
	if t, ok := p.peers.LoadAndDelete(addr); ok {
		t.Close()
	}
}

// Close closes every peer connection.
func (p *PeerTransport) Close() error {
	p.peers.Range(func(addr string, t transport.IRPCClientTransport) bool {
		p.peers.Delete(addr)
		t.Close()
		return true
	})
	return nil
}

func (p *PeerTransport) connection(addr string) (transport.IRPCClientTransport, error) {
	if t, ok := p.peers.Load(addr); ok {
		return t, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.peers.Load(addr); ok {
		return t, nil
	}

	cfg := p.config
	cfg.Endpoints = []string{addr}
	t := p.newTransport()
	if err := t.Connect(cfg); err != nil {
		return nil, err
	}
	p.peers.Store(addr, t)
	Logger.Debugf("Opened replication connection to %s", addr)
	return t, nil
}
