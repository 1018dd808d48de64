package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/lib/metrics"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("rpc")

// Option customizes an RPCServer.
type Option func(*RPCServer)

// WithPeerTransport sets the client transport used to reach the other
// members in cluster mode. It must match the transport the peers listen on.
// The default is TCP.
func WithPeerTransport(f func() transport.IRPCClientTransport) Option {
	return func(s *RPCServer) { s.peerTransport = f }
}

// NewRPCServer creates a new RPC server
//
// Usage:
//
//	s := server.NewRPCServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	opts ...Option,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:        config,
		transport:     transport,
		serializer:    serializer,
		shards:        xsync.NewMapOf[uint64, IRPCServerAdapter](),
		peerTransport: tcp.NewTCPClientTransport,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RPCServer serves the store of one node to clients and, in cluster mode,
// replication frames to its peers.
type RPCServer struct {
	config        common.ServerConfig
	transport     transport.IRPCServerTransport
	serializer    serializer.IRPCSerializer
	shards        *xsync.MapOf[uint64, IRPCServerAdapter]
	peerTransport func() transport.IRPCClientTransport
}

// Serve starts the node and serves requests until ctx is done.
func (s *RPCServer) Serve(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := common.InitLoggers(s.config); err != nil {
		return err
	}
	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	node, err := s.startNode()
	if err != nil {
		return err
	}
	defer func() {
		if err := node.close(); err != nil {
			Logger.Errorf("shutdown: %v", err)
		}
		Logger.Infof("dSync stopped")
	}()

	s.shards.Store(s.config.ShardID, NewIStoreServerAdapter(node.store, node.admin))
	if node.replicas != nil {
		s.shards.Store(common.ShardReplication, NewReplicationServerAdapter(node.replicas))
	}
	registerGauges(node.store)
	s.registerTransportHandler(ctx)
	Logger.Infof("dSync setup completed successfully")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.run(ctx) })
	g.Go(func() error { return s.transport.Listen(ctx, s.config) })
	if s.config.MetricsEndpoint != "" {
		g.Go(func() error { return serveMetrics(ctx, s.config.MetricsEndpoint) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one serialized request for shardId. It is the handler
// registered with the transport.
func (s *RPCServer) Handle(ctx context.Context, shardId uint64, req []byte) []byte {
	var respMsg *common.Message

	var msg common.Message
	if adapter, ok := s.shards.Load(shardId); !ok {
		respMsg = common.NewErrorResponse(store.RetCNotFound, "shard %d not found", shardId)
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(store.RetCValidation, "failed to deserialize request: %s", err)
	} else {
		if timeout := time.Duration(s.config.TimeoutSecond) * time.Second; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		respMsg = adapter.Handle(ctx, &msg)
	}

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(store.RetCInternalError, "failed to serialize response: %s", err))
	}
	return val
}

func (s *RPCServer) registerTransportHandler(ctx context.Context) {
	s.transport.RegisterHandler(func(shardId uint64, req []byte) []byte {
		return s.Handle(ctx, shardId, req)
	})
}

// serveMetrics exposes /metrics in the Prometheus format and the pprof
// handlers below /debug/pprof/.
func serveMetrics(ctx context.Context, endpoint string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: endpoint, Handler: mux}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	Logger.Infof("Serving metrics on %s", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
