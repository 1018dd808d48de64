package client

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter stores everything needed to talk to one shard of a server
// Used by the rpcStore and the PeerTransport with composition pattern
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invoke sends req and returns the response. A NotLeader answer is retried on
// the next endpoint, so a client configured with every member of a cluster
// reaches the leader without knowing it.
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	attempts := max(len(a.config.Endpoints), 1)
	var err error
	for i := 0; i < attempts; i++ {
		var resp *common.Message
		resp, err = invokeRPCRequest(ctx, a.shardId, req, a.transport, a.serializer)
		if store.CodeOf(err) != store.RetCNotLeader {
			return resp, err
		}
		Logger.Debugf("%s answered by a follower (leader: %q), trying next endpoint", req.MsgType, store.AsError(err).Hint)
	}
	return nil, err
}

// invokeRPCRequest serializes req, sends it to shardId and decodes the
// response. Errors reported by the server are returned as *store.Error, a
// response of an unexpected type is an internal error.
func invokeRPCRequest(
	ctx context.Context,
	shardId uint64,
	req *common.Message,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*common.Message, error) {
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := transport.Send(ctx, shardId, reqBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, store.Errorf(store.RetCCanceled, "%s: %v", req.MsgType, err)
		}
		return nil, store.Errorf(store.RetCUnavailable, "%s: %v", req.MsgType, err)
	}

	resp := &common.Message{}
	if err = serializer.Deserialize(respBytes, resp); err != nil {
		return nil, store.Errorf(store.RetCInternalError, "decode %s response: %v", req.MsgType, err)
	}

	if err := resp.Error(); err != nil {
		return nil, err
	}

	if resp.MsgType != req.MsgType {
		return nil, store.Errorf(store.RetCInternalError, "unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}
	return resp, nil
}
