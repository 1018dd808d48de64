package server

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/cluster"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewReplicationServerAdapter hands replication frames to node. Delivery is
// asynchronous; the response only confirms that the frame was decoded.
func NewReplicationServerAdapter(node *cluster.Node) IRPCServerAdapter {
	return &replicationAdapterImpl{node: node}
}

type replicationAdapterImpl struct {
	node *cluster.Node
}

func (a *replicationAdapterImpl) Handle(_ context.Context, req *common.Message) *common.Message {
	if req.MsgType != common.MsgTReplicate {
		return common.NewErrorResponse(store.RetCUnsupportedOperation, "shard %d only accepts replication frames", common.ShardReplication)
	}
	msg, err := cluster.DecodeMessage(req.Value)
	if err != nil {
		return common.NewErrorResponse(store.RetCCorruption, "invalid replication frame: %v", err)
	}
	if req.ID != 0 && req.ID != a.node.ID() {
		return common.NewErrorResponse(store.RetCValidation, "frame for node %d delivered to node %d", req.ID, a.node.ID())
	}
	a.node.Deliver(msg)
	return common.NewResponse(req.MsgType, nil)
}
