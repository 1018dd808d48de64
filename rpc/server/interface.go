package server

import (
	"context"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// IRPCServerAdapter translates requests of one shard into calls of the
// component serving it.
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response. Errors are reported
	// inside the response, never as a missing one.
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}
