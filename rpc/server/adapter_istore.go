package server

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewIStoreServerAdapter serves the store and admin operations of s.
func NewIStoreServerAdapter(s store.IStore, admin store.IAdmin) IRPCServerAdapter {
	return &iStoreServerAdapterImpl{store: s, admin: admin}
}

type iStoreServerAdapterImpl struct {
	store store.IStore
	admin store.IAdmin
}

func (a *iStoreServerAdapterImpl) Handle(ctx context.Context, req *common.Message) *common.Message {
	if a.store == nil {
		return common.NewErrorResponse(store.RetCInternalError, "handler: store is nil")
	}
	coll := schema.Collection(req.Collection)

	switch req.MsgType {
	case common.MsgTMutate:
		r, err := req.ToRequest()
		if err != nil {
			return common.NewErrorResponse(store.RetCValidation, "invalid mutate request: %v", err)
		}
		return common.NewMutateResponse(a.store.Mutate(ctx, r))

	case common.MsgTGet:
		doc, ok, err := a.store.Get(ctx, req.Account, coll, req.ID)
		resp := common.NewResponse(req.MsgType, err)
		if err == nil && ok {
			resp.Ok = true
			resp.Value = common.EncodeDocuments([]*docstore.Document{doc})
		}
		return resp

	case common.MsgTGetMany:
		docs, notFound, err := a.store.GetMany(ctx, req.Account, coll, req.IDs)
		resp := common.NewResponse(req.MsgType, err)
		if err == nil {
			resp.Value = common.EncodeDocuments(docs)
			resp.IDs = notFound
		}
		return resp

	case common.MsgTQuery:
		q, err := common.DecodeQuery(req.Value)
		if err != nil {
			return common.NewErrorResponse(store.RetCValidation, "invalid query: %v", err)
		}
		ids, err := a.store.Query(ctx, req.Account, coll, q)
		resp := common.NewResponse(req.MsgType, err)
		resp.IDs = ids
		return resp

	case common.MsgTSearch:
		ids, err := a.store.Search(ctx, req.Account, coll, req.Text, int(req.Limit))
		resp := common.NewResponse(req.MsgType, err)
		resp.IDs = ids
		return resp

	case common.MsgTPutBlob:
		h, err := a.store.PutBlob(ctx, req.Value, store.Durability(req.Durability))
		resp := common.NewResponse(req.MsgType, err)
		if err == nil {
			resp.Text = h.String()
		}
		return resp

	case common.MsgTFetchBlob:
		h, err := blob.ParseHash(req.Text)
		if err != nil {
			return common.NewErrorResponse(store.RetCValidation, "invalid blob hash: %v", err)
		}
		data, ok, err := a.store.FetchBlob(ctx, h)
		resp := common.NewResponse(req.MsgType, err)
		if err == nil && ok {
			resp.Ok = true
			resp.Value = data
			if data == nil {
				resp.Value = []byte{}
			}
		}
		return resp

	case common.MsgTChangesSince:
		return common.NewChangesResponse(a.store.ChangesSince(ctx, req.Account, coll, req.State, req.Limit))

	case common.MsgTCurrentState:
		state, err := a.store.CurrentState(ctx, req.Account, coll)
		resp := common.NewResponse(req.MsgType, err)
		resp.State = state
		return resp

	case common.MsgTDeleteAccount:
		n, err := a.store.DeleteAccount(ctx, req.Account)
		resp := common.NewResponse(req.MsgType, err)
		resp.Count = uint64(max(n, 0))
		return resp

	case common.MsgTStatus:
		return common.NewStatusResponse(a.store.Status(ctx))
	}

	if a.admin == nil {
		return common.NewErrorResponse(store.RetCUnsupportedOperation, "unsupported message type: %s", req.MsgType)
	}

	switch req.MsgType {
	case common.MsgTRecover:
		return common.NewResponse(req.MsgType, a.admin.Recover(ctx))
	case common.MsgTEvictMember:
		return common.NewResponse(req.MsgType, a.admin.EvictMember(ctx, req.ID))
	case common.MsgTTransferLeadership:
		return common.NewResponse(req.MsgType, a.admin.TransferLeadership(ctx))
	case common.MsgTCompactChanges:
		n, err := a.admin.CompactChanges(ctx)
		resp := common.NewResponse(req.MsgType, err)
		resp.Count = uint64(max(n, 0))
		return resp
	default:
		return common.NewErrorResponse(store.RetCUnsupportedOperation, "unsupported message type: %s", req.MsgType)
	}
}
