package client

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// RPCStore is a remote store. It implements store.IStore and store.IAdmin.
type RPCStore struct {
	rpcClientAdapter
}

var (
	_ store.IStore = (*RPCStore)(nil)
	_ store.IAdmin = (*RPCStore)(nil)
)

// NewRPCStore connects transport and returns a store that sends its
// operations to shardId of the configured servers.
func NewRPCStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCStore, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &RPCStore{
		rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// Close releases the connections of the store.
func (s *RPCStore) Close() error {
	return s.transport.Close()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (s *RPCStore) Mutate(ctx context.Context, req store.Request) (*store.Response, error) {
	resp, err := s.invoke(ctx, common.NewMutateRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.ToResponse()
}

func (s *RPCStore) Get(ctx context.Context, account uint64, coll schema.Collection, id uint64) (*docstore.Document, bool, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTGet, Account: account, Collection: uint8(coll), ID: id})
	if err != nil || !resp.Ok {
		return nil, false, err
	}
	docs, err := common.DecodeDocuments(account, coll, resp.Value)
	if err != nil {
		return nil, false, err
	}
	if len(docs) != 1 {
		return nil, false, store.Errorf(store.RetCInternalError, "get returned %d documents", len(docs))
	}
	return docs[0], true, nil
}

func (s *RPCStore) GetMany(ctx context.Context, account uint64, coll schema.Collection, ids []uint64) ([]*docstore.Document, []uint64, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTGetMany, Account: account, Collection: uint8(coll), IDs: ids})
	if err != nil {
		return nil, nil, err
	}
	docs, err := common.DecodeDocuments(account, coll, resp.Value)
	if err != nil {
		return nil, nil, err
	}
	return docs, resp.IDs, nil
}

func (s *RPCStore) Query(ctx context.Context, account uint64, coll schema.Collection, q docstore.Query) ([]uint64, error) {
	resp, err := s.invoke(ctx, &common.Message{
		MsgType:    common.MsgTQuery,
		Account:    account,
		Collection: uint8(coll),
		Value:      common.EncodeQuery(q),
	})
	if err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (s *RPCStore) Search(ctx context.Context, account uint64, coll schema.Collection, text string, limit int) ([]uint64, error) {
	resp, err := s.invoke(ctx, &common.Message{
		MsgType:    common.MsgTSearch,
		Account:    account,
		Collection: uint8(coll),
		Text:       text,
		Limit:      uint64(max(limit, 0)),
	})
	if err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (s *RPCStore) PutBlob(ctx context.Context, data []byte, durability store.Durability) (blob.Hash, error) {
	if data == nil {
		data = []byte{}
	}
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTPutBlob, Value: data, Durability: uint8(durability)})
	if err != nil {
		return blob.Hash{}, err
	}
	return blob.ParseHash(resp.Text)
}

func (s *RPCStore) FetchBlob(ctx context.Context, h blob.Hash) ([]byte, bool, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTFetchBlob, Text: h.String()})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (s *RPCStore) ChangesSince(ctx context.Context, account uint64, coll schema.Collection, since string, maxChanges uint64) (*store.Changes, error) {
	resp, err := s.invoke(ctx, &common.Message{
		MsgType:    common.MsgTChangesSince,
		Account:    account,
		Collection: uint8(coll),
		State:      since,
		Limit:      maxChanges,
	})
	if err != nil {
		return nil, err
	}
	return resp.ToChanges(), nil
}

func (s *RPCStore) CurrentState(ctx context.Context, account uint64, coll schema.Collection) (string, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTCurrentState, Account: account, Collection: uint8(coll)})
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

func (s *RPCStore) DeleteAccount(ctx context.Context, account uint64) (int, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTDeleteAccount, Account: account})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// Status is answered by whichever server the request reaches, it is not
// redirected to the leader.
func (s *RPCStore) Status(ctx context.Context) (*store.NodeStatus, error) {
	resp, err := invokeRPCRequest(ctx, s.shardId, &common.Message{MsgType: common.MsgTStatus}, s.transport, s.serializer)
	if err != nil {
		return nil, err
	}
	return resp.ToStatus()
}

// --------------------------------------------------------------------------
// Admin Methods (docu see store.IAdmin)
// --------------------------------------------------------------------------

// Recover acts on the server the request reaches.
func (s *RPCStore) Recover(ctx context.Context) error {
	_, err := invokeRPCRequest(ctx, s.shardId, &common.Message{MsgType: common.MsgTRecover}, s.transport, s.serializer)
	return err
}

func (s *RPCStore) EvictMember(ctx context.Context, id uint64) error {
	_, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTEvictMember, ID: id})
	return err
}

func (s *RPCStore) TransferLeadership(ctx context.Context) error {
	_, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTTransferLeadership})
	return err
}

func (s *RPCStore) CompactChanges(ctx context.Context) (int, error) {
	resp, err := s.invoke(ctx, &common.Message{MsgType: common.MsgTCompactChanges})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}
