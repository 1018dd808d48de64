package common

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
)

func TestMutateRequest(t *testing.T) {
	req := store.Request{
		Account:    3,
		Collection: schema.CollectionEmail,
		IfInState:  "some-state",
		Durability: store.DurabilityLocal,
		Mutations: []docstore.Mutation{
			{Kind: docstore.OpInsert, Fields: schema.Fields{1: schema.Text("hi"), 5: schema.Number(10), 8: schema.Id(2)}, Attach: []blob.Hash{blob.Sum([]byte("x"))}},
			{Kind: docstore.OpUpdate, DocumentID: 9, Fields: schema.Fields{1: {}}},
			{Kind: docstore.OpDelete, DocumentID: 4},
		},
	}
	got, err := NewMutateRequest(req).ToRequest()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req, got) {
		t.Fatalf("request changed on the wire:\n%+v\n%+v", req, got)
	}

	if _, err := (&Message{MsgType: MsgTMutate, Value: []byte{0, 0, 0, 1, 0}}).ToRequest(); err == nil {
		t.Fatal("truncated mutation accepted")
	}
}

func TestMutateResponse(t *testing.T) {
	resp := &store.Response{
		RequestID: "r1",
		Results:   []store.MutationResult{{DocumentID: 1, ChangeID: 5}, {DocumentID: 2, ChangeID: 6}},
		OldState:  "a",
		NewState:  "b",
		Position:  17,
		Committed: true,
	}
	got, err := NewMutateResponse(resp, nil).ToResponse()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp, got) {
		t.Fatalf("response changed on the wire:\n%+v\n%+v", resp, got)
	}
}

func TestDocuments(t *testing.T) {
	docs := []*docstore.Document{
		{Account: 1, Collection: schema.CollectionMailbox, ID: 4, Fields: schema.Fields{1: schema.Text("Inbox")}},
		{Account: 1, Collection: schema.CollectionMailbox, ID: 7, Fields: schema.Fields{1: schema.Text("Sent")}},
	}
	got, err := DecodeDocuments(1, schema.CollectionMailbox, EncodeDocuments(docs))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d documents", len(got))
	}
	for i := range docs {
		if got[i].ID != docs[i].ID || got[i].Fields[1].Text != docs[i].Fields[1].Text {
			t.Errorf("document %d: got %+v", i, got[i])
		}
	}
	if _, err := DecodeDocuments(1, schema.CollectionMailbox, []byte{0, 0, 0, 1}); err == nil {
		t.Fatal("truncated document list accepted")
	}
}

func TestQuery(t *testing.T) {
	start, end := schema.Number(5), schema.Number(50)
	equal := schema.Id(3)
	for _, q := range []docstore.Query{
		{Field: 5, Start: &start, End: &end, Descending: true, Limit: 10},
		{Field: 8, Equal: &equal},
		{Field: 5},
	} {
		got, err := DecodeQuery(EncodeQuery(q))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(q, got) {
			t.Errorf("query changed on the wire:\n%+v\n%+v", q, got)
		}
	}
}

func TestErrorsKeepCodeAndHint(t *testing.T) {
	msg := NewResponse(MsgTMutate, store.NotLeader("10.0.0.1:7000"))
	var se *store.Error
	if !errors.As(msg.Error(), &se) {
		t.Fatalf("expected a store error, got %v", msg.Error())
	}
	if se.Code != store.RetCNotLeader || se.Hint != "10.0.0.1:7000" {
		t.Fatalf("got %+v", se)
	}

	if err := NewResponse(MsgTGet, nil).Error(); err != nil {
		t.Fatalf("success reported as %v", err)
	}
	if code := store.CodeOf(NewErrorResponse(0, "boom").Error()); code != store.RetCInternalError {
		t.Fatalf("untyped error has code %s", code)
	}
}

func TestValidate(t *testing.T) {
	base := func() ServerConfig {
		return ServerConfig{Mode: ModeSingle, Engine: EngineMemory, ShardID: 1, Endpoint: ":7000", Durability: "majority", ReadPolicy: "leader"}
	}
	tests := []struct {
		name   string
		modify func(c *ServerConfig)
		ok     bool
	}{
		{"single", func(c *ServerConfig) {}, true},
		{"unknown mode", func(c *ServerConfig) { c.Mode = "multi" }, false},
		{"unknown engine", func(c *ServerConfig) { c.Engine = "rocks" }, false},
		{"pebble without dir", func(c *ServerConfig) { c.Engine = EnginePebble }, false},
		{"bad durability", func(c *ServerConfig) { c.Durability = "all" }, false},
		{"reserved shard", func(c *ServerConfig) { c.ShardID = ShardReplication }, false},
		{"cluster without peers", func(c *ServerConfig) { c.Mode = ModeCluster; c.NodeID = 1 }, false},
		{"cluster", func(c *ServerConfig) {
			c.Mode, c.NodeID, c.Peers = ModeCluster, 1, map[uint64]string{1: "a:1", 2: "b:1"}
		}, true},
		{"node not in peers", func(c *ServerConfig) {
			c.Mode, c.NodeID, c.Peers = ModeCluster, 3, map[uint64]string{1: "a:1", 2: "b:1"}
		}, false},
		{"raft on memory", func(c *ServerConfig) {
			c.Mode, c.NodeID, c.Peers = ModeRaft, 1, map[uint64]string{1: "a:1"}
		}, false},
		{"tls without ca", func(c *ServerConfig) { c.TLS = TLSConfig{CertFile: "c", KeyFile: "k"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.modify(&c)
			if err := c.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%t", err, tt.ok)
			}
		})
	}
}
