package internal

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/google/uuid"
)

func TestSerializeDeserialize(t *testing.T) {
	h := blob.Sum([]byte("content"))
	tests := []struct {
		name    string
		command Command
	}{
		{
			name: "mutate with precondition",
			command: Command{
				Type:       CommandTMutate,
				Genesis:    uuid.New(),
				Now:        1700000000000000000,
				Account:    42,
				Collection: schema.CollectionEmail,
				IfInState:  "opaque-state",
				Mutations: []docstore.Mutation{
					{Kind: docstore.OpInsert, Fields: schema.Fields{1: schema.Text("hi"), 5: schema.Number(-3), 8: schema.Id(9)}, Attach: []blob.Hash{h}},
					{Kind: docstore.OpUpdate, DocumentID: 3, Fields: schema.Fields{9: schema.Bool(true), 11: {}}, Detach: []blob.Hash{h}},
					{Kind: docstore.OpDelete, DocumentID: 4},
				},
			},
		},
		{
			name:    "put blob",
			command: Command{Type: CommandTPutBlob, Data: []byte("content")},
		},
		{
			name:    "reclaim",
			command: Command{Type: CommandTReclaimBlobs, Hashes: []blob.Hash{h, blob.Sum(nil)}, Retain: 3600},
		},
		{
			name:    "noop",
			command: Command{Type: CommandTNoop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Command
			if err := got.Deserialize(tt.command.Serialize()); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.command) {
				t.Errorf("Deserialize() = %+v, want %+v", got, tt.command)
			}
		})
	}
}

func TestDeserializeRejectsTruncatedData(t *testing.T) {
	full := (&Command{
		Type:      CommandTMutate,
		IfInState: "state",
		Mutations: []docstore.Mutation{{Kind: docstore.OpDelete, DocumentID: 1}},
		Hashes:    []blob.Hash{blob.Sum(nil)},
	}).Serialize()

	for _, n := range []int{0, 10, commandHeader, commandHeader + 3, len(full) - 20} {
		var c Command
		if err := c.Deserialize(full[:n]); err == nil {
			t.Errorf("expected an error for %d of %d bytes", n, len(full))
		}
	}
}

func TestOutcome(t *testing.T) {
	o := Outcome{
		DocumentIDs: []uint64{1, 2},
		ChangeIDs:   []uint64{10, 11},
		OldState:    "old",
		NewState:    "new",
		Count:       5,
		Hash:        blob.Sum([]byte("x")),
	}
	var got Outcome
	if err := got.Deserialize(o.Serialize()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, o) {
		t.Errorf("got %+v, want %+v", got, o)
	}
	if err := got.Deserialize(o.Serialize()[:10]); err == nil {
		t.Error("expected an error for a truncated outcome")
	}
}
