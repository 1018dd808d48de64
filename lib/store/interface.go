package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory creates the backend used by a store. It abstracts the engine and
// its location from the store implementation.
type DBFactory func() (db.KVDB, error)

// IStore is the document store consumed by the protocol layer. All
// operations are scoped to an account and collection. Errors returned are
// *Error values carrying a RetCode.
type IStore interface {
	// Mutate applies the mutations of req atomically, in order.
	Mutate(ctx context.Context, req Request) (*Response, error)
	// Get returns a single document.
	Get(ctx context.Context, account uint64, coll schema.Collection, id uint64) (doc *docstore.Document, found bool, err error)
	// GetMany returns the documents that exist and the ids that do not.
	GetMany(ctx context.Context, account uint64, coll schema.Collection, ids []uint64) (docs []*docstore.Document, notFound []uint64, err error)
	// Query returns document ids by secondary index range.
	Query(ctx context.Context, account uint64, coll schema.Collection, q docstore.Query) ([]uint64, error)
	// Search returns the ids of documents matching every token of text.
	Search(ctx context.Context, account uint64, coll schema.Collection, text string, limit int) ([]uint64, error)
	// PutBlob stores content and returns its hash. durability applies as for
	// Mutate. Unreferenced blobs are reclaimed after a grace period.
	PutBlob(ctx context.Context, data []byte, durability Durability) (blob.Hash, error)
	// FetchBlob returns the content of a blob.
	FetchBlob(ctx context.Context, h blob.Hash) (data []byte, found bool, err error)
	// ChangesSince returns the coalesced changes after the state since.
	// maxChanges > 0 bounds the number of consumed change log entries.
	ChangesSince(ctx context.Context, account uint64, coll schema.Collection, since string, maxChanges uint64) (*Changes, error)
	// CurrentState returns the state token of a collection.
	CurrentState(ctx context.Context, account uint64, coll schema.Collection) (string, error)
	// DeleteAccount removes every document of an account.
	DeleteAccount(ctx context.Context, account uint64) (removed int, err error)
	// Status describes the serving node.
	Status(ctx context.Context) (*NodeStatus, error)
}

// IAdmin holds the operator commands of a store.
type IAdmin interface {
	// Recover leaves degraded mode after a storage failure.
	Recover(ctx context.Context) error
	// EvictMember removes a member from the replicated membership.
	EvictMember(ctx context.Context, id uint64) error
	// TransferLeadership makes the leader step down.
	TransferLeadership(ctx context.Context) error
	// CompactChanges drops change log history beyond the retention window.
	CompactChanges(ctx context.Context) (dropped int, err error)
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Durability selects when a mutation is acknowledged.
type Durability uint8

const (
	DurabilityDefault  Durability = iota // configured default
	DurabilityLocal                      // after the local commit
	DurabilityMajority                   // after a majority stored the entry
)

func (d Durability) String() string {
	switch d {
	case DurabilityLocal:
		return "local"
	case DurabilityMajority:
		return "majority"
	default:
		return "default"
	}
}

// ParseDurability parses "local" or "majority".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(s) {
	case "local":
		return DurabilityLocal, nil
	case "majority":
		return DurabilityMajority, nil
	case "", "default":
		return DurabilityDefault, nil
	}
	return 0, fmt.Errorf("unknown durability %q (local|majority)", s)
}

// ReadPolicy selects which nodes answer reads.
type ReadPolicy uint8

const (
	ReadLeader   ReadPolicy = iota // only the leader
	ReadFollower                   // followers within the configured lag
)

func (p ReadPolicy) String() string {
	if p == ReadFollower {
		return "follower"
	}
	return "leader"
}

// ParseReadPolicy parses "leader" or "follower".
func ParseReadPolicy(s string) (ReadPolicy, error) {
	switch strings.ToLower(s) {
	case "", "leader":
		return ReadLeader, nil
	case "follower":
		return ReadFollower, nil
	}
	return 0, fmt.Errorf("unknown read policy %q (leader|follower)", s)
}

// Request is a batch of mutations of one collection.
type Request struct {
	Account    uint64
	Collection schema.Collection
	Mutations  []docstore.Mutation
	// IfInState, when set, makes the request fail with RetCValidation
	// unless the collection is still in that state.
	IfInState  string
	Durability Durability
}

// MutationResult reports the outcome of one mutation of a request.
type MutationResult struct {
	DocumentID uint64
	ChangeID   uint64
}

// Response is returned for an acknowledged request.
type Response struct {
	RequestID string
	Results   []MutationResult
	OldState  string
	NewState  string
	Position  uint64 // replication log position of the batch
	Committed bool   // stored on a majority when the response was built
}

// Changes is the delta between two states.
type Changes struct {
	OldState       string
	NewState       string
	Created        []uint64
	Updated        []uint64
	Destroyed      []uint64
	HasMoreChanges bool
	TotalChanges   uint64
}

// ChangesFrom converts a change log delta.
func ChangesFrom(c *changelog.Changes) *Changes {
	return &Changes{
		OldState:       c.OldState.String(),
		NewState:       c.NewState.String(),
		Created:        c.Created,
		Updated:        c.Updated,
		Destroyed:      c.Destroyed,
		HasMoreChanges: c.HasMoreChanges,
		TotalChanges:   c.TotalChanges,
	}
}

// MemberStatus describes a cluster member.
type MemberStatus struct {
	ID      uint64
	Addr    string
	Match   uint64
	Stale   bool
	LastAck time.Time
}

// NodeStatus describes the serving node.
type NodeStatus struct {
	NodeID         uint64
	Mode           string
	Role           string
	Epoch          uint64
	Leader         uint64
	LeaderAddr     string
	Commit         uint64
	Applied        uint64
	Last           uint64
	Base           uint64
	Degraded       bool
	DegradedReason string
	Members        []MemberStatus
	DB             db.DatabaseInfo
}

// --------------------------------------------------------------------------
// Convenience
// --------------------------------------------------------------------------

// Insert creates a single document with majority durability and returns its id.
func Insert(ctx context.Context, s IStore, account uint64, coll schema.Collection, fields schema.Fields, blobs ...blob.Hash) (uint64, error) {
	res, err := s.Mutate(ctx, Request{
		Account:    account,
		Collection: coll,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpInsert, Fields: fields, Attach: blobs}},
	})
	if err != nil {
		return 0, err
	}
	return res.Results[0].DocumentID, nil
}

// Update changes fields of a single document.
func Update(ctx context.Context, s IStore, account uint64, coll schema.Collection, id uint64, patch schema.Fields) error {
	_, err := s.Mutate(ctx, Request{
		Account:    account,
		Collection: coll,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpUpdate, DocumentID: id, Fields: patch}},
	})
	return err
}

// Delete removes a single document.
func Delete(ctx context.Context, s IStore, account uint64, coll schema.Collection, id uint64) error {
	_, err := s.Mutate(ctx, Request{
		Account:    account,
		Collection: coll,
		Mutations:  []docstore.Mutation{{Kind: docstore.OpDelete, DocumentID: id}},
	})
	return err
}
