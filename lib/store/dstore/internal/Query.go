package internal

import (
	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
)

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGet          QueryType = iota // Retrieve documents by id.
	QueryTFind                          // Secondary index range.
	QueryTSearch                        // Full-text search.
	QueryTFetchBlob                     // Blob content.
	QueryTCurrentState                  // State token of a collection.
	QueryTChangesSince                  // Delta between two states.
	QueryTBlobCandidates                // Unreferenced blobs past the grace period.
	QueryTStatus                        // Applied index and database info.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTFind:
		return "Find"
	case QueryTSearch:
		return "Search"
	case QueryTFetchBlob:
		return "FetchBlob"
	case QueryTCurrentState:
		return "CurrentState"
	case QueryTChangesSince:
		return "ChangesSince"
	case QueryTBlobCandidates:
		return "BlobCandidates"
	case QueryTStatus:
		return "Status"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via
// SyncRead or StaleRead. Queries never leave the process, so they are not
// serialized.
type Query struct {
	Type       QueryType
	Account    uint64
	Collection schema.Collection
	IDs        []uint64
	Index      docstore.Query
	Text       string
	Limit      int
	Hash       blob.Hash
	Since      string
	MaxChanges uint64
	GraceNanos int64
	Now        int64
}

// QueryResult is the result of a GetMany, Find, Search, FetchBlob or
// BlobCandidates query. The other queries return store types directly.
type QueryResult struct {
	Docs     []*docstore.Document
	NotFound []uint64
	IDs      []uint64
	Hashes   []blob.Hash
	Ok       bool
	Value    []byte
}
