package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message. Structured payloads
// (mutations, documents, index queries, node status) travel encoded in Value,
// see payload.go.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Addressing
	Account    uint64 `json:"account,omitempty"`
	Collection uint8  `json:"collection,omitempty"`
	ID         uint64 `json:"id,omitempty"` // Used for: Get, EvictMember

	// Id lists
	IDs       []uint64 `json:"ids,omitempty"`        // Used for: GetMany (request), Mutate, Query, Search, ChangesSince (created), GetMany (not found)
	ChangeIDs []uint64 `json:"change_ids,omitempty"` // Used for: Mutate (response)
	Updated   []uint64 `json:"updated,omitempty"`    // Used for: ChangesSince (response)
	Destroyed []uint64 `json:"destroyed,omitempty"`  // Used for: ChangesSince (response)

	// States and scalars
	State      string `json:"state,omitempty"`      // Used for: Mutate (ifInState / old state), ChangesSince (since / old state), CurrentState
	NewState   string `json:"new_state,omitempty"`  // Used for: Mutate, ChangesSince responses
	Text       string `json:"text,omitempty"`       // Used for: Search
	Limit      uint64 `json:"limit,omitempty"`      // Used for: Search (limit), ChangesSince (maxChanges)
	Count      uint64 `json:"count,omitempty"`      // Used for: DeleteAccount, CompactChanges, ChangesSince (total)
	Position   uint64 `json:"position,omitempty"`   // Used for: Mutate (response)
	Durability uint8  `json:"durability,omitempty"` // Used for: Mutate
	Value      []byte `json:"value,omitempty"`      // Encoded payload, blob content or a replication frame

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Get, FetchBlob, Mutate (committed), ChangesSince (has more)
	Code uint64 `json:"code,omitempty"` // store.RetCode of the error
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
	Hint string `json:"hint,omitempty"` // Leader address for NotLeader errors
}

// SetError stores err in the message. Store errors keep their code and hint.
func (m *Message) SetError(err error) *Message {
	if err == nil {
		return m
	}
	se := store.AsError(err)
	m.Code = uint64(se.Code)
	m.Err = se.Msg
	m.Hint = se.Hint
	return m
}

// Error returns the error carried by the message as *store.Error, nil if the
// message reports success.
func (m *Message) Error() error {
	if m.MsgType != MsgTError && m.Err == "" && m.Code == 0 {
		return nil
	}
	code := store.RetCode(m.Code)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return &store.Error{Code: code, Msg: m.Err, Hint: m.Hint}
}

// NewResponse creates an empty response for a request of the given type.
func NewResponse(t MessageType, err error) *Message {
	return (&Message{MsgType: t}).SetError(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(code store.RetCode, format string, args ...interface{}) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    uint64(code),
		Err:     fmt.Sprintf(format, args...),
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IStore operations

	MsgTMutate        // Apply a batch of mutations
	MsgTGet           // Get a document by id
	MsgTGetMany       // Get several documents
	MsgTQuery         // Secondary index range
	MsgTSearch        // Full-text search
	MsgTPutBlob       // Upload blob content
	MsgTFetchBlob     // Download blob content
	MsgTChangesSince  // Delta since a state
	MsgTCurrentState  // State token of a collection
	MsgTDeleteAccount // Remove an account
	MsgTStatus        // Node status

	// IAdmin operations

	MsgTRecover            // Leave degraded mode
	MsgTEvictMember        // Remove a member
	MsgTTransferLeadership // Step down
	MsgTCompactChanges     // Compact the change logs

	// Cluster operations

	MsgTReplicate // A replication protocol frame
)

var msgTypeNames = map[MessageType]string{
	MsgTSuccess:            "success",
	MsgTError:              "error",
	MsgTMutate:             "mutate",
	MsgTGet:                "get",
	MsgTGetMany:            "getMany",
	MsgTQuery:              "query",
	MsgTSearch:             "search",
	MsgTPutBlob:            "putBlob",
	MsgTFetchBlob:          "fetchBlob",
	MsgTChangesSince:       "changesSince",
	MsgTCurrentState:       "currentState",
	MsgTDeleteAccount:      "deleteAccount",
	MsgTStatus:             "status",
	MsgTRecover:            "recover",
	MsgTEvictMember:        "evictMember",
	MsgTTransferLeadership: "transferLeadership",
	MsgTCompactChanges:     "compactChanges",
	MsgTReplicate:          "replicate",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range msgTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	if s == "unknown" {
		*t = MsgTUnknown
		return nil
	}
	return fmt.Errorf("unknown message type: %s", s)
}
