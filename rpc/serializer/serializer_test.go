package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Mutate request
		{
			MsgType:    common.MsgTMutate,
			Account:    7,
			Collection: 2,
			State:      "0123456789abcdef",
			Durability: 2,
			Value:      []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},

		// Mutate response
		{
			MsgType:   common.MsgTMutate,
			IDs:       []uint64{1, 2, 3},
			ChangeIDs: []uint64{10, 11, 12},
			State:     "old",
			NewState:  "new",
			Position:  42,
			Ok:        true,
			Text:      "request-id",
		},

		// ChangesSince response
		{
			MsgType:   common.MsgTChangesSince,
			State:     "old",
			NewState:  "new",
			IDs:       []uint64{4},
			Updated:   []uint64{5, 6},
			Destroyed: []uint64{7},
			Ok:        true,
			Count:     9,
			Limit:     100,
		},

		// Error response with a redirect hint
		{
			MsgType: common.MsgTError,
			Code:    6,
			Err:     "this node is not the leader",
			Hint:    "10.0.0.2:7000",
		},

		// Admin request
		{
			MsgType: common.MsgTEvictMember,
			ID:      3,
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTSuccess; msgType <= common.MsgTReplicate; msgType++ {
				msg := common.Message{MsgType: msgType}

				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType, err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

// TestBinaryKeepsEmptyValues checks that the binary serializer tells nil and
// empty values apart, which the replication frames rely on.
func TestBinaryKeepsEmptyValues(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{name: "Empty message", msg: common.Message{}},
		{name: "Nil value", msg: common.Message{MsgType: common.MsgTFetchBlob, Ok: true}},
		{name: "Empty value", msg: common.Message{MsgType: common.MsgTPutBlob, Value: []byte{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if (tc.msg.Value == nil) != (result.Value == nil) {
				t.Errorf("Value nil/non-nil mismatch: expected %v, got %v", tc.msg.Value, result.Value)
			}
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("expected %+v, got %+v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0, 0}, // message type and half the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0, 0, 0},
			expectError: false,
		},
		{
			name:        "Missing account",
			data:        []byte{1, 0, 0, 0, 1, 0, 0, 0}, // account flag but only 3 bytes
			expectError: true,
		},
		{
			name:        "Invalid length for state",
			data:        []byte{1, 0, 0, 0, 0x80, 0, 0, 0, 5, 'a', 'b'}, // claims 5 bytes, has 2
			expectError: true,
		},
		{
			name:        "Invalid id count",
			data:        []byte{1, 0, 0, 0, 0x08, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 1}, // two ids, one present
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestRejectMalformed checks that the text and gob formats report broken
// input instead of returning a partial message.
func TestRejectMalformed(t *testing.T) {
	testCases := []struct {
		name string
		s    IRPCSerializer
		data []byte
	}{
		{"JSON unknown field", NewJSONSerializer(), []byte(`{"msg_type":1,"lock_id":3}`)},
		{"JSON trailing data", NewJSONSerializer(), []byte(`{"msg_type":1} {"msg_type":2}`)},
		{"JSON truncated", NewJSONSerializer(), []byte(`{"msg_type":1,"ids":[1,2`)},
		{"GOB garbage", NewGOBSerializer(), []byte{0xde, 0xad, 0xbe, 0xef}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := common.Message{MsgType: common.MsgTGet, ID: 7}
			if err := tc.s.Deserialize(tc.data, &msg); err == nil {
				t.Fatalf("expected an error, got %+v", msg)
			}
			if msg.ID != 7 {
				t.Fatalf("message was modified on error: %+v", msg)
			}
		})
	}
}
