package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/google/uuid"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTMutate         CommandType = iota // Apply a batch of document mutations.
	CommandTPutBlob                           // Store blob content.
	CommandTDeleteAccount                     // Remove every document of an account.
	CommandTReclaimBlobs                      // Remove unreferenced blobs.
	CommandTCompactChanges                    // Drop change log history.
	CommandTNoop                              // Only moves the applied index.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTMutate:
		return "Mutate"
	case CommandTPutBlob:
		return "PutBlob"
	case CommandTDeleteAccount:
		return "DeleteAccount"
	case CommandTReclaimBlobs:
		return "ReclaimBlobs"
	case CommandTCompactChanges:
		return "CompactChanges"
	case CommandTNoop:
		return "Noop"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single
// entry in the raft log). Everything the state machine needs to apply it
// deterministically travels with the command, including the wall clock time
// of the proposer and the lineage id to use when the shard has none yet.
type Command struct {
	Type       CommandType
	Genesis    uuid.UUID
	Now        int64 // unix nanoseconds
	Account    uint64
	Collection schema.Collection
	IfInState  string
	Retain     uint64
	Mutations  []docstore.Mutation
	Hashes     []blob.Hash
	Data       []byte
}

// Serialize serializes a command into a byte array with the format:
//
//	type (1) | genesis (16) | now (8) | account (8) | collection (1) | retain (8)
//	ifInState length (2) | ifInState
//	mutation count (4) | mutations
//	hash count (4) | hashes (32 each)
//	data (rest)
func (command *Command) Serialize() []byte {
	out := make([]byte, 0, 64+len(command.IfInState)+len(command.Data)+32*len(command.Hashes))
	out = append(out, byte(command.Type))
	out = append(out, command.Genesis[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(command.Now))
	out = binary.BigEndian.AppendUint64(out, command.Account)
	out = append(out, byte(command.Collection))
	out = binary.BigEndian.AppendUint64(out, command.Retain)
	out = binary.BigEndian.AppendUint16(out, uint16(len(command.IfInState)))
	out = append(out, command.IfInState...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(command.Mutations)))
	for _, m := range command.Mutations {
		out = docstore.AppendMutation(out, m)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(command.Hashes)))
	for _, h := range command.Hashes {
		out = append(out, h[:]...)
	}
	return append(out, command.Data...)
}

const commandHeader = 1 + 16 + 8 + 8 + 1 + 8 + 2

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeader {
		return fmt.Errorf("data too short for command")
	}
	*command = Command{Type: CommandType(data[0])}
	copy(command.Genesis[:], data[1:17])
	command.Now = int64(binary.BigEndian.Uint64(data[17:25]))
	command.Account = binary.BigEndian.Uint64(data[25:33])
	command.Collection = schema.Collection(data[33])
	command.Retain = binary.BigEndian.Uint64(data[34:42])
	n := int(binary.BigEndian.Uint16(data[42:44]))
	off := commandHeader
	if len(data) < off+n+4 {
		return fmt.Errorf("data too short for state of length %d", n)
	}
	command.IfInState = string(data[off : off+n])
	off += n

	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	for i := 0; i < count; i++ {
		m, used, err := docstore.ReadMutation(data[off:])
		if err != nil {
			return fmt.Errorf("mutation %d: %w", i, err)
		}
		command.Mutations = append(command.Mutations, m)
		off += used
	}

	if len(data) < off+4 {
		return fmt.Errorf("data too short for hash list")
	}
	count = int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+32*count {
		return fmt.Errorf("data too short for %d hashes", count)
	}
	for i := 0; i < count; i++ {
		var h blob.Hash
		copy(h[:], data[off:off+32])
		command.Hashes = append(command.Hashes, h)
		off += 32
	}
	if off < len(data) {
		command.Data = append([]byte(nil), data[off:]...)
	}
	return nil
}

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// Outcome is what the state machine reports for an applied command. It
// travels in the Data field of the dragonboat result.
type Outcome struct {
	DocumentIDs []uint64
	ChangeIDs   []uint64
	OldState    string
	NewState    string
	Count       uint64 // removed documents, reclaimed blobs or dropped changes
	Hash        blob.Hash
}

// Serialize encodes the outcome.
func (o *Outcome) Serialize() []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(o.DocumentIDs)))
	for i := range o.DocumentIDs {
		out = binary.BigEndian.AppendUint64(out, o.DocumentIDs[i])
		out = binary.BigEndian.AppendUint64(out, o.ChangeIDs[i])
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(o.OldState)))
	out = append(out, o.OldState...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(o.NewState)))
	out = append(out, o.NewState...)
	out = binary.BigEndian.AppendUint64(out, o.Count)
	return append(out, o.Hash[:]...)
}

// Deserialize decodes an outcome.
func (o *Outcome) Deserialize(data []byte) error {
	short := fmt.Errorf("data too short for outcome")
	if len(data) < 4 {
		return short
	}
	n := int(binary.BigEndian.Uint32(data))
	off := 4
	if len(data) < off+16*n {
		return short
	}
	*o = Outcome{}
	for i := 0; i < n; i++ {
		o.DocumentIDs = append(o.DocumentIDs, binary.BigEndian.Uint64(data[off:]))
		o.ChangeIDs = append(o.ChangeIDs, binary.BigEndian.Uint64(data[off+8:]))
		off += 16
	}
	for _, s := range []*string{&o.OldState, &o.NewState} {
		if len(data) < off+2 {
			return short
		}
		l := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if len(data) < off+l {
			return short
		}
		*s = string(data[off : off+l])
		off += l
	}
	if len(data) != off+8+32 {
		return short
	}
	o.Count = binary.BigEndian.Uint64(data[off:])
	copy(o.Hash[:], data[off+8:])
	return nil
}
