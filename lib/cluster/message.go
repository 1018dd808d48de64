package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/replog"
)

// MsgType identifies a replication protocol message.
type MsgType uint8

const (
	MsgAppendEntries    MsgType = iota + 1 // leader -> follower: entries after (Position, PrevEpoch)
	MsgAppendAck                           // follower -> leader: Success and the last matching Position
	MsgHeartbeat                           // leader -> follower: Commit and the known match Position
	MsgRequestVote                         // candidate -> all: Position/PrevEpoch name its last entry
	MsgVoteResponse                        // voter -> candidate
	MsgSnapshotTransfer                    // leader -> follower: store image at Position
)

func (t MsgType) String() string {
	switch t {
	case MsgAppendEntries:
		return "AppendEntries"
	case MsgAppendAck:
		return "AppendAck"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgRequestVote:
		return "RequestVote"
	case MsgVoteResponse:
		return "VoteResponse"
	case MsgSnapshotTransfer:
		return "SnapshotTransfer"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Message is the unit exchanged between nodes. Fields not used by a message
// type are zero.
type Message struct {
	Type      MsgType
	From      uint64
	To        uint64
	Epoch     uint64
	LeaderID  uint64
	Position  uint64
	PrevEpoch uint64
	Commit    uint64
	Success   bool
	PreVote   bool
	Stamp     int64 // send time of the request, echoed by acks
	Entries   []replog.Entry
	Image     []byte
}

var errShortMessage = errors.New("cluster: short message")

const headerSize = 1 + 8*7 + 1 + 8

// Encode serializes m:
//
//	type(1) from to epoch leader position prevEpoch commit (8 each)
//	flags(1) stamp(8) count(4) {position(8) epoch(8) len(4) batch}* image
func (m *Message) Encode() []byte {
	size := headerSize + 4 + len(m.Image)
	batches := make([][]byte, len(m.Entries))
	for i, e := range m.Entries {
		batches[i] = db.EncodeBatch(e.Batch)
		size += 20 + len(batches[i])
	}
	out := make([]byte, 0, size)
	out = append(out, byte(m.Type))
	for _, v := range []uint64{m.From, m.To, m.Epoch, m.LeaderID, m.Position, m.PrevEpoch, m.Commit} {
		out = binary.BigEndian.AppendUint64(out, v)
	}
	var flags byte
	if m.Success {
		flags |= 1
	}
	if m.PreVote {
		flags |= 2
	}
	out = append(out, flags)
	out = binary.BigEndian.AppendUint64(out, uint64(m.Stamp))
	out = binary.BigEndian.AppendUint32(out, uint32(len(m.Entries)))
	for i, e := range m.Entries {
		out = binary.BigEndian.AppendUint64(out, e.Position)
		out = binary.BigEndian.AppendUint64(out, e.Epoch)
		out = binary.BigEndian.AppendUint32(out, uint32(len(batches[i])))
		out = append(out, batches[i]...)
	}
	return append(out, m.Image...)
}

// DecodeMessage parses a message produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if len(data) < headerSize+4 {
		return m, errShortMessage
	}
	m.Type = MsgType(data[0])
	u := func(i int) uint64 { return binary.BigEndian.Uint64(data[1+i*8:]) }
	m.From, m.To, m.Epoch, m.LeaderID = u(0), u(1), u(2), u(3)
	m.Position, m.PrevEpoch, m.Commit = u(4), u(5), u(6)
	flags := data[57]
	m.Success, m.PreVote = flags&1 != 0, flags&2 != 0
	m.Stamp = int64(binary.BigEndian.Uint64(data[58:66]))
	n := int(binary.BigEndian.Uint32(data[66:70]))
	off := 70
	for i := 0; i < n; i++ {
		if len(data) < off+20 {
			return m, errShortMessage
		}
		e := replog.Entry{
			Position: binary.BigEndian.Uint64(data[off:]),
			Epoch:    binary.BigEndian.Uint64(data[off+8:]),
		}
		l := int(binary.BigEndian.Uint32(data[off+16:]))
		off += 20
		if len(data) < off+l {
			return m, errShortMessage
		}
		b, err := db.DecodeBatch(data[off : off+l])
		if err != nil {
			return m, fmt.Errorf("cluster: entry %d: %w", e.Position, err)
		}
		e.Batch = b
		m.Entries = append(m.Entries, e)
		off += l
	}
	if off < len(data) {
		m.Image = data[off:]
	}
	return m, nil
}
