package db

import (
	"encoding/binary"
	"fmt"
)

const (
	opFlagSet    byte = 0
	opFlagDelete byte = 1
)

// EncodedSize returns the number of bytes EncodeBatch produces for b.
func EncodedSize(b *Batch) int {
	size := 4
	for _, op := range b.Ops() {
		size += 1 + 4 + len(op.Key) + 4 + len(op.Value)
	}
	return size
}

// EncodeBatch serializes a batch using the following layout:
//   - 4 bytes: number of operations (uint32, big endian)
//   - per operation: 1 byte flag, 4 bytes key length, key,
//     4 bytes value length, value
func EncodeBatch(b *Batch) []byte {
	buf := make([]byte, EncodedSize(b))
	binary.BigEndian.PutUint32(buf[0:4], uint32(b.Len()))
	pos := 4
	for _, op := range b.Ops() {
		if op.Delete {
			buf[pos] = opFlagDelete
		} else {
			buf[pos] = opFlagSet
		}
		pos++
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(op.Key)))
		pos += 4
		pos += copy(buf[pos:], op.Key)
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(op.Value)))
		pos += 4
		pos += copy(buf[pos:], op.Value)
	}
	return buf
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("batch too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[0:4])
	pos := 4
	b := NewBatch()

	readChunk := func() ([]byte, error) {
		if len(data) < pos+4 {
			return nil, fmt.Errorf("truncated length at offset %d", pos)
		}
		l := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if len(data) < pos+l {
			return nil, fmt.Errorf("truncated data at offset %d", pos)
		}
		chunk := data[pos : pos+l]
		pos += l
		return chunk, nil
	}

	for i := uint32(0); i < n; i++ {
		if len(data) < pos+1 {
			return nil, fmt.Errorf("truncated op %d", i)
		}
		flag := data[pos]
		pos++
		key, err := readChunk()
		if err != nil {
			return nil, err
		}
		value, err := readChunk()
		if err != nil {
			return nil, err
		}
		switch flag {
		case opFlagSet:
			b.Set(key, value)
		case opFlagDelete:
			b.Delete(key)
		default:
			return nil, fmt.Errorf("unknown op flag %d", flag)
		}
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after batch", len(data)-pos)
	}
	return b, nil
}
