package schema

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// --------------------------------------------------------------------------
// Value Kinds
// --------------------------------------------------------------------------

// ValueKind is the type tag of a field value.
type ValueKind uint8

const (
	KindText ValueKind = iota + 1
	KindNumber
	KindBool
	KindId
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindId:
		return "id"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// Value is a tagged field value. Only the member matching Kind is meaningful.
type Value struct {
	Kind   ValueKind
	Text   string
	Number int64
	Bool   bool
	Id     uint64
}

func Text(s string) Value { return Value{Kind: KindText, Text: s} }
func Number(n int64) Value { return Value{Kind: KindNumber, Number: n} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Id(id uint64) Value { return Value{Kind: KindId, Id: id} }

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindText:
		return v.Text == o.Text
	case KindNumber:
		return v.Number == o.Number
	case KindBool:
		return v.Bool == o.Bool
	case KindId:
		return v.Id == o.Id
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return strconv.Quote(v.Text)
	case KindNumber:
		return strconv.FormatInt(v.Number, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindId:
		return "#" + strconv.FormatUint(v.Id, 10)
	default:
		return "<invalid>"
	}
}

// Interface returns the plain Go value (string, int64, bool or uint64).
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Number
	case KindBool:
		return v.Bool
	case KindId:
		return v.Id
	default:
		return nil
	}
}

// SortKey encodes v so that byte order equals value order within a kind.
// Text is escaped (0x00 -> 0x00 0xff) and terminated by 0x00 0x01, so a
// shorter string sorts before its extensions and nothing can follow the
// terminator ambiguously.
func (v Value) SortKey() []byte {
	switch v.Kind {
	case KindText:
		out := make([]byte, 0, len(v.Text)+2)
		for i := 0; i < len(v.Text); i++ {
			c := v.Text[i]
			if c == 0x00 {
				out = append(out, 0x00, 0xff)
				continue
			}
			out = append(out, c)
		}
		return append(out, 0x00, 0x01)
	case KindNumber:
		return binary.BigEndian.AppendUint64(nil, uint64(v.Number)^(1<<63))
	case KindBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case KindId:
		return binary.BigEndian.AppendUint64(nil, v.Id)
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Binary codec
// --------------------------------------------------------------------------

// AppendValue appends the binary form of v: 1 byte kind followed by the payload
// (4 byte length + bytes for text, 8 bytes for numbers and ids, 1 byte for bools).
func AppendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindText:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Text)))
		dst = append(dst, v.Text...)
	case KindNumber:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Number))
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindId:
		dst = binary.BigEndian.AppendUint64(dst, v.Id)
	}
	return dst
}

// ReadValue decodes a value written by AppendValue and returns the number of bytes consumed.
func ReadValue(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, fmt.Errorf("value: empty input")
	}
	kind := ValueKind(data[0])
	switch kind {
	case KindText:
		if len(data) < 5 {
			return Value{}, 0, fmt.Errorf("value: truncated text length")
		}
		l := int(binary.BigEndian.Uint32(data[1:5]))
		if len(data) < 5+l {
			return Value{}, 0, fmt.Errorf("value: truncated text")
		}
		return Text(string(data[5 : 5+l])), 5 + l, nil
	case KindNumber, KindId:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("value: truncated %s", kind)
		}
		n := binary.BigEndian.Uint64(data[1:9])
		if kind == KindNumber {
			return Number(int64(n)), 9, nil
		}
		return Id(n), 9, nil
	case KindBool:
		if len(data) < 2 {
			return Value{}, 0, fmt.Errorf("value: truncated bool")
		}
		return Bool(data[1] == 1), 2, nil
	default:
		return Value{}, 0, fmt.Errorf("value: unknown kind %d", kind)
	}
}

// ParseValue converts the textual form used on the command line into a value of kind.
func ParseValue(kind ValueKind, s string) (Value, error) {
	switch kind {
	case KindText:
		return Text(s), nil
	case KindNumber:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
		}
		return Number(n), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q: %w", s, err)
		}
		return Bool(b), nil
	case KindId:
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid id %q: %w", s, err)
		}
		return Id(id), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %d", kind)
	}
}
