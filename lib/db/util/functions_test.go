package util

import (
	"bytes"
	"testing"
)

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("abc"), []byte("abd")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte{}, nil},
	}
	for _, tt := range tests {
		if got := PrefixEnd(tt.prefix); !bytes.Equal(got, tt.want) {
			t.Errorf("PrefixEnd(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}

func TestUint64KeepsOrder(t *testing.T) {
	a := AppendUint64([]byte("k"), 255)
	b := AppendUint64([]byte("k"), 256)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("encoded 255 sorts after 256")
	}
	if Uint64At(b, 1) != 256 {
		t.Fatalf("Uint64At = %d", Uint64At(b, 1))
	}
	if Uint64At(b, 2) != 0 {
		t.Fatalf("short read did not return 0")
	}
}

func TestSuccessor(t *testing.T) {
	key := []byte("key")
	next := Successor(key)
	if bytes.Compare(next, key) <= 0 {
		t.Fatalf("successor %x is not greater than %x", next, key)
	}
	if bytes.Compare(next, []byte("key\x00\x00")) >= 0 {
		t.Fatalf("successor %x skips keys", next)
	}
}

func TestHashString(t *testing.T) {
	if HashString("node-1", 0) == HashString("node-2", 0) {
		t.Fatal("distinct names collide")
	}
	if HashString("node-1", 0) != HashString("node-1", 0) {
		t.Fatal("hash is not deterministic")
	}
	if HashString("node-1", 0) == HashString("node-1", 1) {
		t.Fatal("seed has no effect")
	}
}
