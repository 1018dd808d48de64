package schema

import (
	"bytes"
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		rule Tokenizer
		want []string
	}{
		{"words", "Hello, World! hello", TokenizeWords, []string{"hello", "world"}},
		{"diacritics", "Crème Brûlée", TokenizeWords, []string{"creme", "brulee"}},
		{"short words dropped", "a b cd", TokenizeWords, []string{"cd"}},
		{"digits", "Invoice 2024-11", TokenizeWords, []string{"invoice", "2024", "11"}},
		{"whole", "  Bob@Example.ORG ", TokenizeWhole, []string{"bob@example.org"}},
		{"whole empty", "   ", TokenizeWhole, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.text, tt.rule)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestTokenLengthLimit(t *testing.T) {
	long := string(bytes.Repeat([]byte("é"), 100))
	for _, tok := range Tokenize(long, TokenizeWords) {
		if len(tok) > maxTokenBytes {
			t.Errorf("token of %d bytes exceeds limit", len(tok))
		}
	}
}

func TestSortKeyOrder(t *testing.T) {
	tests := []struct {
		name   string
		lo, hi Value
	}{
		{"negative before positive", Number(-1), Number(1)},
		{"min before zero", Number(-1 << 63), Number(0)},
		{"prefix before extension", Text("ab"), Text("abc")},
		{"nul byte", Text("a"), Text("a\x00")},
		{"nul before any byte", Text("a\x00"), Text("a\x01")},
		{"false before true", Bool(false), Bool(true)},
		{"ids", Id(2), Id(300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if bytes.Compare(tt.lo.SortKey(), tt.hi.SortKey()) >= 0 {
				t.Errorf("%s should sort before %s", tt.lo, tt.hi)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	s, ok := Lookup(CollectionMailbox)
	if !ok {
		t.Fatal("mailbox schema missing")
	}
	tests := []struct {
		name   string
		fields Fields
		ok     bool
	}{
		{"valid", Fields{1: Text("Inbox"), 3: Text("inbox")}, true},
		{"missing required", Fields{3: Text("inbox")}, false},
		{"wrong kind", Fields{1: Text("Inbox"), 4: Text("1")}, false},
		{"unknown field", Fields{1: Text("Inbox"), 42: Bool(true)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ValidateInsert(tt.fields); (err == nil) != tt.ok {
				t.Errorf("ValidateInsert() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseCollection(t *testing.T) {
	for _, c := range Collections() {
		got, err := ParseCollection(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCollection(%q) = %v, %v", c, got, err)
		}
	}
	if _, err := ParseCollection("calendar"); err == nil {
		t.Error("expected unknown collection to fail")
	}
}

func TestValueCodec(t *testing.T) {
	values := []Value{Text("héllo"), Number(-42), Bool(true), Id(7)}
	var buf []byte
	for _, v := range values {
		buf = AppendValue(buf, v)
	}
	for _, want := range values {
		got, n, err := ReadValue(buf)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Errorf("got %s, want %s", got, want)
		}
		buf = buf[n:]
	}
	if _, _, err := ReadValue([]byte{byte(KindText), 0, 0, 0, 9}); err == nil {
		t.Error("expected truncated text to fail")
	}
}
