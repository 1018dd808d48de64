package schema

import (
	"fmt"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// Collection identifies one of the closed set of document types.
type Collection uint8

const (
	CollectionMailbox Collection = iota + 1
	CollectionEmail
	CollectionThread
	CollectionIdentity
)

func (c Collection) String() string {
	if s, ok := registry[c]; ok {
		return s.Name
	}
	return fmt.Sprintf("collection(%d)", uint8(c))
}

// ParseCollection resolves a collection by its name (case insensitive).
func ParseCollection(name string) (Collection, error) {
	for c, s := range registry {
		if strings.EqualFold(s.Name, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown collection %q", name)
}

// Collections returns all collections in ascending order.
func Collections() []Collection {
	out := make([]Collection, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --------------------------------------------------------------------------
// Fields
// --------------------------------------------------------------------------

// FieldID identifies a field within a collection schema.
type FieldID uint8

// Fields is a set of field values keyed by field id.
type Fields map[FieldID]Value

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// IndexKind is a bit set describing how a field is indexed.
type IndexKind uint8

const (
	IndexNone     IndexKind = 0
	IndexSorted   IndexKind = 1 << 0 // (field, value, documentId) entries for range queries
	IndexFullText IndexKind = 1 << 1 // token -> documentId postings
)

// Tokenizer selects how a full-text field is split into tokens.
type Tokenizer uint8

const (
	TokenizeWords Tokenizer = iota // folded words
	TokenizeWhole                  // the whole folded value as a single token
)

// Field describes one typed field of a collection.
type Field struct {
	ID        FieldID
	Name      string
	Kind      ValueKind
	Index     IndexKind
	Tokenizer Tokenizer
	Required  bool
}

// Sorted reports whether the field has a secondary index.
func (f Field) Sorted() bool { return f.Index&IndexSorted != 0 }

// FullText reports whether the field is full-text indexed.
func (f Field) FullText() bool { return f.Index&IndexFullText != 0 && f.Kind == KindText }

// --------------------------------------------------------------------------
// Schema
// --------------------------------------------------------------------------

// Schema describes the fields of a collection and how they are indexed.
type Schema struct {
	Collection Collection
	Name       string
	Fields     []Field
}

// Lookup returns the schema of c.
func Lookup(c Collection) (*Schema, bool) {
	s, ok := registry[c]
	return s, ok
}

// Field returns the field with the given id.
func (s *Schema) Field(id FieldID) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByName returns the field with the given name (case insensitive).
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// ValidateInsert checks that fields match the schema and that all required fields are present.
func (s *Schema) ValidateInsert(fields Fields) error {
	if err := s.validateKinds(fields); err != nil {
		return err
	}
	for _, f := range s.Fields {
		if _, ok := fields[f.ID]; f.Required && !ok {
			return fmt.Errorf("%s: missing required field %q", s.Name, f.Name)
		}
	}
	return nil
}

// ValidatePatch checks a field diff. A value of zero Kind removes the field,
// which is rejected for required fields.
func (s *Schema) ValidatePatch(patch Fields) error {
	if len(patch) == 0 {
		return fmt.Errorf("%s: empty update", s.Name)
	}
	for id, v := range patch {
		f, ok := s.Field(id)
		if !ok {
			return fmt.Errorf("%s: unknown field id %d", s.Name, id)
		}
		if v.Kind == 0 {
			if f.Required {
				return fmt.Errorf("%s: cannot remove required field %q", s.Name, f.Name)
			}
			continue
		}
		if v.Kind != f.Kind {
			return fmt.Errorf("%s: field %q expects %s, got %s", s.Name, f.Name, f.Kind, v.Kind)
		}
	}
	return nil
}

func (s *Schema) validateKinds(fields Fields) error {
	for id, v := range fields {
		f, ok := s.Field(id)
		if !ok {
			return fmt.Errorf("%s: unknown field id %d", s.Name, id)
		}
		if v.Kind != f.Kind {
			return fmt.Errorf("%s: field %q expects %s, got %s", s.Name, f.Name, f.Kind, v.Kind)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

var registry = map[Collection]*Schema{
	CollectionMailbox: {
		Collection: CollectionMailbox,
		Name:       "Mailbox",
		Fields: []Field{
			{ID: 1, Name: "name", Kind: KindText, Index: IndexSorted | IndexFullText, Required: true},
			{ID: 2, Name: "parentId", Kind: KindId, Index: IndexSorted},
			{ID: 3, Name: "role", Kind: KindText, Index: IndexSorted},
			{ID: 4, Name: "sortOrder", Kind: KindNumber, Index: IndexSorted},
			{ID: 5, Name: "isSubscribed", Kind: KindBool},
		},
	},
	CollectionEmail: {
		Collection: CollectionEmail,
		Name:       "Email",
		Fields: []Field{
			{ID: 1, Name: "subject", Kind: KindText, Index: IndexSorted | IndexFullText},
			{ID: 2, Name: "from", Kind: KindText, Index: IndexFullText},
			{ID: 3, Name: "to", Kind: KindText, Index: IndexFullText},
			{ID: 4, Name: "body", Kind: KindText, Index: IndexFullText},
			{ID: 5, Name: "receivedAt", Kind: KindNumber, Index: IndexSorted, Required: true},
			{ID: 6, Name: "size", Kind: KindNumber, Index: IndexSorted},
			{ID: 7, Name: "threadId", Kind: KindId, Index: IndexSorted},
			{ID: 8, Name: "mailboxId", Kind: KindId, Index: IndexSorted, Required: true},
			{ID: 9, Name: "isSeen", Kind: KindBool, Index: IndexSorted},
			{ID: 10, Name: "isFlagged", Kind: KindBool, Index: IndexSorted},
			{ID: 11, Name: "preview", Kind: KindText},
		},
	},
	CollectionThread: {
		Collection: CollectionThread,
		Name:       "Thread",
		Fields: []Field{
			{ID: 1, Name: "subject", Kind: KindText, Index: IndexSorted},
			{ID: 2, Name: "emailCount", Kind: KindNumber},
		},
	},
	CollectionIdentity: {
		Collection: CollectionIdentity,
		Name:       "Identity",
		Fields: []Field{
			{ID: 1, Name: "name", Kind: KindText, Index: IndexSorted},
			{ID: 2, Name: "email", Kind: KindText, Index: IndexSorted | IndexFullText, Tokenizer: TokenizeWhole, Required: true},
			{ID: 3, Name: "replyTo", Kind: KindText},
		},
	},
}
