package changelog

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/google/uuid"
)

const tokenVersion byte = 1

// Token is a state token: the latest change id of one (account, collection)
// log plus the replication log position it was read at. Tokens are opaque to
// clients and ordered by change id.
type Token struct {
	Lineage     uuid.UUID
	Account     uint64
	Collection  schema.Collection
	ChangeID    uint64
	LogPosition uint64
}

// Compare orders tokens of the same log by change id. It returns false for
// ok when the tokens stem from different logs.
func (t Token) Compare(o Token) (cmp int, ok bool) {
	if t.Lineage != o.Lineage || t.Account != o.Account || t.Collection != o.Collection {
		return 0, false
	}
	switch {
	case t.ChangeID < o.ChangeID:
		return -1, true
	case t.ChangeID > o.ChangeID:
		return 1, true
	}
	return 0, true
}

// String returns the opaque wire form of the token.
func (t Token) String() string {
	buf := make([]byte, 0, 1+16+8+1+8+8)
	buf = append(buf, tokenVersion)
	buf = append(buf, t.Lineage[:]...)
	buf = util.AppendUint64(buf, t.Account)
	buf = append(buf, byte(t.Collection))
	buf = util.AppendUint64(buf, t.ChangeID)
	buf = util.AppendUint64(buf, t.LogPosition)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ParseToken decodes a token produced by Token.String.
func ParseToken(s string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: malformed state: %v", ErrCannotCalculateChanges, err)
	}
	if len(raw) != 42 || raw[0] != tokenVersion {
		return Token{}, fmt.Errorf("%w: malformed state", ErrCannotCalculateChanges)
	}
	var t Token
	copy(t.Lineage[:], raw[1:17])
	t.Account = binary.BigEndian.Uint64(raw[17:25])
	t.Collection = schema.Collection(raw[25])
	t.ChangeID = binary.BigEndian.Uint64(raw[26:34])
	t.LogPosition = binary.BigEndian.Uint64(raw[34:42])
	return t, nil
}
