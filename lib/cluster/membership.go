package cluster

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/db"
)

// MembershipKey holds the replicated cluster membership. It lives in the data
// keyspace so that it travels with entries and store images.
var MembershipKey = []byte{'g', 'm'}

// Member is a node of the cluster and the address its peers reach it at.
type Member struct {
	ID   uint64
	Addr string
}

// Membership is the set of voting members, ordered by id.
type Membership struct {
	Members []Member
}

// NewMembership returns a membership of the given members, deduplicated by id.
func NewMembership(members ...Member) Membership {
	var m Membership
	for _, mem := range members {
		m = m.With(mem)
	}
	return m
}

// Quorum is the number of members forming a majority.
func (m Membership) Quorum() int { return len(m.Members)/2 + 1 }

// Contains reports whether id is a member.
func (m Membership) Contains(id uint64) bool {
	_, ok := m.Get(id)
	return ok
}

// Get returns the member with the given id.
func (m Membership) Get(id uint64) (Member, bool) {
	for _, mem := range m.Members {
		if mem.ID == id {
			return mem, true
		}
	}
	return Member{}, false
}

// With returns a copy of m including mem, replacing the address of an
// existing member with the same id.
func (m Membership) With(mem Member) Membership {
	out := Membership{Members: make([]Member, 0, len(m.Members)+1)}
	for _, old := range m.Members {
		if old.ID != mem.ID {
			out.Members = append(out.Members, old)
		}
	}
	out.Members = append(out.Members, mem)
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].ID < out.Members[j].ID })
	return out
}

// Without returns a copy of m without id.
func (m Membership) Without(id uint64) Membership {
	out := Membership{Members: make([]Member, 0, len(m.Members))}
	for _, old := range m.Members {
		if old.ID != id {
			out.Members = append(out.Members, old)
		}
	}
	return out
}

func (m Membership) encode() []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(m.Members)))
	for _, mem := range m.Members {
		out = binary.BigEndian.AppendUint64(out, mem.ID)
		out = binary.BigEndian.AppendUint16(out, uint16(len(mem.Addr)))
		out = append(out, mem.Addr...)
	}
	return out
}

func decodeMembership(raw []byte) (Membership, error) {
	var m Membership
	if len(raw) < 2 {
		return m, fmt.Errorf("cluster: short membership record")
	}
	n := int(binary.BigEndian.Uint16(raw))
	off := 2
	for i := 0; i < n; i++ {
		if len(raw) < off+10 {
			return m, fmt.Errorf("cluster: short membership record")
		}
		id := binary.BigEndian.Uint64(raw[off:])
		l := int(binary.BigEndian.Uint16(raw[off+8:]))
		off += 10
		if len(raw) < off+l {
			return m, fmt.Errorf("cluster: short membership record")
		}
		m.Members = append(m.Members, Member{ID: id, Addr: string(raw[off : off+l])})
		off += l
	}
	return m, nil
}

// ReadMembership loads the committed membership. ok is false when none was
// replicated yet.
func ReadMembership(r db.Reader) (m Membership, ok bool, err error) {
	raw, ok, err := r.Get(MembershipKey)
	if err != nil || !ok {
		return m, ok, err
	}
	m, err = decodeMembership(raw)
	if err != nil {
		return m, false, db.CorruptionError(err, "cluster: membership")
	}
	return m, true, nil
}

func writeMembership(tx *db.Txn, m Membership) error {
	return tx.Set(MembershipKey, m.encode())
}
