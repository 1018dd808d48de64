package lstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/dSync/lib/db/engines/sqlitedb"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/coordinator"
)

func mailbox(name string) schema.Fields {
	return schema.Fields{1: schema.Text(name)}
}

func TestStatesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	engines := []struct {
		name    string
		factory store.DBFactory
	}{
		{"pebble", func() (db.KVDB, error) { return pebbledb.Open(filepath.Join(dir, "pebble"), nil) }},
		{"sqlite", func() (db.KVDB, error) {
			return sqlitedb.Open(context.Background(), filepath.Join(dir, "sqlite", "dsync.db"))
		}},
	}

	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			ctx := context.Background()
			s, err := NewLocalStore(e.factory, coordinator.Config{}, 0)
			if err != nil {
				t.Fatal(err)
			}
			inbox, err := store.Insert(ctx, s, 1, schema.CollectionMailbox, mailbox("Inbox"))
			if err != nil {
				t.Fatal(err)
			}
			state, err := s.CurrentState(ctx, 1, schema.CollectionMailbox)
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}

			s, err = NewLocalStore(e.factory, coordinator.Config{}, 0)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			if _, ok, err := s.Get(ctx, 1, schema.CollectionMailbox, inbox); err != nil || !ok {
				t.Fatalf("document lost across restart: ok=%v err=%v", ok, err)
			}
			sent, err := store.Insert(ctx, s, 1, schema.CollectionMailbox, mailbox("Sent"))
			if err != nil {
				t.Fatal(err)
			}
			changes, err := s.ChangesSince(ctx, 1, schema.CollectionMailbox, state, 0)
			if err != nil {
				t.Fatalf("state from before the restart: %v", err)
			}
			if len(changes.Created) != 1 || changes.Created[0] != sent {
				t.Fatalf("changes after restart: %+v", changes)
			}
		})
	}
}

func TestLogRetention(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(func() (db.KVDB, error) { return memdb.NewMemDB(nil), nil }, coordinator.Config{}, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for i := 0; i < 20; i++ {
		if _, err := store.Insert(ctx, s, 1, schema.CollectionMailbox, mailbox("box")); err != nil {
			t.Fatal(err)
		}
	}
	st, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Base == 0 || st.Last-st.Base > 8 {
		t.Fatalf("log not compacted: base %d last %d", st.Base, st.Last)
	}
	if st.Mode != "single" || st.Role != "leader" {
		t.Fatalf("unexpected status %+v", st)
	}
}
