package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/cluster"
)

func TestMetaCodec(t *testing.T) {
	m, ok := decodeMeta(encodeMeta(7, "10.0.0.7:9000"))
	if !ok || m.ID != 7 || m.Addr != "10.0.0.7:9000" {
		t.Fatalf("unexpected member %+v (ok=%v)", m, ok)
	}
	if _, ok := decodeMeta([]byte{1, 2}); ok {
		t.Errorf("expected short meta to be rejected")
	}
}

func TestAgentsDiscoverEachOther(t *testing.T) {
	var (
		mu     sync.Mutex
		joined = map[uint64]cluster.Member{}
	)
	handler := func(ev Event) {
		if ev.Kind == EventJoin {
			mu.Lock()
			joined[ev.Member.ID] = ev.Member
			mu.Unlock()
		}
	}

	first, err := Start(Config{NodeID: 1, Addr: "127.0.0.1:7001", BindAddr: "127.0.0.1"}, handler)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Leave(time.Second)

	second, err := Start(Config{NodeID: 2, Addr: "127.0.0.1:7002", BindAddr: "127.0.0.1", Seeds: []string{first.Addr()}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Leave(time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		m, ok := joined[2]
		mu.Unlock()
		if ok {
			if m.Addr != "127.0.0.1:7002" {
				t.Errorf("expected announced replication address, got %q", m.Addr)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first agent never saw the second")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(second.Members()); got != 2 {
		t.Errorf("expected 2 members in the view, got %d", got)
	}
}
