package memberlist

import (
	"context"
	"log"
	"testing"
	"time"

	hb "github.com/amirimatin/go-heartbeat/pkg/heartbeat"
	base "github.com/amirimatin/go-heartbeat/pkg/membership"
)

func startNode(t *testing.T, ctx context.Context, id string, meta map[string]string) (*impl, string) {
	t.Helper()
	m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", Meta: meta, Logger: log.Default(), ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
	if err != nil {
		t.Fatalf("new %s: %v", id, err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	la := m.Local().Addr
	if la == "" {
		t.Fatalf("local addr empty for %s", id)
	}
	return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) []base.MemberInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := m.Members()
		if len(got) == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("members timeout: got=%d want=%d list=%v", len(got), want, got)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestMemberlist_StartLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, _ := startNode(t, ctx, "c1", map[string]string{base.MetaRole: "config"})
	defer m.Stop()

	local := m.Local()
	if local.ID != "c1" || local.Role() != "config" {
		t.Fatalf("local = %+v", local)
	}
	if s := m.HealthScore(); s < 0 {
		t.Fatalf("unexpected health score: %d", s)
	}
	_ = m.Stop()
	if s := m.HealthScore(); s != -1 {
		t.Fatalf("health score after stop = %d, want -1", s)
	}
	// Events is closed by Stop; draining must terminate.
	for range m.Events() {
	}
}

func TestMemberlist_MetaAndLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	n1, addr1 := startNode(t, ctx, "c1", map[string]string{base.MetaRole: "config", base.MetaRPCAddr: "127.0.0.1:9000"})
	defer n1.Stop()
	n2, _ := startNode(t, ctx, "d1", map[string]string{base.MetaRole: "data", base.MetaRPCAddr: "127.0.0.1:9001", base.MetaDataNodeID: "1"})
	defer n2.Stop()
	n3, _ := startNode(t, ctx, "d2", map[string]string{base.MetaRole: "data", base.MetaRPCAddr: "127.0.0.1:9002", base.MetaDataNodeID: "2"})
	defer n3.Stop()

	if err := n2.Join([]string{addr1}); err != nil {
		t.Fatalf("d1 join: %v", err)
	}
	if err := n3.Join([]string{addr1}); err != nil {
		t.Fatalf("d2 join: %v", err)
	}

	for _, mi := range awaitMembers(t, n1, 3, 5*time.Second) {
		if mi.ID != "d2" {
			continue
		}
		id, ok := mi.DataNodeID()
		if !ok || id != hb.DataNodeID(2) || mi.RPCAddr() != "127.0.0.1:9002" {
			t.Fatalf("d2 meta = %+v", mi.Meta)
		}
	}

	_ = n2.Leave()
	_ = n2.Stop()
	awaitMembers(t, n1, 2, 5*time.Second)
	awaitMembers(t, n3, 2, 5*time.Second)
}

func TestMemberInfo_DataNodeID(t *testing.T) {
	cases := []struct {
		meta map[string]string
		want hb.DataNodeID
		ok   bool
	}{
		{map[string]string{base.MetaDataNodeID: "7"}, 7, true},
		{map[string]string{base.MetaDataNodeID: "-1"}, 0, false},
		{map[string]string{base.MetaDataNodeID: "x"}, 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := base.MemberInfo{Meta: tc.meta}.DataNodeID()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DataNodeID(%v) = %d,%v want %d,%v", tc.meta, got, ok, tc.want, tc.ok)
		}
	}
}
