package registry

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/cortexuvula/wssocksd/internal/portpool"
	"github.com/cortexuvula/wssocksd/internal/wire"
)

type fakePeer struct{ id string }

func (f *fakePeer) Send(ctx context.Context, fr *wire.Frame) error { return nil }
func (f *fakePeer) Close(code int, reason string) error           { return nil }

func newRegistry() *Registry {
	return New(portpool.NewRange(10000, 10010))
}

func TestAddReverseAssignsPort(t *testing.T) {
	r := newRegistry()
	token, port, ok := r.AddReverse("", 0, "", "")
	if !ok {
		t.Fatal("AddReverse failed")
	}
	if token == "" {
		t.Fatal("expected auto-generated token")
	}
	if port < 10000 || port > 10010 {
		t.Fatalf("port %d out of pool range", port)
	}
}

func TestAddReverseIdempotent(t *testing.T) {
	r := newRegistry()
	token, port1, ok := r.AddReverse("fixed", 0, "", "")
	if !ok {
		t.Fatal("AddReverse failed")
	}
	_, port2, ok := r.AddReverse(token, 0, "", "")
	if !ok {
		t.Fatal("second AddReverse failed")
	}
	if port1 != port2 {
		t.Fatalf("idempotent AddReverse changed port: %d vs %d", port1, port2)
	}
}

func TestAddReverseConflictsWithForward(t *testing.T) {
	r := newRegistry()
	r.AddForward("shared")
	_, _, ok := r.AddReverse("shared", 0, "", "")
	if ok {
		t.Fatal("expected AddReverse to fail for a token already registered as forward")
	}
}

func TestRemoveReturnsPortAndPeers(t *testing.T) {
	r := newRegistry()
	token, port, _ := r.AddReverse("", 0, "", "")

	p1 := &fakePeer{id: "a"}
	r.AddClient(token, uuid.New(), p1)

	reverse, gotPort, peers, ok := r.Remove(token)
	if !ok || !reverse || gotPort != port {
		t.Fatalf("Remove returned reverse=%v port=%d ok=%v, want true/%d/true", reverse, gotPort, ok, port)
	}
	if len(peers) != 1 || peers[0] != p1 {
		t.Fatalf("expected to get back the one attached peer, got %v", peers)
	}

	// Port must be free again.
	_, newPort, ok := r.AddReverse("", 0, "", "")
	if !ok {
		t.Fatal("pool exhausted unexpectedly after release")
	}
	_ = newPort
}

func TestRemoveForward(t *testing.T) {
	r := newRegistry()
	r.AddForward("tok")
	reverse, _, peers, ok := r.Remove("tok")
	if !ok || reverse || peers != nil {
		t.Fatalf("Remove(forward) = reverse=%v peers=%v ok=%v", reverse, peers, ok)
	}
	if r.IsForward("tok") {
		t.Fatal("forward token still registered after Remove")
	}
}

func TestRemoveUnknown(t *testing.T) {
	r := newRegistry()
	_, _, _, ok := r.Remove("nope")
	if ok {
		t.Fatal("expected Remove of unknown token to fail")
	}
}

func TestSelectRoundRobin(t *testing.T) {
	r := newRegistry()
	token, _, _ := r.AddReverse("", 0, "", "")

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	peers := make([]*fakePeer, len(ids))
	for i, id := range ids {
		peers[i] = &fakePeer{id: id.String()}
		r.AddClient(token, id, peers[i])
	}

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		p, ok := r.Select(token)
		if !ok {
			t.Fatal("Select failed with clients attached")
		}
		seen[p.(*fakePeer).id]++
	}
	for _, id := range ids {
		if seen[id.String()] != 3 {
			t.Fatalf("client %s selected %d times, want 3 for fair round robin", id, seen[id.String()])
		}
	}
}

func TestSelectNoClients(t *testing.T) {
	r := newRegistry()
	token, _, _ := r.AddReverse("", 0, "", "")
	_, ok := r.Select(token)
	if ok {
		t.Fatal("expected Select to fail with no clients attached")
	}
}

func TestSelectUnknownToken(t *testing.T) {
	r := newRegistry()
	_, ok := r.Select("ghost")
	if ok {
		t.Fatal("expected Select to fail for unknown token")
	}
}

func TestRemoveClientResetsCursorInBounds(t *testing.T) {
	r := newRegistry()
	token, _, _ := r.AddReverse("", 0, "", "")

	id1, id2 := uuid.New(), uuid.New()
	r.AddClient(token, id1, &fakePeer{id: "1"})
	r.AddClient(token, id2, &fakePeer{id: "2"})

	r.Select(token)
	r.Select(token)
	r.RemoveClient(token, id2)

	// Cursor must remain a valid index into the now-shorter slice; Select
	// must not panic.
	if _, ok := r.Select(token); !ok {
		t.Fatal("Select failed after RemoveClient shrank the client list")
	}
}

func TestEnsureStartedOnce(t *testing.T) {
	r := newRegistry()
	token, _, _ := r.AddReverse("", 0, "", "")

	if !r.EnsureStarted(token) {
		t.Fatal("expected first EnsureStarted call to return true")
	}
	if r.EnsureStarted(token) {
		t.Fatal("expected second EnsureStarted call to return false")
	}
}

func TestHasAuth(t *testing.T) {
	cases := []struct {
		user, pass string
		want       bool
	}{
		{"", "", false},
		{"u", "", false},
		{"", "p", false},
		{"u", "p", true},
	}
	for _, c := range cases {
		rec := &ReverseRecord{Username: c.user, Password: c.pass}
		if got := rec.HasAuth(); got != c.want {
			t.Errorf("HasAuth(%q,%q) = %v, want %v", c.user, c.pass, got, c.want)
		}
	}
}

func TestGenerateTokenLength(t *testing.T) {
	tok := GenerateToken()
	if len(tok) != 16 {
		t.Fatalf("token length = %d, want 16", len(tok))
	}
}

func TestTokensSnapshot(t *testing.T) {
	r := newRegistry()
	rt, _, _ := r.AddReverse("", 0, "", "")
	ft := r.AddForward("")

	rts := r.ReverseTokens()
	fts := r.ForwardTokens()
	if len(rts) != 1 || rts[0] != rt {
		t.Fatalf("ReverseTokens() = %v, want [%s]", rts, rt)
	}
	if len(fts) != 1 || fts[0] != ft {
		t.Fatalf("ForwardTokens() = %v, want [%s]", fts, ft)
	}
}
