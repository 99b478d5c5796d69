package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/wsgate/internal/protocol"
	"github.com/rickgao/wsgate/internal/room"
)

// sequentialTokens returns tok-0, tok-1, ...
func sequentialTokens() TokenSource {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		tok := fmt.Sprintf("tok-%d", n)
		n++
		return tok
	}
}

func startRegistry(t *testing.T, cfg Config, rooms *room.Table) Registry {
	t.Helper()
	if cfg.TokenSource == nil {
		cfg.TokenSource = sequentialTokens()
	}
	r := New(cfg, rooms, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func mustConnect(t *testing.T, r Registry, token string) Identity {
	t.Helper()
	ident, err := r.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("Connect(%q) failed: %v", token, err)
	}
	return ident
}

func lookup(t *testing.T, r Registry, id protocol.ConnID) (Session, bool) {
	t.Helper()
	s, ok, err := r.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup(%d) failed: %v", id, err)
	}
	return s, ok
}

func TestConnect_ReusesLiveToken(t *testing.T) {
	r := startRegistry(t, Config{}, nil)

	a := mustConnect(t, r, "")
	if a.ID != 0 || a.Token != "tok-0" {
		t.Fatalf("first Connect = %+v, want id 0 tok-0", a)
	}

	again := mustConnect(t, r, a.Token)
	if again != a {
		t.Errorf("Connect(%q) = %+v, want %+v", a.Token, again, a)
	}

	b := mustConnect(t, r, "")
	if b.ID != 1 || b.Token != "tok-1" {
		t.Errorf("second client = %+v, want id 1 tok-1", b)
	}
}

func TestConnect_UnknownTokenMintsFresh(t *testing.T) {
	r := startRegistry(t, Config{}, nil)

	ident := mustConnect(t, r, "stale-token-from-another-process")
	if ident.Token == "stale-token-from-another-process" {
		t.Error("unknown token should not be adopted")
	}
	if ident.ID != 0 {
		t.Errorf("ID = %d, want 0", ident.ID)
	}
}

func TestConnect_TokenCollisionRedrawn(t *testing.T) {
	draws := []string{"dup", "dup", "", "fresh"}
	var mu sync.Mutex
	source := func() string {
		mu.Lock()
		defer mu.Unlock()
		tok := draws[0]
		if len(draws) > 1 {
			draws = draws[1:]
		}
		return tok
	}

	r := startRegistry(t, Config{TokenSource: source}, nil)

	first := mustConnect(t, r, "")
	second := mustConnect(t, r, "")
	if first.Token != "dup" {
		t.Errorf("first token = %q, want dup", first.Token)
	}
	if second.Token != "fresh" {
		t.Errorf("second token = %q, want fresh (collision and empty redrawn)", second.Token)
	}
}

func TestConnect_ConcurrentDistinctIDs(t *testing.T) {
	r := startRegistry(t, Config{}, nil)

	const n = 200
	ids := make(chan protocol.ConnID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ident, err := r.Connect(context.Background(), "")
			if err != nil {
				t.Errorf("Connect failed: %v", err)
				return
			}
			ids <- ident.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[protocol.ConnID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d issued twice", id)
		}
		seen[id] = true
	}
	for i := 0; i < n; i++ {
		if !seen[protocol.ConnID(i)] {
			t.Errorf("id %d never issued", i)
		}
	}
}

func TestDisconnect_RemovesAtLastLease(t *testing.T) {
	r := startRegistry(t, Config{}, nil)

	a := mustConnect(t, r, "")
	mustConnect(t, r, a.Token) // second connection on the same session

	r.Disconnect(a.ID)
	if s, ok := lookup(t, r, a.ID); !ok || s.Leases != 1 {
		t.Fatalf("after first Disconnect: session = %+v, ok = %v, want 1 lease", s, ok)
	}

	r.Disconnect(a.ID)
	if _, ok := lookup(t, r, a.ID); ok {
		t.Fatal("session should be removed after last Disconnect")
	}

	// Token died with the session.
	again := mustConnect(t, r, a.Token)
	if again.ID == a.ID {
		t.Errorf("reconnect after removal reused id %d", a.ID)
	}

	lookup(t, r, again.ID) // barrier: stats are published after each request
	stats := r.Stats()
	if stats.Sessions != 1 || stats.Tokens != 1 {
		t.Errorf("stats = %+v, want 1 session and 1 token", stats)
	}
}

func TestDisconnect_UnknownIsNoop(t *testing.T) {
	r := startRegistry(t, Config{}, nil)

	a := mustConnect(t, r, "")
	if err := r.Disconnect(99); err != nil {
		t.Errorf("Disconnect(unknown) error = %v", err)
	}
	r.Disconnect(a.ID)
	r.Disconnect(a.ID)

	if _, ok := lookup(t, r, a.ID); ok {
		t.Error("session still present")
	}
	if got := r.Stats().Sessions; got != 0 {
		t.Errorf("Sessions = %d, want 0", got)
	}
}

func TestDisconnect_ResumeGrace(t *testing.T) {
	r := startRegistry(t, Config{ResumeGrace: 50 * time.Millisecond}, nil)

	a := mustConnect(t, r, "")
	r.Disconnect(a.ID)

	s, ok := lookup(t, r, a.ID)
	if !ok || !s.Detached {
		t.Fatalf("session = %+v, ok = %v, want detached", s, ok)
	}

	resumed := mustConnect(t, r, a.Token)
	if resumed != a {
		t.Fatalf("resume = %+v, want %+v", resumed, a)
	}

	// The expiry scheduled by the first disconnect must not remove the
	// resumed session.
	time.Sleep(100 * time.Millisecond)
	if s, ok := lookup(t, r, a.ID); !ok || s.Detached {
		t.Fatalf("resumed session = %+v, ok = %v", s, ok)
	}

	r.Disconnect(a.ID)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lookup(t, r, a.ID); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("detached session never expired")
}

type recordingHandler struct {
	mu     sync.Mutex
	events []room.Event
}

func (h *recordingHandler) On(ev room.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) kinds() []room.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []room.EventKind
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestDispatch_ReachesRoom(t *testing.T) {
	h := &recordingHandler{}
	rooms := room.NewTable(map[room.Tag]room.Handler{room.Waiting: h}, nil)
	r := startRegistry(t, Config{}, rooms)

	a := mustConnect(t, r, "")
	r.Dispatch(a.ID, json.RawMessage(`{"ready":true}`))
	r.Dispatch(42, json.RawMessage(`{}`)) // unknown session, dropped
	r.Disconnect(a.ID)
	lookup(t, r, a.ID) // barrier

	want := []room.EventKind{room.EventJoined, room.EventMessage, room.EventLeft}
	got := h.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if s, ok := lookup(t, r, a.ID); ok {
		t.Errorf("session %+v should be gone", s)
	}
	if stats := rooms.Stats()[room.Waiting]; stats.Members != 0 || stats.Messages != 1 {
		t.Errorf("room stats = %+v", stats)
	}
}

func TestLookup_Session(t *testing.T) {
	r := startRegistry(t, Config{}, nil)
	a := mustConnect(t, r, "")

	s, ok := lookup(t, r, a.ID)
	if !ok {
		t.Fatal("Lookup() ok = false")
	}
	if s.Room != room.Waiting {
		t.Errorf("Room = %q, want %q", s.Room, room.Waiting)
	}
	if s.Token != a.Token || s.Leases != 1 {
		t.Errorf("session = %+v", s)
	}
	if s.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not set")
	}
}

func TestStop_DrainsQueuedRequests(t *testing.T) {
	r := New(Config{TokenSource: sequentialTokens()}, nil, nil, nil)

	// Queue before the loop runs so Stop must drain them.
	for i := 0; i < 100; i++ {
		r.Dispatch(protocol.ConnID(i), nil)
	}
	r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := r.Stats().Processed; got != 100 {
		t.Errorf("Processed = %d, want 100", got)
	}

	if _, err := r.Connect(context.Background(), ""); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect after Stop = %v, want ErrStopped", err)
	}
	if err := r.Disconnect(0); !errors.Is(err, ErrStopped) {
		t.Errorf("Disconnect after Stop = %v, want ErrStopped", err)
	}
	if _, _, err := r.Lookup(context.Background(), 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Lookup after Stop = %v, want ErrStopped", err)
	}
}

func TestStart_ContextCancelStops(t *testing.T) {
	r := New(Config{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Connect(context.Background(), ""); errors.Is(err, ErrStopped) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("registry still accepting requests after context cancel")
}

func TestConnect_CancelledCallerReleasesSession(t *testing.T) {
	r := New(Config{TokenSource: sequentialTokens()}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Not started yet: the request is queued and the caller gives up.
	if _, err := r.Connect(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect error = %v, want context.Canceled", err)
	}

	r.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		r.Stop(stopCtx)
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lookup(t, r, 0); !ok && r.Stats().NextID == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("session created for an abandoned Connect was never released")
}

func TestConnect_PartitionedIDs(t *testing.T) {
	r := startRegistry(t, Config{IDStart: 1, IDStep: 3}, nil)

	for _, want := range []protocol.ConnID{1, 4, 7} {
		if got := mustConnect(t, r, "").ID; got != want {
			t.Errorf("ID = %d, want %d", got, want)
		}
	}
}
