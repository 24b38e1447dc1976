package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redfax-app/redfax/internal/api"
	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/storage"
)

type fakeBackend struct {
	mu       sync.Mutex
	history  []proto.ChatEvent
	groups   map[string][]proto.ChatEvent
	sendErr  error
	fetchErr error
	sent     []string

	// gate, when set, blocks fetches until released.
	gate chan struct{}
}

func (f *fakeBackend) setHistory(evs ...proto.ChatEvent) {
	f.mu.Lock()
	f.history = evs
	f.mu.Unlock()
}

func (f *fakeBackend) Messages(ctx context.Context) ([]proto.ChatEvent, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]proto.ChatEvent, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeBackend) GroupMessages(ctx context.Context, groupID string) ([]proto.ChatEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[groupID], nil
}

func (f *fakeBackend) record(kind string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent = append(f.sent, kind)
	return nil
}

func (f *fakeBackend) SendText(ctx context.Context, receiver, content string) error {
	return f.record("text:"+receiver+":"+content, f.sendErr)
}

func (f *fakeBackend) SendGroupText(ctx context.Context, groupID, content string) error {
	return f.record("group:"+groupID+":"+content, f.sendErr)
}

func (f *fakeBackend) SendVoice(ctx context.Context, receiver, filename string, audio io.Reader) error {
	return f.record("voice:"+receiver+":"+filename, f.sendErr)
}

func (f *fakeBackend) SendFileRef(ctx context.Context, receiver, fileID, filename string) error {
	return f.record("file:"+receiver+":"+fileID, f.sendErr)
}

func event(sender, receiver, content, ts string) proto.ChatEvent {
	return proto.ChatEvent{Sender: sender, Receiver: receiver, Content: &content, Timestamp: ts}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestOptimisticSend(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	if err := s.Send(context.Background(), SendRequest{Content: "hello"}); err != nil {
		t.Fatal(err)
	}

	msgs := s.Thread("bob")
	if len(msgs) != 1 {
		t.Fatalf("expected optimistic entry, got %d messages", len(msgs))
	}
	m := msgs[0]
	if !m.Pending || !m.SentByMe || m.Sender != "alice" || *m.Content != "hello" {
		t.Fatalf("unexpected entry: %+v", m)
	}
	if !strings.HasPrefix(m.ID, "alice-") {
		t.Fatalf("client identity scheme broken: %q", m.ID)
	}
	if len(fb.sent) != 1 {
		t.Fatalf("backend not called: %v", fb.sent)
	}
}

func TestSendRollbackOnFailure(t *testing.T) {
	fb := &fakeBackend{sendErr: errors.New("server exploded")}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	if err := s.Send(context.Background(), SendRequest{Content: "doomed"}); err == nil {
		t.Fatal("expected send error")
	}

	if msgs := s.Thread("bob"); len(msgs) != 0 {
		t.Fatalf("optimistic entry not rolled back: %+v", msgs)
	}
	if s.Err() == "" {
		t.Fatal("inline error not set")
	}

	s.ClearErr()
	if s.Err() != "" {
		t.Fatal("error not cleared")
	}
}

func TestSendAuthFailureTriggersLogout(t *testing.T) {
	fb := &fakeBackend{sendErr: api.ErrAuthFailure}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	var loggedOut bool
	s.OnAuthFailure(func() { loggedOut = true })

	voicePath := filepath.Join(t.TempDir(), "rec.webm")
	if err := os.WriteFile(voicePath, []byte("audio"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := s.Send(context.Background(), SendRequest{
		Voice:     strings.NewReader("audio"),
		VoicePath: voicePath,
		Filename:  "rec.webm",
	})
	if !errors.Is(err, api.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if !loggedOut {
		t.Fatal("logout not triggered")
	}
	if s.Err() != "" {
		t.Fatalf("auth failure must not leave an inline error, got %q", s.Err())
	}
	if _, err := os.Stat(voicePath); !os.IsNotExist(err) {
		t.Fatal("temp recording not released")
	}
}

func TestRefreshFiltersAndDedups(t *testing.T) {
	fb := &fakeBackend{}
	fb.setHistory(
		event("bob", "alice", "hi", "2026-01-02T10:00:00"),
		event("alice", "bob", "hey", "2026-01-02T10:00:01"),
		event("alice", "bob", "hey", "2026-01-02T10:00:01"), // duplicate identity
		event("carol", "alice", "wrong thread", "2026-01-02T10:00:02"),
	)
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	waitFor(t, "refresh", func() bool { return len(s.Thread("bob")) > 0 })

	msgs := s.Thread("bob")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after filter+dedup, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Sender != "bob" || msgs[1].Sender != "alice" {
		t.Fatalf("wrong order: %+v", msgs)
	}
	for _, m := range msgs {
		if m.Pending {
			t.Fatalf("server record marked pending: %+v", m)
		}
	}
}

func TestRefreshConfirmsPending(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	if err := s.Send(context.Background(), SendRequest{Content: "ping"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending entry", func() bool {
		msgs := s.Thread("bob")
		return len(msgs) == 1 && msgs[0].Pending
	})

	// The server's echo carries its own timestamp, newer than ours.
	fb.setHistory(event("alice", "bob", "ping", "2100-01-02T10:00:00"))
	s.SetActive(context.Background(), "bob", false)

	waitFor(t, "confirmation", func() bool {
		msgs := s.Thread("bob")
		return len(msgs) == 1 && !msgs[0].Pending
	})
}

func TestSwitchInvalidatesInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	fb := &fakeBackend{gate: gate}
	fb.setHistory(event("bob", "alice", "stale", "2026-01-02T10:00:00"))

	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false) // fetch blocks on gate
	s.SetActive(context.Background(), "carol", false)
	close(gate) // both fetches complete; the bob one is stale

	// Give the stale goroutine time to (incorrectly) apply.
	time.Sleep(100 * time.Millisecond)
	if msgs := s.Thread("bob"); len(msgs) != 0 {
		t.Fatalf("stale fetch applied after switch: %+v", msgs)
	}
}

// ctxCheckBackend fails the fetch if the caller's context was canceled,
// the way a real HTTP client would.
type ctxCheckBackend struct {
	*fakeBackend
	fetchGate chan struct{}
}

func (f *ctxCheckBackend) Messages(ctx context.Context) ([]proto.ChatEvent, error) {
	<-f.fetchGate
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fakeBackend.Messages(ctx)
}

func TestSwitchRefreshOutlivesRequest(t *testing.T) {
	fb := &fakeBackend{}
	fb.setHistory(event("bob", "alice", "hi", "2026-01-02T10:00:00"))
	gate := make(chan struct{})
	be := &ctxCheckBackend{fakeBackend: fb, fetchGate: gate}
	s := New("alice", be, nil, time.Hour, 100)

	// The viewer hands SetActive a request-scoped context that dies as
	// soon as the handler returns; the switch fetch must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	s.SetActive(ctx, "bob", false)
	cancel()
	close(gate)

	waitFor(t, "refresh despite canceled request", func() bool {
		return len(s.Thread("bob")) == 1
	})
	if s.Err() != "" {
		t.Fatalf("spurious inline error: %q", s.Err())
	}
}

func TestRefreshClearsStaleError(t *testing.T) {
	fb := &fakeBackend{fetchErr: errors.New("backend down")}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)
	waitFor(t, "fetch error", func() bool { return s.Err() != "" })

	fb.mu.Lock()
	fb.fetchErr = nil
	fb.mu.Unlock()
	fb.setHistory(event("bob", "alice", "hi", "2026-01-02T10:00:00"))

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	s.refresh(context.Background(), "bob", false, gen)

	if s.Err() != "" {
		t.Fatalf("error not cleared by successful refresh: %q", s.Err())
	}
	if len(s.Thread("bob")) != 1 {
		t.Fatal("refresh result not applied")
	}
}

func TestSameMillisecondSends(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	if err := s.Send(context.Background(), SendRequest{Content: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), SendRequest{Content: "second"}); err != nil {
		t.Fatal(err)
	}

	msgs := s.Thread("bob")
	if len(msgs) != 2 {
		t.Fatalf("back-to-back send swallowed: %+v", msgs)
	}
	if msgs[0].ID == msgs[1].ID || msgs[0].Timestamp >= msgs[1].Timestamp {
		t.Fatalf("identities collide: %q vs %q", msgs[0].ID, msgs[1].ID)
	}

	// A failing third send rolls back only its own entry.
	fb.mu.Lock()
	fb.sendErr = errors.New("rejected")
	fb.mu.Unlock()
	if err := s.Send(context.Background(), SendRequest{Content: "third"}); err == nil {
		t.Fatal("expected send error")
	}
	msgs = s.Thread("bob")
	if len(msgs) != 2 || *msgs[0].Content != "first" || *msgs[1].Content != "second" {
		t.Fatalf("rollback removed the wrong entry: %+v", msgs)
	}
}

func TestApplyEventOutOfOrder(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)

	for _, ts := range []string{
		"2026-01-02T10:00:03",
		"2026-01-02T10:00:01",
		"2026-01-02T10:00:02",
	} {
		content := ts
		s.ApplyEvent(&proto.ChatEvent{
			Sender: "bob", Receiver: "alice", Content: &content, Timestamp: ts,
		})
	}

	msgs := s.Thread("bob")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp >= msgs[i].Timestamp {
			t.Fatalf("thread out of order: %+v", msgs)
		}
	}
}

func TestApplyEventInactiveThread(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "bob", false)

	content := "psst"
	ev := proto.ChatEvent{Sender: "carol", Receiver: "alice", Content: &content, Timestamp: "2026-01-02T10:00:00"}
	s.ApplyEvent(&ev)
	s.ApplyEvent(&ev) // same identity, must not duplicate

	msgs := s.Thread("carol")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in inactive thread, got %d", len(msgs))
	}
	if msgs[0].SentByMe {
		t.Fatal("inbound message marked as own")
	}
}

func TestGroupSend(t *testing.T) {
	fb := &fakeBackend{}
	s := New("alice", fb, nil, time.Hour, 100)
	s.SetActive(context.Background(), "g1", true)

	if err := s.Send(context.Background(), SendRequest{Content: "hi all"}); err != nil {
		t.Fatal(err)
	}
	if len(fb.sent) != 1 || !strings.HasPrefix(fb.sent[0], "group:g1:") {
		t.Fatalf("group send not routed: %v", fb.sent)
	}

	t.Run("voice is direct-only", func(t *testing.T) {
		err := s.Send(context.Background(), SendRequest{Voice: strings.NewReader("x"), Filename: "v.webm"})
		if err == nil {
			t.Fatal("expected error for group voice message")
		}
		if msgs := s.Thread("g1"); len(msgs) != 1 {
			t.Fatalf("failed voice send left residue: %+v", msgs)
		}
	})
}

func TestCacheServesOnSwitch(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// First store instance populates the cache from a live event.
	fb := &fakeBackend{}
	s1 := New("alice", fb, db, time.Hour, 100)
	content := "cached line"
	s1.ApplyEvent(&proto.ChatEvent{
		Sender: "bob", Receiver: "alice", Content: &content,
		Timestamp: "2026-01-02T10:00:00",
	})

	// Second instance, fetch blocked: the thread must still appear
	// instantly from the cache.
	gate := make(chan struct{})
	defer close(gate)
	s2 := New("alice", &fakeBackend{gate: gate}, db, time.Hour, 100)
	s2.SetActive(context.Background(), "bob", false)

	msgs := s2.Thread("bob")
	if len(msgs) != 1 || *msgs[0].Content != "cached line" {
		t.Fatalf("cache not served on switch: %+v", msgs)
	}
}
