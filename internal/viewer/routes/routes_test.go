package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redfax-app/redfax/internal/call"
	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/store"
)

type nullBackend struct{}

func (nullBackend) Messages(ctx context.Context) ([]proto.ChatEvent, error) { return nil, nil }
func (nullBackend) GroupMessages(ctx context.Context, g string) ([]proto.ChatEvent, error) {
	return nil, nil
}
func (nullBackend) SendText(ctx context.Context, r, c string) error               { return nil }
func (nullBackend) SendGroupText(ctx context.Context, g, c string) error          { return nil }
func (nullBackend) SendVoice(ctx context.Context, r, f string, a io.Reader) error { return nil }
func (nullBackend) SendFileRef(ctx context.Context, r, id, f string) error        { return nil }

type nullSignaler struct{}

func (nullSignaler) Send(to string, p *proto.Signal) error { return nil }
func (nullSignaler) Subscribe() (chan call.Inbound, func()) {
	ch := make(chan call.Inbound)
	return ch, func() {}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := store.New("alice", nullBackend{}, nil, time.Hour, 100)
	calls := call.NewManager(nullSignaler{}, call.Options{
		STUNURLs: []string{"stun:stun.l.google.com:19302"},
	})
	t.Cleanup(calls.Close)

	mux := http.NewServeMux()
	Register(mux, Deps{Self: "alice", Store: st, Calls: calls})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChatFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/chat/select", map[string]any{"conversation": "bob"})
	if resp.StatusCode != 200 {
		t.Fatalf("select failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/chat/send", map[string]string{"content": "hello"})
	if resp.StatusCode != 200 {
		t.Fatalf("send failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/chat/thread")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var thread struct {
		Conversation string          `json:"conversation"`
		Messages     []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&thread); err != nil {
		t.Fatal(err)
	}
	if thread.Conversation != "bob" {
		t.Fatalf("wrong active conversation: %q", thread.Conversation)
	}
	if len(thread.Messages) != 1 || *thread.Messages[0].Content != "hello" {
		t.Fatalf("optimistic message missing: %+v", thread.Messages)
	}
}

func TestChatValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("select without conversation", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/chat/select", map[string]any{})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("send without active conversation", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/chat/send", map[string]string{"content": "hi"})
		defer resp.Body.Close()
		if resp.StatusCode == 200 {
			t.Fatal("send without conversation should fail")
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/chat/send")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", resp.StatusCode)
		}
	})
}

func TestCallEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("status idle", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/call/status")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var st call.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatal(err)
		}
		if st.State != call.StateIdle {
			t.Fatalf("expected idle, got %s", st.State)
		}
	})

	t.Run("hangup while idle succeeds", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/call/hangup", map[string]any{})
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("idle hangup must be a no-op 200, got %d", resp.StatusCode)
		}
	})

	t.Run("accept without ringing call", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/call/accept", map[string]any{})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("empty log is an array", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/call/log")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(bytes.TrimSpace(body)) != "[]" {
			t.Fatalf("expected [], got %s", body)
		}
	})
}
