package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if c.Token() != "tok123" {
		t.Fatalf("token not installed: %q", c.Token())
	}

	t.Run("bad credentials", func(t *testing.T) {
		c := NewClient(srv.URL)
		err := c.Login(context.Background(), "alice", "wrong")
		if !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("expected ErrAuthFailure, got %v", err)
		}
	})
}

func TestAuthFailureSentinel(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := NewClient(srv.URL)
		c.SetToken("expired")
		_, err := c.Messages(context.Background())
		srv.Close()
		if !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("status %d: expected ErrAuthFailure, got %v", code, err)
		}
	}
}

func TestErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"detail": "receiver not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SendText(context.Background(), "ghost", "hi")
	if err == nil || !strings.Contains(err.Error(), "receiver not found") {
		t.Fatalf("detail not surfaced: %v", err)
	}
}

func TestBearerHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok456")
	if _, err := c.Messages(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok456" {
		t.Fatalf("wrong auth header: %q", got)
	}
}

func TestGroupMessagesStampGroupID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/groups/g1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"sender":"bob","content":"hi","timestamp":"2026-01-02T15:04:05"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.GroupMessages(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].GroupID != "g1" {
		t.Fatalf("group id not stamped: %+v", msgs)
	}
}

func TestSendVoiceMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("receiver") != "bob" {
			t.Errorf("receiver field missing")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file part missing: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Close()
		if hdr.Filename != "voice.webm" {
			t.Errorf("filename lost: %q", hdr.Filename)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SendVoice(context.Background(), "bob", "voice.webm", strings.NewReader("audio-bytes")); err != nil {
		t.Fatal(err)
	}
}

func TestTokenValid(t *testing.T) {
	c := NewClient("http://localhost")

	t.Run("empty token", func(t *testing.T) {
		if c.TokenValid() {
			t.Fatal("empty token reported valid")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		c.SetToken("not-a-jwt")
		if c.TokenValid() {
			t.Fatal("garbage token reported valid")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		// {"sub":"alice","exp":1000000000} — long past.
		c.SetToken("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
			"eyJzdWIiOiJhbGljZSIsImV4cCI6MTAwMDAwMDAwMH0." +
			"sig")
		if c.TokenValid() {
			t.Fatal("expired token reported valid")
		}
		if c.TokenSubject() != "alice" {
			t.Fatalf("subject not read: %q", c.TokenSubject())
		}
	})
}
