// Package api is the thin REST wrapper the realtime core depends on:
// session login, history fetch, and the send operations for text, voice and
// file messages. It deliberately covers only the shapes the core consumes;
// the wider CRUD surface (friends, calendar, profile) belongs to the view
// layer's own client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/proto"
)

var log = logging.Logger("api")

// ErrAuthFailure is returned when the backend rejects the session token.
// It is the one error class that must trigger an immediate logout instead
// of an inline error message.
var ErrAuthFailure = errors.New("authentication failure")

// Client talks to the RED FAX backend.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the given REST base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer token used on subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// TokenValid reports whether the current token exists and has not expired.
// Claims are read without signature verification; only the server can
// verify, this is a cheap local check that avoids a doomed round-trip.
func (c *Client) TokenValid() bool {
	tok := c.Token()
	if tok == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Before(exp.Time)
}

// TokenSubject returns the username claim of the current token, if any.
func (c *Client) TokenSubject() string {
	tok := c.Token()
	if tok == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// Login exchanges credentials for a bearer token and installs it.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.postJSON(ctx, "/token", body, &out); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return errors.New("login: empty token in response")
	}
	c.SetToken(out.AccessToken)
	log.Infow("logged in", "user", username)
	return nil
}

// Messages fetches the authenticated user's full direct-message history.
// The caller filters by participant pair; the endpoint is global.
func (c *Client) Messages(ctx context.Context) ([]proto.ChatEvent, error) {
	var out []proto.ChatEvent
	if err := c.getJSON(ctx, "/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupMessages fetches the history of one group.
func (c *Client) GroupMessages(ctx context.Context, groupID string) ([]proto.ChatEvent, error) {
	var out []proto.ChatEvent
	if err := c.getJSON(ctx, "/groups/"+groupID+"/messages", &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].GroupID = groupID
	}
	return out, nil
}

// SendText submits a direct text message.
func (c *Client) SendText(ctx context.Context, receiver, content string) error {
	body := map[string]string{"receiver": receiver, "content": content}
	return c.postJSON(ctx, "/send", body, nil)
}

// SendGroupText submits a text message to a group.
func (c *Client) SendGroupText(ctx context.Context, groupID, content string) error {
	body := map[string]string{"group_id": groupID, "content": content}
	return c.postJSON(ctx, "/groups/message/send", body, nil)
}

// SendVoice uploads a voice recording as a direct message attachment.
func (c *Client) SendVoice(ctx context.Context, receiver, filename string, audio io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("receiver", receiver); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("send voice: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/send/voice", mw.FormDataContentType(), &buf, nil)
}

// UploadFile stores a file and returns its server-assigned id, which can be
// referenced from later messages.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	var out struct {
		FileID string `json:"file_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	return out.FileID, nil
}

// SendFileRef submits a direct message referencing a previously uploaded file.
func (c *Client) SendFileRef(ctx context.Context, receiver, fileID, filename string) error {
	body := map[string]string{"receiver": receiver, "file_id": fileID, "filename": filename}
	return c.postJSON(ctx, "/send", body, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		log.Warnw("token rejected", "path", path, "status", resp.StatusCode)
		return ErrAuthFailure
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, apiDetail(resp))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// apiDetail extracts the backend's {"detail": ...} error body, falling back
// to the HTTP status line.
func apiDetail(resp *http.Response) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Detail != "" {
		return e.Detail
	}
	return resp.Status
}
