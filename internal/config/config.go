package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/redfax-app/redfax/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Identity Identity `json:"identity"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
}

type Server struct {
	// REST base URL, e.g. "http://localhost:8000".
	BaseURL string `json:"base_url"`

	// WebSocket endpoint, e.g. "ws://localhost:8000/ws". The session token
	// is appended as a query parameter on connect.
	SocketURL string `json:"socket_url"`
}

type Identity struct {
	Username string `json:"username"`

	// File holding the bearer token for the current session. Relative to
	// the data directory. Rewritten on login.
	TokenFile string `json:"token_file"`
}

type Chat struct {
	// Poll interval for the active conversation, seconds.
	PollSec int `json:"poll_seconds"`

	// Maximum messages served from the local cache per thread.
	HistoryLimit int `json:"history_limit"`

	// SQLite cache path. Relative to the data directory. Empty disables
	// the cache (threads are fetch-only).
	CachePath string `json:"cache_path"`
}

type Call struct {
	StunURLs []string `json:"stun_urls"`

	// ICE timing (seconds). 0 = pion defaults. The disconnected timeout is
	// raised well above the 5s default so a brief NAT hiccup does not
	// terminate the call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`

	// Disable audio calls entirely (no mic capture, offers rejected).
	Disabled bool `json:"disabled"`
}

type Viewer struct {
	HTTPAddr     string `json:"http_addr"`
	Debug        bool   `json:"debug"`
	Theme        string `json:"theme"`
	PreferredMic string `json:"preferred_mic"`
	OpenBrowser  bool   `json:"open_browser"`
}

func Default() Config {
	return Config{
		Server: Server{
			BaseURL:   "http://localhost:8000",
			SocketURL: "ws://localhost:8000/ws",
		},
		Identity: Identity{
			TokenFile: "data/session.token",
		},
		Chat: Chat{
			PollSec:      3,
			HistoryLimit: 200,
			CachePath:    "data/messages.db",
		},
		Call: Call{
			StunURLs:               []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Viewer: Viewer{
			HTTPAddr:    "127.0.0.1:8410",
			Theme:       "dark",
			OpenBrowser: true,
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if err := validateHTTPURL(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if err := validateWSURL(c.Server.SocketURL); err != nil {
		return fmt.Errorf("server.socket_url: %w", err)
	}

	// Identity
	if strings.TrimSpace(c.Identity.TokenFile) == "" {
		return errors.New("identity.token_file is required")
	}
	if c.Identity.Username != "" {
		if _, err := util.ValidateUsername(c.Identity.Username); err != nil {
			return fmt.Errorf("identity.username: %w", err)
		}
	}

	// Chat
	if c.Chat.PollSec <= 0 {
		return errors.New("chat.poll_seconds must be > 0")
	}
	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat.history_limit must be > 0")
	}

	// Call
	if !c.Call.Disabled {
		if len(c.Call.StunURLs) == 0 {
			return errors.New("call.stun_urls is required when calls are enabled")
		}
		for _, u := range c.Call.StunURLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") {
				return fmt.Errorf("call.stun_urls entry %q must start with stun: or turn:", u)
			}
		}
		if c.Call.DisconnectedTimeoutSec < 0 || c.Call.FailedTimeoutSec < 0 || c.Call.KeepAliveIntervalSec < 0 {
			return errors.New("call timeouts must be >= 0")
		}
		if c.Call.FailedTimeoutSec > 0 && c.Call.DisconnectedTimeoutSec > c.Call.FailedTimeoutSec {
			return errors.New("call.disconnected_timeout_sec must be <= call.failed_timeout_sec")
		}
	}

	// Viewer
	if strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("viewer.http_addr is required")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
