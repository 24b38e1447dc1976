// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/api"
	"github.com/redfax-app/redfax/internal/call"
	"github.com/redfax-app/redfax/internal/config"
	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/signaling"
	"github.com/redfax-app/redfax/internal/storage"
	"github.com/redfax-app/redfax/internal/store"
	"github.com/redfax-app/redfax/internal/transport"
	"github.com/redfax-app/redfax/internal/util"
	"github.com/redfax-app/redfax/internal/viewer"
)

var log = logging.Logger("main")

var (
	cfgPath    = flag.String("config", "config.json", "Path to config file")
	forceLogin = flag.Bool("login", false, "Force interactive login even with a saved session")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("RED FAX client v%s\n", appVersion)
		return
	}
	if *showHelp {
		flag.Usage()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Infow("created default config", "path", *cfgPath)
	}

	level := logging.LevelInfo
	if cfg.Viewer.Debug {
		level = logging.LevelDebug
	}
	logging.SetAllLoggers(level)

	client := api.NewClient(cfg.Server.BaseURL)
	if tok, err := os.ReadFile(cfg.Identity.TokenFile); err == nil {
		client.SetToken(strings.TrimSpace(string(tok)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *forceLogin || !client.TokenValid() {
		if err := interactiveLogin(ctx, client, cfg); err != nil {
			return err
		}
	}

	self := client.TokenSubject()
	if self == "" {
		self = cfg.Identity.Username
	}
	if self == "" {
		return fmt.Errorf("cannot determine own username from token or config")
	}

	var cache *storage.DB
	if cfg.Chat.CachePath != "" {
		cache, err = storage.Open(cfg.Chat.CachePath)
		if err != nil {
			// The client works without the cache, just slower on switch.
			log.Warnw("message cache unavailable", "path", cfg.Chat.CachePath, "err", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	st := store.New(self, client, cache,
		time.Duration(cfg.Chat.PollSec)*time.Second, cfg.Chat.HistoryLimit)

	tr := transport.New(cfg.Server.SocketURL)
	defer tr.Close()

	sigCh := signaling.NewChannel(tr)
	defer sigCh.Close()

	calls := call.NewManager(signalBridge{ch: sigCh}, call.Options{
		STUNURLs:            cfg.Call.StunURLs,
		DisconnectedTimeout: time.Duration(cfg.Call.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.Call.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(cfg.Call.KeepAliveIntervalSec) * time.Second,
		Disabled:            cfg.Call.Disabled,
	})
	defer calls.Close()

	logout := func() {
		log.Infow("session ended, logging out")
		calls.Hangup()
		tr.Disconnect()
		client.SetToken("")
		if err := os.Remove(cfg.Identity.TokenFile); err != nil && !os.IsNotExist(err) {
			log.Warnw("token file not removed", "path", cfg.Identity.TokenFile, "err", err)
		}
	}
	st.OnAuthFailure(logout)

	events, cancelEvents := tr.Subscribe()
	defer cancelEvents()
	go st.Run(ctx, events)

	srv := viewer.Start(cfg.Viewer.HTTPAddr, viewer.Viewer{
		Self:         self,
		Store:        st,
		Calls:        calls,
		Transport:    tr,
		Logout:       logout,
		Theme:        cfg.Viewer.Theme,
		PreferredMic: cfg.Viewer.PreferredMic,
		Debug:        cfg.Viewer.Debug,
	})

	tr.Connect(client.Token())

	if cfg.Viewer.OpenBrowser {
		if err := util.OpenURL("http://" + cfg.Viewer.HTTPAddr); err != nil {
			log.Warnw("could not open browser", "err", err)
		}
	}

	<-ctx.Done()
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// interactiveLogin prompts on the terminal, exchanges credentials for a
// token, and persists it for the next start.
func interactiveLogin(ctx context.Context, client *api.Client, cfg config.Config) error {
	reader := bufio.NewReader(os.Stdin)

	username := cfg.Identity.Username
	if username == "" {
		fmt.Print("username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	} else {
		fmt.Printf("logging in as %s\n", username)
	}

	fmt.Print("password: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")

	if err := client.Login(ctx, username, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if dir := filepath.Dir(cfg.Identity.TokenFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("token dir: %w", err)
		}
	}
	if err := os.WriteFile(cfg.Identity.TokenFile, []byte(client.Token()), 0o600); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// signalBridge adapts the signaling channel to the call manager's local
// Signaler interface.
type signalBridge struct {
	ch *signaling.Channel
}

func (b signalBridge) Send(to string, payload *proto.Signal) error {
	return b.ch.Send(to, payload)
}

func (b signalBridge) Subscribe() (chan call.Inbound, func()) {
	src, cancel := b.ch.Subscribe()
	out := make(chan call.Inbound, 16)
	go func() {
		defer close(out)
		for in := range src {
			select {
			case out <- call.Inbound{From: in.From, Payload: in.Payload}:
			default:
			}
		}
	}()
	return out, cancel
}
