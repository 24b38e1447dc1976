// Package viewer serves the local HTTP API the browser view layer talks
// to: chat thread state, send operations, call control, and the SSE event
// stream. It binds to loopback; the session token never crosses it.
package viewer

import (
	"context"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/call"
	"github.com/redfax-app/redfax/internal/store"
	"github.com/redfax-app/redfax/internal/transport"
	"github.com/redfax-app/redfax/internal/viewer/routes"
)

var log = logging.Logger("viewer")

// Viewer bundles everything the HTTP routes need.
type Viewer struct {
	Self      string
	Store     *store.Store
	Calls     *call.Manager
	Transport *transport.Transport

	// Logout tears the session down when the backend rejects the token or
	// the user asks to leave.
	Logout func()

	Theme        string
	PreferredMic string
	Debug        bool
}

// Server is the running HTTP front.
type Server struct {
	http *http.Server
}

// Start builds the mux and begins serving on addr. It returns once the
// listener goroutine is up; serve errors are logged, not returned.
func Start(addr string, v Viewer) *Server {
	mux := http.NewServeMux()

	routes.Register(mux, routes.Deps{
		Self:         v.Self,
		Store:        v.Store,
		Calls:        v.Calls,
		Transport:    v.Transport,
		Logout:       v.Logout,
		Theme:        v.Theme,
		PreferredMic: v.PreferredMic,
		Debug:        v.Debug,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("viewer listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("viewer server stopped", "err", err)
		}
	}()
	return &Server{http: srv}
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
