// Package routes registers the viewer's JSON and SSE endpoints.
package routes

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/call"
	"github.com/redfax-app/redfax/internal/store"
	"github.com/redfax-app/redfax/internal/transport"
)

var log = logging.Logger("viewer")

// Deps is everything the route handlers reach into.
type Deps struct {
	Self      string
	Store     *store.Store
	Calls     *call.Manager
	Transport *transport.Transport
	Logout    func()

	// View preferences passed through from config.
	Theme        string
	PreferredMic string

	Debug bool
}

// Register wires all endpoints onto mux.
func Register(mux *http.ServeMux, d Deps) {
	RegisterStatus(mux, d)
	if d.Store != nil {
		RegisterChat(mux, d)
	}
	if d.Calls != nil {
		RegisterCall(mux, d)
	}
}

// RegisterStatus exposes session-level state.
func RegisterStatus(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("/api/status", handleGet(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"user":          d.Self,
			"connected":     d.Transport != nil && d.Transport.Connected(),
			"theme":         d.Theme,
			"preferred_mic": d.PreferredMic,
		})
	}))

	mux.HandleFunc("/api/logout", handlePost(func(w http.ResponseWriter, r *http.Request) {
		if d.Logout != nil {
			d.Logout()
		}
		writeJSON(w, map[string]string{"status": "logged_out"})
	}))
}
