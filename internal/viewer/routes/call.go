package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/redfax-app/redfax/internal/call"
)

// RegisterCall wires the call-control endpoints and the SSE stream the
// view layer uses for ringing and state changes.
func RegisterCall(mux *http.ServeMux, d Deps) {
	// POST /api/call/start {"peer": "..."}
	mux.HandleFunc("/api/call/start", handlePost(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Peer string `json:"peer"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if err := d.Calls.StartCall(r.Context(), req.Peer); err != nil {
			writeError(w, callErrStatus(err), err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "peer": req.Peer})
	}))

	mux.HandleFunc("/api/call/accept", handlePost(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Calls.Accept(r.Context()); err != nil {
			writeError(w, callErrStatus(err), err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	}))

	mux.HandleFunc("/api/call/decline", handlePost(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Calls.Decline(); err != nil {
			writeError(w, callErrStatus(err), err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	}))

	// Hangup succeeds even when idle.
	mux.HandleFunc("/api/call/hangup", handlePost(func(w http.ResponseWriter, r *http.Request) {
		d.Calls.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up"})
	}))

	mux.HandleFunc("/api/call/status", handleGet(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Status())
	}))

	mux.HandleFunc("/api/call/log", handleGet(func(w http.ResponseWriter, r *http.Request) {
		events := d.Calls.EventLog()
		if events == nil {
			events = []call.Event{}
		}
		writeJSON(w, events)
	}))

	// GET /api/call/events streams ringing and state transitions as SSE.
	mux.HandleFunc("/api/call/events", handleGet(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		sseHeaders(w)

		incoming := d.Calls.SubscribeIncoming()
		defer d.Calls.UnsubscribeIncoming(incoming)
		status, cancel := d.Calls.SubscribeStatus()
		defer cancel()

		// Opening snapshot so a reconnecting client resyncs immediately.
		sseEvent(w, "status", d.Calls.Status())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ic, ok := <-incoming:
				if !ok {
					return
				}
				sseEvent(w, "incoming", ic)
				flusher.Flush()
			case st, ok := <-status:
				if !ok {
					return
				}
				sseEvent(w, "status", st)
				flusher.Flush()
			}
		}
	}))
}

func sseEvent(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func callErrStatus(err error) int {
	switch err {
	case call.ErrBusy:
		return http.StatusConflict
	case call.ErrNoCall:
		return http.StatusNotFound
	case call.ErrDisabled:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
