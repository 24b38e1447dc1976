package routes

import (
	"net/http"

	"github.com/redfax-app/redfax/internal/store"
)

const maxVoiceUpload = 16 << 20 // 16MB

// RegisterChat wires the conversation endpoints.
func RegisterChat(mux *http.ServeMux, d Deps) {
	// POST /api/chat/select {"conversation": "...", "group": bool}
	mux.HandleFunc("/api/chat/select", handlePost(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Conversation string `json:"conversation"`
			Group        bool   `json:"group"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.Conversation == "" {
			writeError(w, http.StatusBadRequest, "conversation required")
			return
		}
		d.Store.SetActive(r.Context(), req.Conversation, req.Group)
		writeJSON(w, map[string]string{"status": "selected", "conversation": req.Conversation})
	}))

	// GET /api/chat/thread returns the active conversation's messages plus
	// the last inline error, if any.
	mux.HandleFunc("/api/chat/thread", handleGet(func(w http.ResponseWriter, r *http.Request) {
		conv, isGroup := d.Store.Active()
		msgs := d.Store.Thread(conv)
		if msgs == nil {
			msgs = []store.Message{}
		}
		writeJSON(w, map[string]any{
			"conversation": conv,
			"group":        isGroup,
			"messages":     msgs,
			"error":        d.Store.Err(),
		})
	}))

	// POST /api/chat/send {"content": "..."} or {"file_id": "...", "filename": "..."}
	mux.HandleFunc("/api/chat/send", handlePost(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content  string `json:"content"`
			FileID   string `json:"file_id"`
			Filename string `json:"filename"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		err := d.Store.Send(r.Context(), store.SendRequest{
			Content:  req.Content,
			FileID:   req.FileID,
			Filename: req.Filename,
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	}))

	// POST /api/chat/voice, multipart with a "file" part.
	mux.HandleFunc("/api/chat/voice", handlePost(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxVoiceUpload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file part required")
			return
		}
		defer f.Close()

		err = d.Store.Send(r.Context(), store.SendRequest{
			Voice:    f,
			Filename: hdr.Filename,
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	}))

	// POST /api/chat/clear-error dismisses the inline error banner.
	mux.HandleFunc("/api/chat/clear-error", handlePost(func(w http.ResponseWriter, r *http.Request) {
		d.Store.ClearErr()
		writeJSON(w, map[string]string{"status": "cleared"})
	}))
}
