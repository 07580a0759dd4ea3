package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/go-chi/chi/v5"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/message"
)

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "err", err)
	}
}

// contentError maps a failure to produce message content to a status.
// Truncation means the stored bytes disagree with the metadata.
func (h *Handlers) contentError(w http.ResponseWriter, r *http.Request, uid imap.UID, err error) {
	switch {
	case errors.Is(err, message.ErrTruncatedStream):
		h.logger.Error("stored content is shorter than recorded", "path", r.URL.Path, "uid", uid, "err", err)
		http.Error(w, "Stored message is corrupt", http.StatusInternalServerError)
	case errors.Is(err, message.ErrContentUnavailable):
		h.logger.Warn("content unavailable", "path", r.URL.Path, "uid", uid, "err", err)
		http.Error(w, "Message content unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, db.ErrMessageNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
	default:
		h.logger.Error("content error", "path", r.URL.Path, "uid", uid, "err", err)
		http.Error(w, "Failed to read message", http.StatusInternalServerError)
	}
}

// loadMailbox loads the {mailbox} URL parameter, writing 404 if it does not exist
func (h *Handlers) loadMailbox(w http.ResponseWriter, r *http.Request) (*db.Mailbox, bool) {
	name := chi.URLParam(r, "mailbox")
	mb, err := h.db.GetMailbox(r.Context(), name)
	if err != nil {
		h.logger.Error("failed to load mailbox", "mailbox", name, "err", err)
		http.Error(w, "Failed to load mailbox", http.StatusInternalServerError)
		return nil, false
	}
	if mb == nil {
		http.Error(w, "Mailbox not found", http.StatusNotFound)
		return nil, false
	}
	return mb, true
}

// uidParam parses the {uid} URL parameter
func uidParam(w http.ResponseWriter, r *http.Request) (imap.UID, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil || n == 0 {
		http.Error(w, "Invalid UID", http.StatusBadRequest)
		return 0, false
	}
	return imap.UID(n), true
}

// loadMessage loads the message named by the URL, writing 404 if it does not exist
func (h *Handlers) loadMessage(w http.ResponseWriter, r *http.Request) (*db.Mailbox, *message.Message, bool) {
	mb, ok := h.loadMailbox(w, r)
	if !ok {
		return nil, nil, false
	}
	uid, ok := uidParam(w, r)
	if !ok {
		return nil, nil, false
	}

	m, err := h.db.GetMessage(r.Context(), mb.ID, uid)
	if err != nil {
		h.logger.Error("failed to load message", "mailbox", mb.Name, "uid", uid, "err", err)
		http.Error(w, "Failed to load message", http.StatusInternalServerError)
		return nil, nil, false
	}
	if m == nil {
		http.Error(w, "Message not found", http.StatusNotFound)
		return nil, nil, false
	}
	return mb, m, true
}

// queryInt parses a non-negative integer query parameter
func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
