package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

type mailboxJSON struct {
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	UIDValidity uint32    `json:"uid_validity"`
	UIDNext     uint32    `json:"uid_next"`
	Messages    int       `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListMailboxes returns every mailbox with its message count
func (h *Handlers) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := h.db.ListMailboxes(r.Context())
	if err != nil {
		h.logger.Error("failed to list mailboxes", "err", err)
		http.Error(w, "Failed to list mailboxes", http.StatusInternalServerError)
		return
	}

	out := make([]mailboxJSON, 0, len(mailboxes))
	for _, mb := range mailboxes {
		count, err := h.db.CountMessages(r.Context(), mb.ID)
		if err != nil {
			h.logger.Error("failed to count messages", "mailbox", mb.Name, "err", err)
			http.Error(w, "Failed to list mailboxes", http.StatusInternalServerError)
			return
		}
		out = append(out, mailboxJSON{
			Name:        mb.Name,
			Owner:       mb.Owner,
			UIDValidity: mb.UIDValidity,
			UIDNext:     uint32(mb.NextUID),
			Messages:    count,
			CreatedAt:   mb.CreatedAt.Time,
		})
	}

	h.writeJSON(w, http.StatusOK, out)
}

// CreateMailbox creates a mailbox from {"name", "owner"}
func (h *Handlers) CreateMailbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Expected JSON body with a name", http.StatusBadRequest)
		return
	}

	existing, err := h.db.GetMailbox(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("failed to look up mailbox", "mailbox", req.Name, "err", err)
		http.Error(w, "Failed to create mailbox", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "Mailbox already exists", http.StatusConflict)
		return
	}

	mb, err := h.db.CreateMailbox(r.Context(), req.Name, req.Owner)
	if err != nil {
		h.logger.Error("failed to create mailbox", "mailbox", req.Name, "err", err)
		http.Error(w, "Failed to create mailbox", http.StatusInternalServerError)
		return
	}

	h.logger.Info("mailbox created", "mailbox", mb.Name, "owner", mb.Owner)
	h.writeJSON(w, http.StatusCreated, mailboxJSON{
		Name:        mb.Name,
		Owner:       mb.Owner,
		UIDValidity: mb.UIDValidity,
		UIDNext:     uint32(mb.NextUID),
		CreatedAt:   mb.CreatedAt.Time,
	})
}

// Stats returns database statistics
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "err", err)
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
