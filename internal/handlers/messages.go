package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/message"
	"github.com/felo/eml-store/internal/metrics"
	"github.com/felo/eml-store/internal/parser"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxImportSize   = 64 << 20
)

type headerJSON struct {
	Line  int    `json:"line"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type propertyJSON struct {
	Line      int    `json:"line"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

type messageJSON struct {
	Mailbox        string         `json:"mailbox"`
	UID            uint32         `json:"uid"`
	InternalDate   time.Time      `json:"internal_date"`
	Size           int64          `json:"size"`
	BodyStartOctet int64          `json:"body_start_octet"`
	Flags          []string       `json:"flags"`
	Headers        []headerJSON   `json:"headers,omitempty"`
	Properties     []propertyJSON `json:"properties,omitempty"`
}

func toJSON(mailbox string, m *message.Message) messageJSON {
	out := messageJSON{
		Mailbox:        mailbox,
		UID:            uint32(m.UID()),
		InternalDate:   m.InternalDate(),
		Size:           m.Size(),
		BodyStartOctet: m.BodyStartOctet(),
		Flags:          make([]string, 0, len(m.Flags())),
	}
	for _, f := range m.Flags() {
		out.Flags = append(out.Flags, string(f))
	}
	for _, hd := range m.Headers() {
		out.Headers = append(out.Headers, headerJSON{Line: hd.LineNumber, Name: hd.Name, Value: hd.Value})
	}
	for _, p := range m.Properties() {
		out.Properties = append(out.Properties, propertyJSON{
			Line: p.LineNumber, Namespace: p.Namespace, Name: p.LocalName, Value: p.Value,
		})
	}
	return out
}

func parseFlags(s string) []imap.Flag {
	var flags []imap.Flag
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		flags = append(flags, imap.Flag(f))
	}
	return flags
}

// ListMessages returns one page of message metadata in UID order
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.loadMailbox(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)

	total, err := h.db.CountMessages(r.Context(), mb.ID)
	if err != nil {
		h.logger.Error("failed to count messages", "mailbox", mb.Name, "err", err)
		http.Error(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}

	list, err := h.db.ListMessages(r.Context(), mb.ID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", "mailbox", mb.Name, "err", err)
		http.Error(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}

	out := make([]messageJSON, 0, len(list))
	for _, m := range list {
		out = append(out, toJSON(mb.Name, m))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"messages": out,
	})
}

// ImportMessage stores the raw RFC 5322 request body under a new UID.
// Optional query parameters: flags (comma separated), date (RFC 3339).
func (h *Handlers) ImportMessage(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.loadMailbox(w, r)
	if !ok {
		return
	}

	var internalDate time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid date", http.StatusBadRequest)
			return
		}
		internalDate = t
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		http.Error(w, "Failed to read message", http.StatusRequestEntityTooLarge)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}

	parsed, err := parser.Parse(raw)
	if err != nil {
		h.metrics.ObserveImport("http", err)
		http.Error(w, fmt.Sprintf("Invalid message: %v", err), http.StatusBadRequest)
		return
	}

	m, err := h.db.ImportParsed(r.Context(), mb.ID, parsed, raw, internalDate, parseFlags(r.URL.Query().Get("flags")))
	h.metrics.ObserveImport("http", err)
	if err != nil {
		h.logger.Error("failed to import message", "mailbox", mb.Name, "err", err)
		http.Error(w, "Failed to store message", http.StatusInternalServerError)
		return
	}

	h.logger.Info("message imported", "mailbox", mb.Name, "uid", m.UID(), "size", m.Size())
	h.writeJSON(w, http.StatusCreated, toJSON(mb.Name, m))
}

// GetMessage returns metadata, headers and properties of a message
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	mb, m, ok := h.loadMessage(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, toJSON(mb.Name, m))
}

// RawMessage streams the full content of a message
func (h *Handlers) RawMessage(w http.ResponseWriter, r *http.Request) {
	_, m, ok := h.loadMessage(w, r)
	if !ok {
		return
	}

	rc, err := m.FullContent(r.Context())
	h.metrics.ObserveRead(metrics.ReadFull, err)
	if err != nil {
		h.contentError(w, r, m.UID(), err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%d.eml"`, m.UID()))
	h.stream(w, r, m, metrics.ReadFull, rc)
}

// MessageBody streams the content after the header block
func (h *Handlers) MessageBody(w http.ResponseWriter, r *http.Request) {
	_, m, ok := h.loadMessage(w, r)
	if !ok {
		return
	}

	rc, err := m.BodyContent(r.Context())
	h.metrics.ObserveRead(metrics.ReadBody, err)
	if err != nil {
		h.contentError(w, r, m.UID(), err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", bodyContentType(m.Properties()))
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size()-m.BodyStartOctet(), 10))
	h.stream(w, r, m, metrics.ReadBody, rc)
}

// stream copies content to the client. Headers are already sent when a copy
// fails, so the failure can only be logged.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, m *message.Message, kind string, rc io.Reader) {
	n, err := io.Copy(w, rc)
	h.metrics.AddBytesServed(kind, n)
	if err != nil {
		h.logger.Error("content stream failed", "path", r.URL.Path, "uid", m.UID(), "written", n, "err", err)
	}
}

// bodyContentType rebuilds the Content-Type from the stored properties
func bodyContentType(props []message.Property) string {
	mediaType, ok := parser.Lookup(props, parser.NamespaceMIME, parser.PropMediaType)
	if !ok {
		return "application/octet-stream"
	}
	ct := mediaType
	if sub, ok := parser.Lookup(props, parser.NamespaceMIME, parser.PropSubType); ok {
		ct += "/" + sub
	}
	if charset, ok := parser.Lookup(props, parser.NamespaceContentType, "charset"); ok {
		ct += "; charset=" + charset
	}
	return ct
}

// CopyMessage duplicates a message into the mailbox named by ?to=
func (h *Handlers) CopyMessage(w http.ResponseWriter, r *http.Request) {
	src, m, ok := h.loadMessage(w, r)
	if !ok {
		return
	}

	to := r.URL.Query().Get("to")
	if to == "" {
		http.Error(w, "Missing destination mailbox", http.StatusBadRequest)
		return
	}
	dst, err := h.db.GetMailbox(r.Context(), to)
	if err != nil {
		h.logger.Error("failed to load mailbox", "mailbox", to, "err", err)
		http.Error(w, "Failed to load mailbox", http.StatusInternalServerError)
		return
	}
	if dst == nil {
		http.Error(w, "Destination mailbox not found", http.StatusNotFound)
		return
	}

	dup, err := h.db.CopyMessage(r.Context(), src.ID, m.UID(), dst.ID)
	if err != nil {
		if errors.Is(err, message.ErrContentRead) {
			h.logger.Error("copy could not read source content", "mailbox", src.Name, "uid", m.UID(), "err", err)
			http.Error(w, "Failed to read source message", http.StatusInternalServerError)
			return
		}
		h.contentError(w, r, m.UID(), err)
		return
	}
	h.metrics.IncCopies()

	h.logger.Info("message copied", "from", src.Name, "uid", m.UID(), "to", dst.Name, "new_uid", dup.UID())
	h.writeJSON(w, http.StatusCreated, toJSON(dst.Name, dup))
}

// SetFlags replaces the flags of a message from {"flags": [...]}
func (h *Handlers) SetFlags(w http.ResponseWriter, r *http.Request) {
	mb, m, ok := h.loadMessage(w, r)
	if !ok {
		return
	}

	var req struct {
		Flags []string `json:"flags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Expected JSON body with flags", http.StatusBadRequest)
		return
	}

	flags := make([]imap.Flag, 0, len(req.Flags))
	for _, f := range req.Flags {
		if f == "" || strings.ContainsAny(f, " \t\r\n") {
			http.Error(w, "Invalid flag", http.StatusBadRequest)
			return
		}
		flags = append(flags, imap.Flag(f))
	}

	if err := h.db.SetFlags(r.Context(), mb.ID, m.UID(), flags); err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to set flags", "mailbox", mb.Name, "uid", m.UID(), "err", err)
		http.Error(w, "Failed to set flags", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage removes a message and its content
func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	mb, ok := h.loadMailbox(w, r)
	if !ok {
		return
	}
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}

	if err := h.db.DeleteMessage(r.Context(), mb.ID, uid); err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to delete message", "mailbox", mb.Name, "uid", uid, "err", err)
		http.Error(w, "Failed to delete message", http.StatusInternalServerError)
		return
	}

	h.logger.Info("message deleted", "mailbox", mb.Name, "uid", uid)
	w.WriteHeader(http.StatusNoContent)
}
