package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/felo/eml-store/internal/indexer"
)

// ScanProgress holds the state of the background scan
type ScanProgress struct {
	mu          sync.RWMutex
	isScanning  bool
	current     int
	currentFile string
	result      *indexer.IndexResult
	err         error
	lastUpdate  time.Time
	done        chan struct{}
}

type scanStatusJSON struct {
	Scanning    bool      `json:"scanning"`
	Current     int       `json:"current"`
	CurrentFile string    `json:"current_file,omitempty"`
	Found       int       `json:"found"`
	New         int       `json:"new"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

func (sp *ScanProgress) snapshot() scanStatusJSON {
	sp.mu.RLock()
	defer sp.mu.RUnlock()

	s := scanStatusJSON{
		Scanning:    sp.isScanning,
		Current:     sp.current,
		CurrentFile: sp.currentFile,
		LastUpdate:  sp.lastUpdate,
	}
	if sp.result != nil {
		s.Found = sp.result.TotalFound
		s.New = sp.result.NewIndexed
		s.Skipped = sp.result.Skipped
		s.Failed = sp.result.Failed
	}
	if sp.err != nil {
		s.Error = sp.err.Error()
	}
	return s
}

// Scan starts importing the emails path into the default mailbox
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	sp := h.scan
	sp.mu.Lock()
	if sp.isScanning {
		sp.mu.Unlock()
		http.Error(w, "Scan already in progress", http.StatusConflict)
		return
	}

	// Reset progress state
	sp.isScanning = true
	sp.current = 0
	sp.currentFile = ""
	sp.result = nil
	sp.err = nil
	sp.lastUpdate = time.Now()
	sp.done = make(chan struct{})
	done := sp.done
	sp.mu.Unlock()

	// the scan outlives the request
	go func() {
		defer close(done)
		ctx := context.Background()

		result, err := h.runScan(ctx, func(current int, key string) {
			sp.mu.Lock()
			sp.current = current
			sp.currentFile = key
			sp.lastUpdate = time.Now()
			sp.mu.Unlock()
		})

		sp.mu.Lock()
		sp.isScanning = false
		sp.result = result
		sp.err = err
		sp.lastUpdate = time.Now()
		sp.mu.Unlock()

		if err != nil {
			h.logger.Error("scan failed", "path", h.cfg.EmailsPath, "err", err)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, sp.snapshot())
}

func (h *Handlers) runScan(ctx context.Context, progress func(int, string)) (*indexer.IndexResult, error) {
	mb, err := h.db.EnsureMailbox(ctx, h.cfg.Mailbox, "")
	if err != nil {
		return nil, err
	}

	idx := indexer.NewIndexer(h.db, h.cfg.EmailsPath, h.logger).WithMetrics(h.metrics)
	if h.cfg.Index.Workers > 0 {
		idx = idx.WithConcurrency(h.cfg.Index.Workers)
	}
	return idx.IndexAll(ctx, mb.ID, progress)
}

// ScanStatus reports the progress of the current or last scan
func (h *Handlers) ScanStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scan.snapshot())
}

// Wait blocks until the running scan, if any, finishes
func (sp *ScanProgress) Wait() {
	sp.mu.RLock()
	done := sp.done
	sp.mu.RUnlock()
	if done != nil {
		<-done
	}
}
