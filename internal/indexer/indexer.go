package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/message"
	"github.com/felo/eml-store/internal/metrics"
	"github.com/felo/eml-store/internal/parser"
	"github.com/felo/eml-store/internal/scanner"
)

// Indexer imports .eml files and mbox archives into a mailbox
type Indexer struct {
	db          *db.DB
	scanner     *scanner.Scanner
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int // Number of concurrent workers
}

// NewIndexer creates a new indexer
func NewIndexer(database *db.DB, emailsPath string, logger *slog.Logger) *Indexer {
	return &Indexer{
		db:          database,
		scanner:     scanner.NewScanner(emailsPath),
		logger:      logger,
		concurrency: runtime.NumCPU() * 2, // 2x CPUs, parsing overlaps file I/O
	}
}

// WithConcurrency sets the number of concurrent workers
func (idx *Indexer) WithConcurrency(workers int) *Indexer {
	if workers < 1 {
		workers = 1
	}
	idx.concurrency = workers
	return idx
}

// WithMetrics counts imports on m
func (idx *Indexer) WithMetrics(m *metrics.Metrics) *Indexer {
	idx.metrics = m
	return idx
}

// IndexResult contains statistics about an indexing operation
type IndexResult struct {
	TotalFound  int
	NewIndexed  int
	Skipped     int
	Failed      int
	FailedFiles []string
}

type indexStatus int

const (
	statusIndexed indexStatus = iota
	statusSkipped
	statusFailed
)

// job is one message to import. Either raw is set (mbox) or path is read by
// the worker (eml). Already imported messages are sent with skip set so they
// show up in the result.
type job struct {
	key  string // sources table key
	kind scanner.Kind
	path string
	raw  []byte
	skip bool
}

type indexResult struct {
	key    string
	status indexStatus
}

// IndexAll scans the emails path and imports every new message into mailbox
// using a worker pool. Progress is reported after each message if progress
// is not nil.
func (idx *Indexer) IndexAll(ctx context.Context, mailbox message.MailboxID, progress func(current int, key string)) (*IndexResult, error) {
	sources, err := idx.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for files: %w", err)
	}

	var emlKeys []string
	for _, src := range sources {
		if src.Kind == scanner.KindEML {
			emlKeys = append(emlKeys, src.Path)
		}
	}
	imported, err := idx.db.SourcesImported(ctx, emlKeys)
	if err != nil {
		return nil, err
	}

	idx.logger.Info("scan complete", "sources", len(sources), "workers", idx.concurrency)

	jobs := make(chan job)
	go func() {
		defer close(jobs)
		for _, src := range sources {
			path, err := idx.scanner.Resolve(src)
			if err != nil {
				idx.logger.Error("resolve source", "path", src.Path, "err", err)
				continue
			}

			if src.Kind == scanner.KindMbox {
				if err := idx.readMbox(ctx, path, src.Path, jobs); err != nil {
					idx.logger.Error("read mbox", "path", src.Path, "err", err)
				}
				continue
			}

			j := job{key: src.Path, kind: scanner.KindEML, path: path, skip: imported[src.Path]}
			select {
			case jobs <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	return idx.run(ctx, mailbox, jobs, progress)
}

// ImportMbox imports every new message of one mbox archive into mailbox
func (idx *Indexer) ImportMbox(ctx context.Context, mailbox message.MailboxID, path string) (*IndexResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	jobs := make(chan job)
	var readErr error
	go func() {
		defer close(jobs)
		readErr = idx.streamMbox(ctx, f, path, jobs)
	}()

	result, err := idx.run(ctx, mailbox, jobs, nil)
	if err != nil {
		return nil, err
	}
	// jobs is closed only after readMbox returned
	if readErr != nil {
		return result, readErr
	}
	return result, nil
}

// run fans jobs out to the workers and collects their results
func (idx *Indexer) run(ctx context.Context, mailbox message.MailboxID, jobs <-chan job, progress func(current int, key string)) (*IndexResult, error) {
	results := make(chan indexResult)

	var wg sync.WaitGroup
	for i := 0; i < idx.concurrency; i++ {
		wg.Add(1)
		go idx.indexWorker(ctx, &wg, mailbox, jobs, results)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	result := &IndexResult{FailedFiles: make([]string, 0)}
	for res := range results {
		result.TotalFound++
		if progress != nil {
			progress(result.TotalFound, res.key)
		}

		switch res.status {
		case statusIndexed:
			result.NewIndexed++
		case statusSkipped:
			result.Skipped++
		case statusFailed:
			result.Failed++
			result.FailedFiles = append(result.FailedFiles, res.key)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	idx.logger.Info("indexing complete",
		"new", result.NewIndexed, "skipped", result.Skipped, "failed", result.Failed)

	return result, nil
}

// indexWorker processes jobs until the channel is closed
func (idx *Indexer) indexWorker(ctx context.Context, wg *sync.WaitGroup, mailbox message.MailboxID, jobs <-chan job, results chan<- indexResult) {
	defer wg.Done()

	for j := range jobs {
		status := idx.process(ctx, mailbox, j)
		results <- indexResult{key: j.key, status: status}
	}
}

// process imports a single message and returns its status
func (idx *Indexer) process(ctx context.Context, mailbox message.MailboxID, j job) indexStatus {
	if j.skip {
		return statusSkipped
	}

	raw := j.raw
	if j.kind == scanner.KindEML {
		var err error
		raw, err = os.ReadFile(j.path)
		if err != nil {
			idx.logger.Error("read message", "source", j.key, "err", err)
			return statusFailed
		}
	}

	m, err := idx.importRaw(ctx, mailbox, raw)
	if idx.metrics != nil {
		idx.metrics.ObserveImport(j.kind.String(), err)
	}
	if err != nil {
		idx.logger.Error("import message", "source", j.key, "err", err)
		return statusFailed
	}

	if err := idx.db.MarkSourceImported(ctx, j.key, mailbox, m.UID()); err != nil {
		idx.logger.Error("record source", "source", j.key, "err", err)
		return statusFailed
	}

	idx.logger.Debug("imported", "source", j.key, "uid", m.UID(), "size", m.Size())
	return statusIndexed
}

func (idx *Indexer) importRaw(ctx context.Context, mailbox message.MailboxID, raw []byte) (*message.Message, error) {
	parsed, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	return idx.db.ImportParsed(ctx, mailbox, parsed, raw, time.Time{}, statusFlags(parsed))
}

// statusFlags maps the Status and X-Status headers that mbox writers add
// to IMAP flags.
func statusFlags(parsed *parser.ParsedMessage) []imap.Flag {
	var flags []imap.Flag
	for _, h := range parsed.Headers {
		switch {
		case strings.EqualFold(h.Name, "Status"):
			for _, c := range h.Value {
				if c == 'R' {
					flags = appendFlag(flags, imap.FlagSeen)
				}
			}
		case strings.EqualFold(h.Name, "X-Status"):
			for _, c := range h.Value {
				switch c {
				case 'A':
					flags = appendFlag(flags, imap.FlagAnswered)
				case 'F':
					flags = appendFlag(flags, imap.FlagFlagged)
				case 'D':
					flags = appendFlag(flags, imap.FlagDeleted)
				case 'T':
					flags = appendFlag(flags, imap.FlagDraft)
				}
			}
		}
	}
	return flags
}

func appendFlag(flags []imap.Flag, flag imap.Flag) []imap.Flag {
	if slices.Contains(flags, flag) {
		return flags
	}
	return append(flags, flag)
}
