package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/felo/eml-store/internal/scanner"
)

// readMbox opens an archive and sends its messages to jobs
func (idx *Indexer) readMbox(ctx context.Context, path, keyPrefix string, jobs chan<- job) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	return idx.streamMbox(ctx, f, keyPrefix, jobs)
}

// streamMbox reads messages one at a time, keyed keyPrefix#index.
func (idx *Indexer) streamMbox(ctx context.Context, r io.Reader, keyPrefix string, jobs chan<- job) error {
	reader := mboxlib.NewReader(r)

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", i, err)
		}

		key := fmt.Sprintf("%s#%d", keyPrefix, i)
		done, err := idx.db.SourcesImported(ctx, []string{key})
		if err != nil {
			return err
		}

		select {
		case jobs <- job{key: key, kind: scanner.KindMbox, raw: raw, skip: done[key]}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
