package indexer_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felo/eml-store/internal/boltstore"
	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/filestore"
	"github.com/felo/eml-store/internal/indexer"
)

type backendCase struct {
	name  string
	setup func(t *testing.T, database *db.DB)
}

var backends = []backendCase{
	{"sqlite", func(t *testing.T, database *db.DB) {
		database.SetContentBackend(database.Blobs().WithChunkSize(7))
	}},
	{"bolt", func(t *testing.T, database *db.DB) {
		store, err := boltstore.Open(filepath.Join(t.TempDir(), "content.bolt"), 7)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		database.SetContentBackend(store)
	}},
	{"files", func(t *testing.T, database *db.DB) {
		store, err := filestore.New(filepath.Join(t.TempDir(), "content"))
		require.NoError(t, err)
		database.SetContentBackend(store)
	}},
}

// reader returns a helper that drains a content stream or fails the test
func reader(t *testing.T) func(io.ReadCloser, error) string {
	return func(rc io.ReadCloser, err error) string {
		t.Helper()
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(b)
	}
}

// TestEndToEndWorkflow tests index, read, copy, delete and export on every content backend
func TestEndToEndWorkflow(t *testing.T) {
	bodies := []string{
		"This is the first test email.\r\n",
		"This is the second test email.\r\nIt has two lines.\r\n",
		"",
	}

	emailsDir := t.TempDir()
	for i, body := range bodies {
		raw := db.CreateTestRaw(fmt.Sprintf("email-%d", i), "sender@test.com", body)
		require.NoError(t, os.WriteFile(filepath.Join(emailsDir, fmt.Sprintf("email%d.eml", i)), raw, 0644))
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			readAll := reader(t)
			database := db.SetupTestDB(t)
			defer db.CleanupTestDB(t, database)
			backend.setup(t, database)

			inbox := db.CreateTestMailbox(t, database, "INBOX")
			archive := db.CreateTestMailbox(t, database, "Archive")

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			result, err := indexer.NewIndexer(database, emailsDir, logger).IndexAll(ctx, inbox.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, len(bodies), result.NewIndexed)
			assert.Equal(t, 0, result.Failed)

			list, err := database.ListMessages(ctx, inbox.ID, 10, 0)
			require.NoError(t, err)
			require.Len(t, list, len(bodies))

			got := make(map[string]bool)
			for _, listed := range list {
				m, err := database.GetMessage(ctx, inbox.ID, listed.UID())
				require.NoError(t, err)

				body := readAll(m.BodyContent(ctx))
				full := readAll(m.FullContent(ctx))
				assert.Equal(t, m.Size(), int64(len(full)))
				assert.Equal(t, full[m.BodyStartOctet():], body)
				got[body] = true
			}
			for _, body := range bodies {
				assert.True(t, got[body], "missing body %q", body)
			}

			src := list[1].UID()
			srcMsg, err := database.GetMessage(ctx, inbox.ID, src)
			require.NoError(t, err)
			want := readAll(srcMsg.FullContent(ctx))

			dup, err := database.CopyMessage(ctx, inbox.ID, src, archive.ID)
			require.NoError(t, err)
			require.NoError(t, database.DeleteMessage(ctx, inbox.ID, src))

			copied, err := database.GetMessage(ctx, archive.ID, dup.UID())
			require.NoError(t, err)
			assert.Equal(t, want, readAll(copied.FullContent(ctx)))

			var out bytes.Buffer
			n, err := indexer.ExportMbox(ctx, database, inbox.ID, &out)
			require.NoError(t, err)
			assert.Equal(t, len(bodies)-1, n)
		})
	}
}

// TestWorkflow_ErrorRecovery tests that a corrupted file does not stop the others
func TestWorkflow_ErrorRecovery(t *testing.T) {
	emailsDir := t.TempDir()
	valid := db.CreateTestRaw("valid", "sender@test.com", "This is a valid email.\r\n")
	require.NoError(t, os.WriteFile(filepath.Join(emailsDir, "valid.eml"), valid, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(emailsDir, "corrupted.eml"), []byte("this line is not a header\r\n\r\nbody\r\n"), 0644))

	database := db.SetupTestDB(t)
	defer db.CleanupTestDB(t, database)
	inbox := db.CreateTestMailbox(t, database, "INBOX")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := indexer.NewIndexer(database, emailsDir, logger).IndexAll(context.Background(), inbox.ID, nil)
	require.NoError(t, err, "Indexer should handle errors gracefully")
	assert.Equal(t, 1, result.NewIndexed)
	assert.Equal(t, 1, result.Failed)

	count, err := database.CountMessages(context.Background(), inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
