package indexer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/metrics"
	"github.com/felo/eml-store/internal/parser"
)

const testMbox = "From alice@example.com Mon Jan  1 10:00:00 2024\n" +
	"From: Alice <alice@example.com>\n" +
	"Subject: first from mbox\n" +
	"Status: RO\n" +
	"X-Status: F\n" +
	"\n" +
	"hello from the archive\n" +
	"\n" +
	"From bob@example.com Tue Jan  2 11:00:00 2024\n" +
	"From: bob@example.com\n" +
	"Subject: second from mbox\n" +
	"\n" +
	"another body\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func setup(t *testing.T) (*db.DB, *db.Mailbox) {
	t.Helper()
	database := db.SetupTestDB(t)
	t.Cleanup(func() { db.CleanupTestDB(t, database) })
	return database, db.CreateTestMailbox(t, database, "INBOX")
}

func subjects(t *testing.T, database *db.DB, mb *db.Mailbox) map[string]*parser.ParsedMessage {
	t.Helper()
	ctx := context.Background()

	list, err := database.ListMessages(ctx, mb.ID, 100, 0)
	require.NoError(t, err)

	out := make(map[string]*parser.ParsedMessage)
	for _, listed := range list {
		m, err := database.GetMessage(ctx, mb.ID, listed.UID())
		require.NoError(t, err)
		rc, err := m.FullContent(ctx)
		require.NoError(t, err)
		parsed, _, err := parser.ParseEML(rc)
		rc.Close()
		require.NoError(t, err)
		out[parsed.Subject] = parsed
	}
	return out
}

// TestIndexAll tests importing a directory of .eml files and mbox archives
func TestIndexAll(t *testing.T) {
	database, mb := setup(t)
	ctx := context.Background()

	root := t.TempDir()
	writeTestFile(t, root, "a.eml", string(db.CreateTestRaw("eml-a", "a@test.com", "body a\r\n")))
	writeTestFile(t, root, "sub/b.eml", string(db.CreateTestRaw("eml-b", "b@test.com", "body b\r\n")))
	writeTestFile(t, root, "sub/deeper/c.eml", string(db.CreateTestRaw("eml-c", "c@test.com", "body c\r\n")))
	writeTestFile(t, root, "archive/old.mbox", testMbox)
	writeTestFile(t, root, "ignore.txt", "not mail")

	m := metrics.New(time.Now())
	idx := NewIndexer(database, root, discardLogger()).WithConcurrency(3).WithMetrics(m)

	var calls int
	result, err := idx.IndexAll(ctx, mb.ID, func(current int, key string) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalFound)
	assert.Equal(t, 5, result.NewIndexed)
	assert.Zero(t, result.Failed, "failed: %v", result.FailedFiles)
	assert.Equal(t, 5, calls)

	count, err := database.CountMessages(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	got := subjects(t, database, mb)
	assert.Contains(t, got, "eml-a")
	assert.Contains(t, got, "eml-c")
	assert.Contains(t, got, "first from mbox")
	assert.Contains(t, got, "second from mbox")

	// a second run finds nothing new
	result, err = idx.IndexAll(ctx, mb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Skipped)
	assert.Zero(t, result.NewIndexed)

	count, err = database.CountMessages(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

// TestIndexAll_MboxFlags tests that Status headers become flags
func TestIndexAll_MboxFlags(t *testing.T) {
	database, mb := setup(t)
	ctx := context.Background()

	path := writeTestFile(t, t.TempDir(), "mail.mbox", testMbox)

	result, err := NewIndexer(database, filepath.Dir(path), discardLogger()).ImportMbox(ctx, mb.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewIndexed)

	list, err := database.ListMessages(ctx, mb.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	var flagged int
	for _, m := range list {
		if m.HasFlag(imap.FlagFlagged) {
			flagged++
			assert.True(t, m.HasFlag(imap.FlagSeen))
		}
	}
	assert.Equal(t, 1, flagged)
}

// TestIndexAll_BadFile tests that unparseable files are reported and do not stop the run
func TestIndexAll_BadFile(t *testing.T) {
	database, mb := setup(t)

	root := t.TempDir()
	writeTestFile(t, root, "good.eml", string(db.CreateTestRaw("good", "a@test.com", "fine\r\n")))
	writeTestFile(t, root, "bad.eml", "this line is not a header\r\n\r\nbody\r\n")

	result, err := NewIndexer(database, root, discardLogger()).WithConcurrency(1).IndexAll(context.Background(), mb.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewIndexed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"bad.eml"}, result.FailedFiles)
}

// TestImportMbox_Missing tests importing an archive that does not exist
func TestImportMbox_Missing(t *testing.T) {
	database, mb := setup(t)

	_, err := NewIndexer(database, t.TempDir(), discardLogger()).ImportMbox(context.Background(), mb.ID, "/no/such/file.mbox")
	assert.Error(t, err)
}

// TestExportMbox tests that an exported mailbox can be imported again
func TestExportMbox(t *testing.T) {
	database, mb := setup(t)
	ctx := context.Background()

	db.ImportTestMessages(t, database, mb, "first body\r\n", "second body\r\n", "third body\r\n")

	var buf bytes.Buffer
	n, err := ExportMbox(ctx, database, mb.ID, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, buf.String(), "From sender@test.com ")

	path := writeTestFile(t, t.TempDir(), "export.mbox", buf.String())
	restored := db.CreateTestMailbox(t, database, "Restored")

	result, err := NewIndexer(database, filepath.Dir(path), discardLogger()).ImportMbox(ctx, restored.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewIndexed)

	got := subjects(t, database, restored)
	assert.Contains(t, got, "msg-0")
	assert.Contains(t, got, "msg-2")
}

func TestStatusFlags(t *testing.T) {
	parsed, err := parser.Parse([]byte("Status: RO\r\nX-Status: ADFT\r\n\r\n"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []imap.Flag{
		imap.FlagSeen, imap.FlagAnswered, imap.FlagDeleted, imap.FlagFlagged, imap.FlagDraft,
	}, statusFlags(parsed))

	parsed, err = parser.Parse([]byte("Subject: none\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, statusFlags(parsed))
}

func TestEnvelopeSender(t *testing.T) {
	parsed, err := parser.Parse([]byte("From: \"Alice\" <alice@example.com>\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", envelopeSender(parsed.Headers))

	assert.Equal(t, "MAILER-DAEMON", envelopeSender(nil))
}
