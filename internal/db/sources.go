package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/message"
)

// sourceChunkSize keeps IN lists under SQLite's variable limit (default 999)
const sourceChunkSize = 500

// SourcesImported checks which paths were already imported.
// Returns a map of paths to their import status.
func (db *DB) SourcesImported(ctx context.Context, paths []string) (map[string]bool, error) {
	result := make(map[string]bool, len(paths))

	for i := 0; i < len(paths); i += sourceChunkSize {
		end := min(i+sourceChunkSize, len(paths))
		if err := db.checkSourcesChunk(ctx, paths[i:end], result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (db *DB) checkSourcesChunk(ctx context.Context, paths []string, result map[string]bool) error {
	if len(paths) == 0 {
		return nil
	}

	query := "SELECT path FROM sources WHERE path IN (?" + strings.Repeat(",?", len(paths)-1) + ")"

	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
		result[p] = false
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to check imported sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return fmt.Errorf("failed to scan source path: %w", err)
		}
		result[path] = true
	}

	return rows.Err()
}

// MarkSourceImported records that path was stored as uid in mailbox
func (db *DB) MarkSourceImported(ctx context.Context, path string, mailboxID message.MailboxID, uid imap.UID) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sources (path, mailbox_id, uid) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET mailbox_id = excluded.mailbox_id, uid = excluded.uid
	`, path, int64(mailboxID), int64(uid))
	if err != nil {
		return fmt.Errorf("failed to record source %s: %w", path, err)
	}
	return nil
}
