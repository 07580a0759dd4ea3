package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats holds database statistics
type Stats struct {
	Mailboxes    int       `json:"mailboxes"`
	Messages     int       `json:"messages"`
	TotalSize    int64     `json:"total_size"`
	LastImported time.Time `json:"last_imported"`
}

// GetStats returns current database statistics
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailboxes").Scan(&stats.Mailboxes)
	if err != nil {
		return nil, fmt.Errorf("failed to count mailboxes: %w", err)
	}

	err = db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages").
		Scan(&stats.Messages, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	var last sql.NullString
	err = db.QueryRowContext(ctx, "SELECT MAX(stored_at) FROM messages").Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get last import time: %w", err)
	}
	if last.Valid {
		// If all formats fail, leave LastImported as zero time
		stats.LastImported, _ = parseTime(last.String)
	}

	return stats, nil
}
