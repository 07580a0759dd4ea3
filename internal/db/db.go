package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/felo/eml-store/internal/message"
)

// ContentBackend stores message content. Fetch must return an independent
// cursor on every call.
type ContentBackend interface {
	message.ContentStore
	Put(ctx context.Context, r io.Reader) (message.ContentRef, int64, error)
	Delete(ctx context.Context, ref message.ContentRef) error
}

// ErrBackendMismatch is returned when the configured content backend is not
// the one existing messages were stored in.
var ErrBackendMismatch = errors.New("content backend mismatch")

const contentBackendSetting = "content_backend"

type DB struct {
	*sql.DB
	blobs   *BlobStore
	content ContentBackend
}

// Open opens a connection to the SQLite database and initializes the schema
func Open(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The _time_format=sqlite parameter tells the driver to write timestamps
	// in a format it can parse back
	dsn := dbPath + "?_time_format=sqlite&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	sqlDB.SetMaxOpenConns(1) // SQLite works best with single connection
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB}
	db.blobs = NewBlobStore(sqlDB, DefaultChunkSize)
	db.content = db.blobs

	// Initialize schema
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates all tables and indexes
func (db *DB) initSchema() error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Blobs returns the SQLite content store that lives in this database
func (db *DB) Blobs() *BlobStore {
	return db.blobs
}

// SetContentBackend switches where message content is written and read.
// Must be called before any message is stored.
func (db *DB) SetContentBackend(backend ContentBackend) {
	db.content = backend
}

// ContentBackend returns the active content backend
func (db *DB) ContentBackend() ContentBackend {
	return db.content
}

// BindContentBackend records name as the backend holding message content.
// Once messages exist, a different name fails with ErrBackendMismatch since
// their content refs only resolve in the backend that wrote them.
func (db *DB) BindContentBackend(ctx context.Context, name string) error {
	bound, err := db.GetSetting(contentBackendSetting)
	if err != nil {
		return err
	}
	if bound == name {
		return nil
	}

	if bound != "" {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %d messages are stored in %q, configured backend is %q",
				ErrBackendMismatch, count, bound, name)
		}
	}

	return db.SetSetting(contentBackendSetting, name)
}

// GetSetting retrieves a setting value by key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting sets or updates a setting
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = CURRENT_TIMESTAMP
	`, key, value, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
