package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"

	"github.com/felo/eml-store/internal/message"
)

// DefaultChunkSize is how many bytes a blob reader fetches per query
const DefaultChunkSize = 64 * 1024

var (
	ErrContentNotFound = errors.New("content not found")
	errReaderClosed    = errors.New("read on closed content reader")
)

// BlobStore keeps message content in the contents table and reads it back
// lazily, one chunk per query.
type BlobStore struct {
	db        *sql.DB
	chunkSize int
}

// NewBlobStore creates a blob store over an initialized database
func NewBlobStore(sqlDB *sql.DB, chunkSize int) *BlobStore {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &BlobStore{db: sqlDB, chunkSize: chunkSize}
}

// WithChunkSize returns a store sharing the same table with a different chunk size
func (s *BlobStore) WithChunkSize(chunkSize int) *BlobStore {
	return NewBlobStore(s.db, chunkSize)
}

// Put stores the bytes of r under a new reference
func (s *BlobStore) Put(ctx context.Context, r io.Reader) (message.ContentRef, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read content: %w", err)
	}

	ref := message.ContentRef(ulid.Make().String())
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO contents (ref, data, size) VALUES (?, ?, ?)",
		string(ref), data, len(data),
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to insert content: %w", err)
	}

	return ref, int64(len(data)), nil
}

// Fetch returns a reader that pulls the content chunk by chunk
func (s *BlobStore) Fetch(ctx context.Context, ref message.ContentRef) (io.ReadCloser, error) {
	// the stored length, not the declared size, bounds reads and skips
	var size int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(length(data), 0) FROM contents WHERE ref = ?", string(ref),
	).Scan(&size)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up content: %w", err)
	}

	return &blobReader{
		ctx:   ctx,
		db:    s.db,
		ref:   ref,
		size:  size,
		chunk: s.chunkSize,
	}, nil
}

// Delete removes stored content
func (s *BlobStore) Delete(ctx context.Context, ref message.ContentRef) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM contents WHERE ref = ?", string(ref))
	if err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	return nil
}

// blobReader reads one content row. Skip never crosses a chunk boundary, so
// callers see partial advances.
type blobReader struct {
	ctx    context.Context
	db     *sql.DB
	ref    message.ContentRef
	size   int64
	off    int64 // offset of the next chunk to fetch
	buf    []byte
	chunk  int
	closed bool
}

func (b *blobReader) Read(p []byte) (int, error) {
	if b.closed {
		return 0, errReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.buf) == 0 {
		if b.off >= b.size {
			return 0, io.EOF
		}
		if err := b.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// fill fetches the next chunk. substr() on a BLOB counts bytes from 1.
func (b *blobReader) fill() error {
	var chunk []byte
	err := b.db.QueryRowContext(b.ctx,
		"SELECT substr(data, ?, ?) FROM contents WHERE ref = ?",
		b.off+1, b.chunk, string(b.ref),
	).Scan(&chunk)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s removed while reading", ErrContentNotFound, b.ref)
	}
	if err != nil {
		return fmt.Errorf("failed to read content chunk at %d: %w", b.off, err)
	}
	if len(chunk) == 0 {
		return fmt.Errorf("content %s ended at %d of %d bytes: %w", b.ref, b.off, b.size, io.ErrUnexpectedEOF)
	}

	b.off += int64(len(chunk))
	b.buf = chunk
	return nil
}

// Skip drops buffered bytes first; otherwise it moves the fetch offset
// forward by at most one chunk without querying.
func (b *blobReader) Skip(n int64) (int64, error) {
	if b.closed {
		return 0, errReaderClosed
	}
	if len(b.buf) > 0 {
		k := min(n, int64(len(b.buf)))
		b.buf = b.buf[k:]
		return k, nil
	}

	remaining := b.size - b.off
	if remaining <= 0 {
		return 0, io.EOF
	}

	k := min(n, remaining, int64(b.chunk))
	b.off += k
	return k, nil
}

func (b *blobReader) Close() error {
	b.closed = true
	b.buf = nil
	return nil
}
