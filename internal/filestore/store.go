// Package filestore keeps each message's content in its own file under a
// root directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/felo/eml-store/internal/message"
)

var (
	ErrPathTraversal   = errors.New("path traversal attempt detected")
	ErrContentNotFound = errors.New("filestore: content not found")
)

// Store is a content backend over plain files. A ref is the file's path
// relative to the root.
type Store struct {
	root string
}

// New creates the root directory if needed
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute content directory
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a ref to a path inside the root, rejecting refs that would
// escape it.
func (s *Store) Resolve(ref message.ContentRef) (string, error) {
	rel := string(ref)
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}

	path := filepath.Join(s.root, filepath.Clean(rel))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return path, nil
}

// Put writes r to a temporary file and renames it into place, so a ref
// never names a partial file.
func (s *Store) Put(ctx context.Context, r io.Reader) (message.ContentRef, int64, error) {
	id := ulid.Make().String()
	// spread files over subdirectories by the last characters of the ULID
	ref := message.ContentRef(filepath.Join(id[len(id)-2:], id+".eml"))

	path, err := s.Resolve(ref)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create content directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create content file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close content file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("failed to store content file: %w", err)
	}

	return ref, n, nil
}

// Fetch opens the content file
func (s *Store) Fetch(ctx context.Context, ref message.ContentRef) (io.ReadCloser, error) {
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open content: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat content: %w", err)
	}

	return &fileReader{File: f, size: info.Size()}, nil
}

// Delete removes the content file
func (s *Store) Delete(ctx context.Context, ref message.ContentRef) error {
	path, err := s.Resolve(ref)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// fileReader skips by seeking, bounded by the size seen when it was opened.
type fileReader struct {
	*os.File
	size int64
	pos  int64
}

func (r *fileReader) Read(p []byte) (int, error) {
	n, err := r.File.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *fileReader) Skip(n int64) (int64, error) {
	remaining := r.size - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}

	k := min(n, remaining)
	if _, err := r.File.Seek(k, io.SeekCurrent); err != nil {
		return 0, err
	}
	r.pos += k
	return k, nil
}
