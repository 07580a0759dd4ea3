// Package boltstore keeps message content in a bbolt file, split into
// fixed-size chunks so readers never hold more than one chunk in memory.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"
	bbolt "go.etcd.io/bbolt"

	"github.com/felo/eml-store/internal/message"
)

// DefaultChunkSize is the size of every stored chunk but the last
const DefaultChunkSize = 32 * 1024

var (
	bucketChunks = []byte("chunks")
	bucketSizes  = []byte("sizes")
)

var (
	ErrContentNotFound = errors.New("boltstore: content not found")
	errReaderClosed    = errors.New("boltstore: read on closed reader")
)

// Store is a content backend over a bbolt database.
type Store struct {
	bolt      *bbolt.DB
	chunkSize int
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string, chunkSize int) (*Store, error) {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketSizes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db, chunkSize: chunkSize}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	return s.bolt.Path()
}

// chunkKey is the ref followed by the 8-byte big-endian chunk index, so the
// chunks of one ref sort together and in order.
func chunkKey(ref message.ContentRef, index int64) []byte {
	key := make([]byte, len(ref)+8)
	copy(key, ref)
	binary.BigEndian.PutUint64(key[len(ref):], uint64(index))
	return key
}

// Put stores r in a single transaction, one chunk at a time.
func (s *Store) Put(ctx context.Context, r io.Reader) (message.ContentRef, int64, error) {
	ref := message.ContentRef(ulid.Make().String())
	var total int64

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		for index := int64(0); ; index++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			// bbolt keeps the value slice until commit, so every chunk gets its own buffer
			buf := make([]byte, s.chunkSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if err := chunks.Put(chunkKey(ref, index), buf[:n]); err != nil {
					return err
				}
				total += int64(n)
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
		}

		// size, then the chunk size used to split it
		meta := make([]byte, 16)
		binary.BigEndian.PutUint64(meta, uint64(total))
		binary.BigEndian.PutUint64(meta[8:], uint64(s.chunkSize))
		return tx.Bucket(bucketSizes).Put([]byte(ref), meta)
	})
	if err != nil {
		return "", 0, fmt.Errorf("boltstore: put: %w", err)
	}

	return ref, total, nil
}

// Fetch returns a reader positioned at the first byte of the content.
func (s *Store) Fetch(ctx context.Context, ref message.ContentRef) (io.ReadCloser, error) {
	r := &chunkReader{bolt: s.bolt, ref: ref}
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSizes).Get([]byte(ref))
		if len(v) != 16 {
			return fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		r.size = int64(binary.BigEndian.Uint64(v))
		r.chunk = int64(binary.BigEndian.Uint64(v[8:]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Delete removes the content and all its chunks.
func (s *Store) Delete(ctx context.Context, ref message.ContentRef) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		sizes := tx.Bucket(bucketSizes)
		if sizes.Get([]byte(ref)) == nil {
			return fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		if err := sizes.Delete([]byte(ref)); err != nil {
			return err
		}

		prefix := []byte(ref)
		c := tx.Bucket(bucketChunks).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// chunkReader loads one chunk per read transaction. Skip advances to the end
// of the current chunk at most.
type chunkReader struct {
	bolt   *bbolt.DB
	ref    message.ContentRef
	size   int64
	chunk  int64
	pos    int64 // logical offset of the next byte returned
	buf    []byte
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.buf) == 0 {
		if r.pos >= r.size {
			return 0, io.EOF
		}
		if err := r.load(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.pos += int64(n)
	return n, nil
}

// load buffers the rest of the chunk containing pos.
func (r *chunkReader) load() error {
	index := r.pos / r.chunk

	return r.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(chunkKey(r.ref, index))
		within := r.pos - index*r.chunk
		if v == nil || int64(len(v)) <= within {
			return fmt.Errorf("boltstore: %s chunk %d missing: %w", r.ref, index, io.ErrUnexpectedEOF)
		}
		// v is only valid inside the transaction
		r.buf = bytes.Clone(v[within:])
		return nil
	})
}

func (r *chunkReader) Skip(n int64) (int64, error) {
	if r.closed {
		return 0, errReaderClosed
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}

	var k int64
	if len(r.buf) > 0 {
		k = min(n, int64(len(r.buf)))
		r.buf = r.buf[k:]
	} else {
		k = min(n, r.chunk-r.pos%r.chunk, r.size-r.pos)
	}
	r.pos += k
	return k, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}
