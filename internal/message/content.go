package message

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
)

// ContentRef identifies message content inside a ContentStore.
type ContentRef string

// ContentStore supplies message content on demand.
//
// Every Fetch must return a fresh, independent cursor positioned at offset 0,
// so that concurrent or repeated reads of the same message do not contend
// over one position. Implementations may fetch lazily. The caller closes the
// returned stream.
type ContentStore interface {
	Fetch(ctx context.Context, ref ContentRef) (io.ReadCloser, error)
}

// Content is the source a Message reads its full content from.
type Content interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Stored returns content fetched from store on every open.
func Stored(store ContentStore, ref ContentRef) Content {
	return &storedContent{store: store, ref: ref}
}

type storedContent struct {
	store ContentStore
	ref   ContentRef
}

func (c *storedContent) Open(ctx context.Context) (io.ReadCloser, error) {
	return c.store.Fetch(ctx, c.ref)
}

// Stream returns one-shot content backed by r. The first Open hands r to the
// caller; any later Open fails with ErrContentConsumed.
func Stream(r io.Reader) Content {
	return &streamContent{r: r}
}

type streamContent struct {
	r        io.Reader
	consumed atomic.Bool
}

func (c *streamContent) Open(context.Context) (io.ReadCloser, error) {
	if c.consumed.Swap(true) {
		return nil, ErrContentConsumed
	}
	if rc, ok := c.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(c.r), nil
}

// Bytes returns content backed by an owned buffer. Each Open yields a new
// reader over the same bytes.
func Bytes(b []byte) Content {
	return bytesContent(b)
}

type bytesContent []byte

func (c bytesContent) Open(context.Context) (io.ReadCloser, error) {
	return &bytesStream{Reader: bytes.NewReader(c)}, nil
}

// bytesStream skips by moving the read position instead of copying.
type bytesStream struct {
	*bytes.Reader
}

func (b *bytesStream) Skip(n int64) (int64, error) {
	left := int64(b.Len())
	if left == 0 {
		return 0, io.EOF
	}
	if n > left {
		n = left
	}
	if _, err := b.Seek(n, io.SeekCurrent); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *bytesStream) Close() error { return nil }
