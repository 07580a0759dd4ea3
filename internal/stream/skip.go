package stream

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxStalls is the number of consecutive zero-progress skip requests
// tolerated before the underlying stream is treated as truncated.
const DefaultMaxStalls = 8

// discardBufferSize caps the scratch buffer used to skip plain readers
const discardBufferSize = 32 * 1024

var (
	// ErrTruncated reports that the stream ended before the requested number
	// of bytes could be skipped.
	ErrTruncated = errors.New("stream truncated before skip offset")

	ErrNegativeSkip = errors.New("negative skip count")
	errBadSkip      = errors.New("skipper reported an invalid advance")
)

// Skipper is implemented by streams that can advance without copying data.
//
// Skip advances by at most n bytes and returns the number of bytes actually
// skipped. A result of (0, nil) means no progress was possible at the moment
// and the caller may retry. io.EOF reports the true end of the data and may
// accompany a partial advance.
type Skipper interface {
	Skip(n int64) (int64, error)
}

// Option configures a Reader.
type Option func(*options)

type options struct {
	maxStalls int
}

// WithMaxStalls overrides DefaultMaxStalls. Values below zero are treated as zero.
func WithMaxStalls(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxStalls = n
	}
}

// Reader yields the bytes of an underlying stream that follow a fixed offset.
// It is forward-only; Close closes the underlying stream.
type Reader struct {
	rc     io.ReadCloser
	offset int64
}

// NewReader skips the first n bytes of rc and returns a Reader positioned at
// offset n. The skip runs before NewReader returns, so a stream shorter than n
// is reported here as ErrTruncated. Ownership of rc passes to the Reader; rc is
// closed if the skip fails.
func NewReader(rc io.ReadCloser, n int64, opts ...Option) (*Reader, error) {
	if n < 0 {
		rc.Close()
		return nil, fmt.Errorf("%w: %d", ErrNegativeSkip, n)
	}

	o := options{maxStalls: DefaultMaxStalls}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := SkipFull(rc, n, o.maxStalls); err != nil {
		rc.Close()
		return nil, err
	}

	return &Reader{rc: rc, offset: n}, nil
}

// Read reads from the underlying stream.
func (r *Reader) Read(p []byte) (int, error) {
	return r.rc.Read(p)
}

// Close closes the underlying stream.
func (r *Reader) Close() error {
	return r.rc.Close()
}

// Offset returns the number of bytes skipped before the first Read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// SkipFull advances r by exactly n bytes, looping over partial advances.
// Readers that do not implement Skipper are advanced by reading and
// discarding. It returns the number of bytes skipped, which is n on success.
func SkipFull(r io.Reader, n int64, maxStalls int) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	s, ok := r.(Skipper)
	if !ok {
		s = &discardSkipper{r: r}
	}

	var skipped int64
	stalls := 0
	for skipped < n {
		remaining := n - skipped
		k, err := s.Skip(remaining)
		if k < 0 || k > remaining {
			return skipped, fmt.Errorf("%w: %d of %d requested", errBadSkip, k, remaining)
		}
		skipped += k

		if skipped == n {
			// io.EOF here only means the body is empty
			return skipped, nil
		}
		if errors.Is(err, io.EOF) {
			return skipped, fmt.Errorf("%w: skipped %d of %d bytes", ErrTruncated, skipped, n)
		}
		if err != nil {
			return skipped, fmt.Errorf("skip at offset %d: %w", skipped, err)
		}

		if k == 0 {
			stalls++
			if stalls > maxStalls {
				return skipped, fmt.Errorf("%w: no progress after %d attempts at offset %d of %d",
					ErrTruncated, stalls, skipped, n)
			}
			continue
		}
		stalls = 0
	}

	return skipped, nil
}

// discardSkipper adapts a plain reader. Each Skip issues a single Read so that
// a Read returning (0, nil) surfaces as a stall instead of spinning.
type discardSkipper struct {
	r   io.Reader
	buf []byte
}

func (d *discardSkipper) Skip(n int64) (int64, error) {
	if d.buf == nil {
		size := int64(discardBufferSize)
		if n < size {
			size = n
		}
		d.buf = make([]byte, size)
	}

	chunk := d.buf
	if n < int64(len(chunk)) {
		chunk = chunk[:n]
	}

	k, err := d.r.Read(chunk)
	return int64(k), err
}
