package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trickleSkipper advances at most step bytes per Skip call and counts calls
type trickleSkipper struct {
	r      *bytes.Reader
	step   int64
	calls  int
	closed bool
}

func (s *trickleSkipper) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *trickleSkipper) Close() error {
	s.closed = true
	return nil
}

func (s *trickleSkipper) Skip(n int64) (int64, error) {
	s.calls++
	if s.r.Len() == 0 {
		return 0, io.EOF
	}
	k := n
	if k > s.step {
		k = s.step
	}
	if k > int64(s.r.Len()) {
		k = int64(s.r.Len())
	}
	_, err := s.r.Seek(k, io.SeekCurrent)
	return k, err
}

// stallingSkipper reports no progress for the first stalls calls
type stallingSkipper struct {
	trickleSkipper
	stalls int
}

func (s *stallingSkipper) Skip(n int64) (int64, error) {
	if s.stalls > 0 {
		s.stalls--
		return 0, nil
	}
	return s.trickleSkipper.Skip(n)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func drain(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

// TestNewReader_OneByteSkipsMatchSingleSkip covers skippers that advance one byte per call
func TestNewReader_OneByteSkipsMatchSingleSkip(t *testing.T) {
	data := payload(5000)

	slow := &trickleSkipper{r: bytes.NewReader(data), step: 1}
	r, err := NewReader(slow, 1000)
	require.NoError(t, err)
	got := drain(t, r)

	fast := &trickleSkipper{r: bytes.NewReader(data), step: 1 << 20}
	r2, err := NewReader(fast, 1000)
	require.NoError(t, err)
	want := drain(t, r2)

	assert.Equal(t, want, got)
	assert.Equal(t, data[1000:], got)
	assert.Equal(t, 1000, slow.calls, "one skip call per byte")
	assert.Equal(t, 1, fast.calls)
	assert.Equal(t, int64(1000), r.Offset())
}

func TestNewReader_PlainReaders(t *testing.T) {
	data := payload(4096)

	tests := []struct {
		name   string
		reader io.Reader
	}{
		{"bytes reader", bytes.NewReader(data)},
		{"one byte reader", iotest.OneByteReader(bytes.NewReader(data))},
		{"half reader", iotest.HalfReader(bytes.NewReader(data))},
		{"data err reader", iotest.DataErrReader(bytes.NewReader(data))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(io.NopCloser(tt.reader), 120)
			require.NoError(t, err)
			assert.Equal(t, data[120:], drain(t, r))
		})
	}
}

func TestNewReader_ZeroOffset(t *testing.T) {
	data := payload(300)
	s := &trickleSkipper{r: bytes.NewReader(data), step: 1}

	r, err := NewReader(s, 0)
	require.NoError(t, err)

	assert.Equal(t, data, drain(t, r))
	assert.Zero(t, s.calls, "no skip requests for a zero offset")
}

func TestNewReader_OffsetAtEnd(t *testing.T) {
	data := payload(512)

	for _, step := range []int64{1, 7, 512, 4096} {
		s := &trickleSkipper{r: bytes.NewReader(data), step: step}
		r, err := NewReader(s, int64(len(data)))
		require.NoError(t, err, "step %d", step)

		buf := make([]byte, 16)
		n, err := r.Read(buf)
		assert.Zero(t, n)
		assert.Equal(t, io.EOF, err)
	}
}

func TestNewReader_EmptyStream(t *testing.T) {
	r, err := NewReader(io.NopCloser(bytes.NewReader(nil)), 0)
	require.NoError(t, err)
	assert.Empty(t, drain(t, r))
}

func TestNewReader_Truncated(t *testing.T) {
	data := payload(100)

	skipper := &trickleSkipper{r: bytes.NewReader(data), step: 3}
	plain := &closeRecorder{Reader: iotest.OneByteReader(bytes.NewReader(data))}
	empty := &closeRecorder{Reader: bytes.NewReader(nil)}

	tests := []struct {
		name   string
		rc     io.ReadCloser
		closed func() bool
	}{
		{"skipper", skipper, func() bool { return skipper.closed }},
		{"plain reader", plain, func() bool { return plain.closed }},
		{"empty", empty, func() bool { return empty.closed }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(tt.rc, 101)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTruncated), "got %v", err)
			assert.Nil(t, r)
			assert.True(t, tt.closed(), "underlying stream must be closed on failure")
		})
	}
}

func TestNewReader_TransientStalls(t *testing.T) {
	data := payload(1000)
	s := &stallingSkipper{
		trickleSkipper: trickleSkipper{r: bytes.NewReader(data), step: 100},
		stalls:         DefaultMaxStalls,
	}

	r, err := NewReader(s, 450)
	require.NoError(t, err)
	assert.Equal(t, data[450:], drain(t, r))
}

func TestNewReader_StallLimit(t *testing.T) {
	data := payload(1000)
	s := &stallingSkipper{
		trickleSkipper: trickleSkipper{r: bytes.NewReader(data), step: 100},
		stalls:         3,
	}

	_, err := NewReader(s, 450, WithMaxStalls(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Contains(t, err.Error(), "no progress")
}

func TestNewReader_ReadErrorIsNotTruncation(t *testing.T) {
	boom := errors.New("disk on fire")
	rc := &closeRecorder{Reader: iotest.ErrReader(boom)}

	_, err := NewReader(rc, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrTruncated))
	assert.True(t, rc.closed)
}

func TestNewReader_NegativeOffset(t *testing.T) {
	rc := &closeRecorder{Reader: bytes.NewReader(payload(10))}

	_, err := NewReader(rc, -1)
	assert.ErrorIs(t, err, ErrNegativeSkip)
	assert.True(t, rc.closed)
}

func TestReader_CloseClosesUnderlying(t *testing.T) {
	rc := &closeRecorder{Reader: bytes.NewReader(payload(10))}

	r, err := NewReader(rc, 5)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.True(t, rc.closed)
}

type overSkipper struct{ io.Reader }

func (overSkipper) Skip(n int64) (int64, error) { return n + 1, nil }

func TestSkipFull_RejectsOverAdvance(t *testing.T) {
	_, err := SkipFull(overSkipper{bytes.NewReader(payload(10))}, 5, DefaultMaxStalls)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBadSkip)
}
