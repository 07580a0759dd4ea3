package filestore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felo/eml-store/internal/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

// TestResolve tests the path traversal protection
func TestResolve(t *testing.T) {
	s := &Store{root: "/home/user/content"}

	tests := []struct {
		name        string
		ref         message.ContentRef
		shouldError bool
	}{
		{"Valid relative path", "ab/01HZY.eml", false},
		{"Path traversal with ../", "../../../etc/passwd", true},
		{"Path traversal hidden in path", "ab/../../etc/shadow", true},
		{"Absolute path", "/etc/passwd", true},
		{"Empty ref", "", true},
		{"Sibling with shared prefix", "../content-other/x.eml", true},
		{"Valid file starting with dots", "ab/.hidden", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := s.Resolve(tt.ref)
			if tt.shouldError {
				assert.ErrorIs(t, err, ErrPathTraversal, "resolved to %q", resolved)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(s.root, string(tt.ref)), resolved)
		})
	}
}

func TestStore_PutFetch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("Subject: hi\r\n\r\nfile backed body\r\n")
	ref, n, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	path, err := s.Resolve(ref)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	// no temporary files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	m, err := message.New(message.Params{
		UID:            1,
		Size:           n,
		BodyStartOctet: 15,
		Content:        message.Stored(s, ref),
	})
	require.NoError(t, err)

	rc, err := m.BodyContent(ctx)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "file backed body\r\n", string(body))
}

func TestStore_TruncatedFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref, _, err := s.Put(ctx, bytes.NewReader(bytes.Repeat([]byte("x"), 500)))
	require.NoError(t, err)
	path, err := s.Resolve(ref)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, 40))

	m, err := message.New(message.Params{UID: 2, Size: 500, BodyStartOctet: 100, Content: message.Stored(s, ref)})
	require.NoError(t, err)

	_, err = m.BodyContent(ctx)
	assert.ErrorIs(t, err, message.ErrTruncatedStream)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref, _, err := s.Put(ctx, bytes.NewReader([]byte("bye")))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ref))

	_, err = s.Fetch(ctx, ref)
	assert.ErrorIs(t, err, ErrContentNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ref), ErrContentNotFound)

	_, err = s.Fetch(ctx, "../outside.eml")
	assert.ErrorIs(t, err, ErrPathTraversal)
}
