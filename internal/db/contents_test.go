package db

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felo/eml-store/internal/stream"
)

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

// TestBlobStore_PutFetch tests storing and reading content across chunk sizes
func TestBlobStore_PutFetch(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	data := testPayload(5000)
	ref, n, err := db.Blobs().Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
	assert.NotEmpty(t, ref)

	for _, chunk := range []int{1, 7, 4096, 5000, 10000} {
		rc, err := db.Blobs().WithChunkSize(chunk).Fetch(ctx, ref)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err, "chunk %d", chunk)
		assert.Equal(t, data, got, "chunk %d", chunk)
		require.NoError(t, rc.Close())
	}
}

// TestBlobStore_FetchIsIndependent tests that each fetch starts at offset zero
func TestBlobStore_FetchIsIndependent(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	ref, _, err := db.Blobs().Put(ctx, bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)

	first, err := db.Blobs().Fetch(ctx, ref)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	second, err := db.Blobs().Fetch(ctx, ref)
	require.NoError(t, err)
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

// TestBlobReader_SkipStopsAtChunkBoundary tests that skips advance at most one chunk
func TestBlobReader_SkipStopsAtChunkBoundary(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	data := testPayload(100)
	ref, _, err := db.Blobs().Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := db.Blobs().WithChunkSize(30).Fetch(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()

	skipper, ok := rc.(stream.Skipper)
	require.True(t, ok, "blob reader should support skipping")

	k, err := skipper.Skip(50)
	require.NoError(t, err)
	assert.Equal(t, int64(30), k)

	// buffered bytes are dropped before the offset moves
	b := make([]byte, 5)
	_, err = io.ReadFull(rc, b)
	require.NoError(t, err)
	assert.Equal(t, data[30:35], b)

	k, err = skipper.Skip(100)
	require.NoError(t, err)
	assert.Equal(t, int64(25), k)

	k, err = skipper.Skip(100)
	require.NoError(t, err)
	assert.Equal(t, int64(30), k)

	k, err = skipper.Skip(100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), k)

	_, err = skipper.Skip(1)
	assert.ErrorIs(t, err, io.EOF)
}

// TestBlobReader_SkipFull tests skipping through the stream helper
func TestBlobReader_SkipFull(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	data := testPayload(1000)
	ref, _, err := db.Blobs().Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := db.Blobs().WithChunkSize(64).Fetch(ctx, ref)
	require.NoError(t, err)

	body, err := stream.NewReader(rc, 777)
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, data[777:], got)
}

// TestBlobStore_Missing tests fetching and deleting unknown references
func TestBlobStore_Missing(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	_, err := db.Blobs().Fetch(ctx, "nope")
	assert.ErrorIs(t, err, ErrContentNotFound)

	err = db.Blobs().Delete(ctx, "nope")
	assert.ErrorIs(t, err, ErrContentNotFound)
}

// TestBlobStore_Delete tests that deleted content can no longer be fetched
func TestBlobStore_Delete(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	ref, _, err := db.Blobs().Put(ctx, bytes.NewReader([]byte("bye")))
	require.NoError(t, err)
	require.NoError(t, db.Blobs().Delete(ctx, ref))

	_, err = db.Blobs().Fetch(ctx, ref)
	assert.ErrorIs(t, err, ErrContentNotFound)
}

// TestBlobReader_ClosedReader tests reads after close
func TestBlobReader_ClosedReader(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)
	ctx := context.Background()

	ref, _, err := db.Blobs().Put(ctx, bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	rc, err := db.Blobs().Fetch(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	_, err = rc.Read(make([]byte, 1))
	assert.Error(t, err)
}
