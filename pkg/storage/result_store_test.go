package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geotask/pkg/storage"
)

func TestLocalResultArchive_RoundTrip(t *testing.T) {
	archive, err := storage.NewLocalResultArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := archive.Store(ctx, "run-1", []byte(`{"runoff":1}`))
	require.NoError(t, err)
	assert.Equal(t, "run-1.json", filepath.Base(ref))

	data, err := archive.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"runoff":1}`, string(data))
}

func TestLocalResultArchive_Rejects(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewLocalResultArchive(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = archive.Store(ctx, "../escape", []byte(`{}`))
	assert.Error(t, err)

	_, err = archive.Retrieve(ctx, "/etc/passwd")
	assert.Error(t, err)

	_, err = archive.Retrieve(ctx, filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseS3Reference(t *testing.T) {
	bucket, key, err := storage.ParseS3Reference("s3://results/2024/01/02/run.json")
	require.NoError(t, err)
	assert.Equal(t, "results", bucket)
	assert.Equal(t, "2024/01/02/run.json", key)

	for _, bad := range []string{"results/run.json", "s3://bucket", "s3:///key"} {
		_, _, err := storage.ParseS3Reference(bad)
		assert.Error(t, err, bad)
	}
}
