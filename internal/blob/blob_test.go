package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"datastore/internal/blob/core"
)

func writeTree(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "plate1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.tsv"), []byte("a\tb\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "A01.tif"), []byte("tiff"), 0o644))
	return dir
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, DriverFilesystem, store.Driver())

	store, err = Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	require.Equal(t, DriverMemory, store.Driver())

	_, err = Open(ctx, Config{Driver: DriverS3})
	require.Error(t, err, "bucket is required")

	_, err = Open(ctx, Config{Driver: "tape"})
	require.True(t, core.Error.Has(err))
}

func TestUploadTreeAndDeleteKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	dir := writeTree(t)

	keys, size, err := UploadTree(ctx, store, "DS1", dir, map[string]string{core.MetaDataSetCode: "DS1"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"DS1/meta.tsv", "DS1/images/A01.tif"}, keys)
	require.EqualValues(t, 8, size)

	info, err := store.Head(ctx, "DS1/images/A01.tif")
	require.NoError(t, err)
	require.Equal(t, "DS1", info.Metadata[core.MetaDataSetCode])
	require.Len(t, info.Metadata[core.MetaSHA256], 64)

	// a second upload collides on the first key and reports what it wrote
	written, _, err := UploadTree(ctx, store, "DS1", dir, nil)
	require.True(t, errors.Is(err, ErrExists))
	require.Empty(t, written)

	require.NoError(t, DeleteKeys(ctx, store, keys))
	list, err := store.List(ctx, "DS1/")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestUploadTreeSingleFile(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	dir := writeTree(t)
	keys, _, err := UploadTree(ctx, store, "DS2", filepath.Join(dir, "meta.tsv"), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"DS2/meta.tsv"}, keys)
}
