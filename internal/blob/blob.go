// Package blob selects the archive blob driver and provides the tree upload
// helpers used by the blob storage processor. Other packages depend on
// blob.Store instead of importing the infra drivers.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"datastore/internal/blob/core"
	"datastore/internal/infra/blob/fs"
	memorystore "datastore/internal/infra/blob/memory"
	infraS3 "datastore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists      = core.ErrExists
	ErrNotFound    = core.ErrNotFound
	ErrUnsupported = core.ErrUnsupported
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver   `mapstructure:"driver"`
	Root   string   `mapstructure:"root"`
	S3     S3Config `mapstructure:"s3"`
}

// Open constructs the configured driver; the filesystem driver is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, core.Error.New("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-memory blob.Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// UploadTree uploads every regular file below dir as <prefix>/<relative path>.
// It returns the keys written so far even when it fails part way, so callers
// can remove them.
func UploadTree(ctx context.Context, store Store, prefix, dir string, metadata map[string]string) ([]string, int64, error) {
	var keys []string
	var total int64
	err := filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = filepath.Base(p)
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		sum, err := fileChecksum(p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		md := core.CloneMetadata(metadata)
		if md == nil {
			md = make(map[string]string, 1)
		}
		md[core.MetaSHA256] = sum
		info, err := store.Put(ctx, key, f, PutOptions{ContentType: "application/octet-stream", Metadata: md})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		keys = append(keys, key)
		total += info.Size
		return nil
	})
	return keys, total, err
}

// DeleteKeys removes keys, continuing past failures and returning the first error.
func DeleteKeys(ctx context.Context, store Store, keys []string) error {
	var first error
	for _, key := range keys {
		if _, err := store.Delete(ctx, key); err != nil && first == nil {
			first = fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return first
}

func fileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
