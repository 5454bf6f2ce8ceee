package storage

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"

	"datastore/internal/extractor"
	"datastore/internal/remover"
	"datastore/pkg/domain"
)

// ContainerSuffix is appended to the incoming name to form the container file.
const ContainerSuffix = ".tar.zst"

// ManifestFile is written next to the original directory.
const ManifestFile = "manifest.json"

// Manifest describes a container.
type Manifest struct {
	DataSetCode string          `json:"data_set_code"`
	Container   string          `json:"container"`
	SHA256      string          `json:"sha256"`
	Size        int64           `json:"size_bytes"`
	Files       []ManifestEntry `json:"files"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ManifestEntry describes one packed file.
type ManifestEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size_bytes"`
}

// ContainerProcessor packs the stored data into a zstd compressed tar file.
// The unpacked tree stays in place until Commit so Rollback can hand it
// back to the delegate.
type ContainerProcessor struct {
	delegate Processor
	remover  remover.Remover
	level    zstd.EncoderLevel
}

// NewContainerProcessor wraps delegate.
func NewContainerProcessor(delegate Processor, rm remover.Remover) *ContainerProcessor {
	if rm == nil {
		rm = remover.Immediate{}
	}
	return &ContainerProcessor{delegate: delegate, remover: rm, level: zstd.SpeedDefault}
}

func (p *ContainerProcessor) StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	storedDir, err := p.delegate.StoreData(ctx, info, types, incoming, rootDir)
	if err != nil {
		return "", err
	}
	data, ok := p.delegate.ProprietaryData(storedDir)
	if !ok {
		data = filepath.Join(storedDir, OriginalDir, filepath.Base(incoming))
	}
	if err := p.pack(info.DataSetCode, data, storedDir); err != nil {
		p.removeContainer(storedDir, incoming)
		_, rbErr := p.delegate.Rollback(ctx, incoming, storedDir, err)
		return "", errs.Combine(domain.EnvironmentError.New("pack container for %s: %v", info.DataSetCode, err), rbErr)
	}
	return storedDir, nil
}

func (p *ContainerProcessor) pack(code, data, storedDir string) error {
	container := data + ContainerSuffix
	f, err := os.OpenFile(container, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	hash := sha256.New()
	counter := &countingWriter{}
	enc, err := zstd.NewWriter(io.MultiWriter(f, hash, counter), zstd.WithEncoderLevel(p.level))
	if err != nil {
		_ = f.Close()
		return err
	}
	tw := tar.NewWriter(enc)
	entries, err := writeTree(tw, data)
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = enc.Close()
	} else {
		_ = enc.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	manifest := Manifest{
		DataSetCode: code,
		Container:   filepath.ToSlash(filepath.Join(OriginalDir, filepath.Base(container))),
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		Size:        counter.n,
		Files:       entries,
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(storedDir, ManifestFile), payload, 0o644)
}

func writeTree(tw *tar.Writer, root string) ([]ManifestEntry, error) {
	base := filepath.Dir(root)
	var entries []ManifestEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		n, err := io.Copy(tw, f)
		if err != nil {
			return err
		}
		entries = append(entries, ManifestEntry{Path: hdr.Name, Size: n})
		return nil
	})
	return entries, err
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Commit drops the unpacked tree; the container is the stored payload.
func (p *ContainerProcessor) Commit(ctx context.Context, incoming, storedDir string) error {
	if err := p.delegate.Commit(ctx, incoming, storedDir); err != nil {
		return err
	}
	tree := filepath.Join(storedDir, OriginalDir, filepath.Base(incoming))
	if err := p.remover.Enqueue(tree); err != nil {
		return domain.EnvironmentError.New("remove unpacked %s: %v", tree, err)
	}
	return nil
}

func (p *ContainerProcessor) Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error) {
	p.removeContainer(storedDir, incoming)
	return p.delegate.Rollback(ctx, incoming, storedDir, cause)
}

func (p *ContainerProcessor) removeContainer(storedDir, incoming string) {
	_ = os.Remove(filepath.Join(storedDir, OriginalDir, filepath.Base(incoming)+ContainerSuffix))
	_ = os.Remove(filepath.Join(storedDir, ManifestFile))
}

// ProprietaryData returns the container file.
func (p *ContainerProcessor) ProprietaryData(storedDir string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(storedDir, OriginalDir, "*"+ContainerSuffix))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

func (p *ContainerProcessor) StorageFormat() domain.StorageFormat { return domain.StorageFormatContainer }

// ReadManifest loads the manifest of a stored container dataset.
func ReadManifest(storedDir string) (Manifest, error) {
	var m Manifest
	payload, err := os.ReadFile(filepath.Join(storedDir, ManifestFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(payload, &m)
	return m, err
}

// VerifyContainer checks the container checksum against the manifest.
func VerifyContainer(storedDir string) error {
	m, err := ReadManifest(storedDir)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(storedDir, filepath.FromSlash(m.Container)))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != m.SHA256 {
		return fmt.Errorf("container %s checksum mismatch: manifest %s, actual %s", m.Container, m.SHA256, got)
	}
	return nil
}

// ExtractContainer unpacks a container below dest.
func ExtractContainer(container, dest string) error {
	f, err := os.Open(container)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("container entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
