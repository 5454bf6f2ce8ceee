package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"datastore/internal/extractor"
	"datastore/pkg/domain"
)

// DropboxProcessor copies every committed dataset into a directory watched
// by downstream tools. Copy failures are logged and never fail a registration.
type DropboxProcessor struct {
	delegate Processor
	dir      string
	log      *zap.Logger

	mu    sync.Mutex
	codes map[string]string
}

// NewDropboxProcessor wraps delegate, copying into dir.
func NewDropboxProcessor(delegate Processor, dir string, log *zap.Logger) *DropboxProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &DropboxProcessor{delegate: delegate, dir: dir, log: log, codes: make(map[string]string)}
}

func (p *DropboxProcessor) StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	storedDir, err := p.delegate.StoreData(ctx, info, types, incoming, rootDir)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.codes[storedDir] = info.DataSetCode
	p.mu.Unlock()
	return storedDir, nil
}

// Commit copies before delegating so the copy sees the data while the
// delegate may still drop intermediate files on commit.
func (p *DropboxProcessor) Commit(ctx context.Context, incoming, storedDir string) error {
	code := p.forget(storedDir)
	copied := p.copyOut(code, storedDir)
	if err := p.delegate.Commit(ctx, incoming, storedDir); err != nil {
		if copied != "" {
			_ = os.RemoveAll(copied)
		}
		return err
	}
	return nil
}

func (p *DropboxProcessor) copyOut(code, storedDir string) string {
	src, ok := p.delegate.ProprietaryData(storedDir)
	if !ok {
		p.log.Warn("no proprietary data to copy into dropbox", zap.String("data-set", code), zap.String("stored", storedDir))
		return ""
	}
	dst := UniquePath(filepath.Join(p.dir, code+"_"+filepath.Base(src)))
	if err := CopyTree(src, dst); err != nil {
		p.log.Error("copy into dropbox failed", zap.String("data-set", code), zap.String("target", dst), zap.Error(err))
		_ = os.RemoveAll(dst)
		return ""
	}
	p.log.Info("copied into dropbox", zap.String("data-set", code), zap.String("target", dst))
	return dst
}

func (p *DropboxProcessor) Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error) {
	p.forget(storedDir)
	return p.delegate.Rollback(ctx, incoming, storedDir, cause)
}

func (p *DropboxProcessor) forget(storedDir string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := p.codes[storedDir]
	delete(p.codes, storedDir)
	return code
}

func (p *DropboxProcessor) ProprietaryData(storedDir string) (string, bool) {
	return p.delegate.ProprietaryData(storedDir)
}

func (p *DropboxProcessor) StorageFormat() domain.StorageFormat { return p.delegate.StorageFormat() }

func (p *DropboxProcessor) StorageFormatFor(storedDir string) domain.StorageFormat {
	return formatOf(p.delegate, storedDir)
}
