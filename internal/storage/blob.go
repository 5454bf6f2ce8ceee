package storage

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"datastore/internal/blob"
	"datastore/internal/blob/core"
	"datastore/internal/extractor"
	"datastore/pkg/domain"
)

// BlobProcessor mirrors every stored file into a blob store under
// <dataset-code>/<path relative to the store directory>.
type BlobProcessor struct {
	delegate Processor
	store    blob.Store
	log      *zap.Logger

	mu   sync.Mutex
	keys map[string][]string
}

// NewBlobProcessor wraps delegate, uploading into store.
func NewBlobProcessor(delegate Processor, store blob.Store, log *zap.Logger) *BlobProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlobProcessor{delegate: delegate, store: store, log: log, keys: make(map[string][]string)}
}

func (p *BlobProcessor) StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	storedDir, err := p.delegate.StoreData(ctx, info, types, incoming, rootDir)
	if err != nil {
		return "", err
	}
	metadata := map[string]string{core.MetaDataSetCode: info.DataSetCode}
	keys, size, err := blob.UploadTree(ctx, p.store, info.DataSetCode, storedDir, metadata)
	if err != nil {
		uploadErr := domain.EnvironmentError.New("upload %s to %s: %v", info.DataSetCode, p.store.Driver(), err)
		delErr := blob.DeleteKeys(ctx, p.store, keys)
		_, rbErr := p.delegate.Rollback(ctx, incoming, storedDir, uploadErr)
		return "", errs.Combine(uploadErr, delErr, rbErr)
	}
	p.log.Debug("uploaded data set", zap.String("data-set", info.DataSetCode), zap.Int("objects", len(keys)), zap.Int64("bytes", size))
	p.mu.Lock()
	p.keys[storedDir] = keys
	p.mu.Unlock()
	return storedDir, nil
}

func (p *BlobProcessor) take(storedDir string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.keys[storedDir]
	delete(p.keys, storedDir)
	return keys
}

func (p *BlobProcessor) Commit(ctx context.Context, incoming, storedDir string) error {
	p.take(storedDir)
	return p.delegate.Commit(ctx, incoming, storedDir)
}

// Rollback removes the uploaded objects before handing over to the delegate.
func (p *BlobProcessor) Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error) {
	delErr := blob.DeleteKeys(ctx, p.store, p.take(storedDir))
	if delErr != nil {
		delErr = domain.EnvironmentError.Wrap(delErr)
	}
	action, err := p.delegate.Rollback(ctx, incoming, storedDir, cause)
	return action, errs.Combine(delErr, err)
}

func (p *BlobProcessor) ProprietaryData(storedDir string) (string, bool) {
	return p.delegate.ProprietaryData(storedDir)
}

func (p *BlobProcessor) StorageFormat() domain.StorageFormat { return p.delegate.StorageFormat() }

func (p *BlobProcessor) StorageFormatFor(storedDir string) domain.StorageFormat {
	return formatOf(p.delegate, storedDir)
}
