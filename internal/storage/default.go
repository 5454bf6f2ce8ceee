package storage

import (
	"context"
	"os"
	"path/filepath"

	"datastore/internal/extractor"
	"datastore/internal/remover"
	"datastore/pkg/domain"
)

// DefaultProcessor moves incoming to <root>/original/<name>.
type DefaultProcessor struct {
	remover remover.Remover
	unstore UnstoreAction
}

// NewDefaultProcessor returns a processor removing partial artifacts via rm.
// A nil rm removes synchronously.
func NewDefaultProcessor(rm remover.Remover, unstore UnstoreAction) *DefaultProcessor {
	if rm == nil {
		rm = remover.Immediate{}
	}
	if unstore == "" {
		unstore = MoveToError
	}
	return &DefaultProcessor{remover: rm, unstore: unstore}
}

func (p *DefaultProcessor) StoreData(_ context.Context, _ domain.DataSetInformation, _ extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	created := !exists(rootDir)
	original := filepath.Join(rootDir, OriginalDir)
	if err := os.MkdirAll(original, 0o755); err != nil {
		return "", domain.EnvironmentError.New("create %s: %v", original, err)
	}
	dest := filepath.Join(original, filepath.Base(incoming))
	if err := Move(incoming, dest); err != nil {
		if created {
			_ = p.remover.Enqueue(rootDir)
		}
		return "", domain.EnvironmentError.New("move %s to %s: %v", incoming, dest, err)
	}
	return rootDir, nil
}

func (p *DefaultProcessor) Commit(context.Context, string, string) error { return nil }

// Rollback moves the data back to incoming and queues the store directory
// for removal.
func (p *DefaultProcessor) Rollback(_ context.Context, incoming, storedDir string, _ error) (UnstoreAction, error) {
	src := filepath.Join(storedDir, OriginalDir, filepath.Base(incoming))
	if exists(src) && !exists(incoming) {
		if err := Move(src, incoming); err != nil {
			return p.unstore, domain.EnvironmentError.New("move %s back to %s: %v", src, incoming, err)
		}
	}
	if err := p.remover.Enqueue(storedDir); err != nil {
		return p.unstore, domain.EnvironmentError.New("remove %s: %v", storedDir, err)
	}
	return p.unstore, nil
}

// ProprietaryData returns the single entry of the original directory.
func (p *DefaultProcessor) ProprietaryData(storedDir string) (string, bool) {
	original := filepath.Join(storedDir, OriginalDir)
	entries, err := os.ReadDir(original)
	if err != nil || len(entries) != 1 {
		return "", false
	}
	return filepath.Join(original, entries[0].Name()), true
}

func (p *DefaultProcessor) StorageFormat() domain.StorageFormat { return domain.StorageFormatProprietary }
