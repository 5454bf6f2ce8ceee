package storage

import (
	"context"
	"regexp"
	"sync"

	"datastore/internal/extractor"
	"datastore/pkg/domain"
)

// Route sends datasets whose type matches Pattern to Processor.
type Route struct {
	Pattern   *regexp.Regexp
	Processor Processor
}

// DispatcherProcessor picks a delegate by dataset type. The first matching
// route wins; unmatched types go to the fallback.
type DispatcherProcessor struct {
	routes   []Route
	fallback Processor

	mu     sync.Mutex
	chosen map[string]Processor
}

// NewDispatcherProcessor builds a dispatcher over routes and fallback.
func NewDispatcherProcessor(routes []Route, fallback Processor) *DispatcherProcessor {
	return &DispatcherProcessor{routes: routes, fallback: fallback, chosen: make(map[string]Processor)}
}

func (p *DispatcherProcessor) route(dataSetType string) Processor {
	for _, r := range p.routes {
		if r.Pattern.MatchString(dataSetType) {
			return r.Processor
		}
	}
	return p.fallback
}

// StoreData remembers the route under rootDir before delegating, so that a
// rollback after a failed store reaches the routed processor too.
func (p *DispatcherProcessor) StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	target := p.route(types.DataSetType(incoming))
	p.mu.Lock()
	p.chosen[rootDir] = target
	p.mu.Unlock()
	storedDir, err := target.StoreData(ctx, info, types, incoming, rootDir)
	if err != nil {
		return "", err
	}
	if storedDir != rootDir {
		p.mu.Lock()
		delete(p.chosen, rootDir)
		p.chosen[storedDir] = target
		p.mu.Unlock()
	}
	return storedDir, nil
}

func (p *DispatcherProcessor) delegateFor(storedDir string, forget bool) Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	target, ok := p.chosen[storedDir]
	if !ok {
		return p.fallback
	}
	if forget {
		delete(p.chosen, storedDir)
	}
	return target
}

func (p *DispatcherProcessor) Commit(ctx context.Context, incoming, storedDir string) error {
	return p.delegateFor(storedDir, true).Commit(ctx, incoming, storedDir)
}

func (p *DispatcherProcessor) Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error) {
	return p.delegateFor(storedDir, true).Rollback(ctx, incoming, storedDir, cause)
}

func (p *DispatcherProcessor) ProprietaryData(storedDir string) (string, bool) {
	return p.delegateFor(storedDir, false).ProprietaryData(storedDir)
}

func (p *DispatcherProcessor) StorageFormat() domain.StorageFormat { return p.fallback.StorageFormat() }

// StorageFormatFor reports the format of the delegate that stored storedDir.
func (p *DispatcherProcessor) StorageFormatFor(storedDir string) domain.StorageFormat {
	return formatOf(p.delegateFor(storedDir, false), storedDir)
}
