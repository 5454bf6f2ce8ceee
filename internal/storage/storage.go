// Package storage moves claimed datasets into the store and undoes that move
// when a registration fails. Processors compose by explicit delegation; a
// Transaction guards one store/commit/rollback cycle.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"datastore/internal/extractor"
	"datastore/pkg/domain"
)

// OriginalDir is the directory below a dataset's store directory holding the
// data as it arrived.
const OriginalDir = "original"

// UnstoreAction tells the registration what to do with the incoming data
// after a rollback.
type UnstoreAction string

// Unstore actions.
const (
	LeaveUntouched UnstoreAction = "LEAVE_UNTOUCHED"
	Delete         UnstoreAction = "DELETE"
	MoveToError    UnstoreAction = "MOVE_TO_ERROR"
)

// ParseUnstoreAction accepts the action names case-insensitively; empty
// means MOVE_TO_ERROR.
func ParseUnstoreAction(value string) (UnstoreAction, error) {
	switch UnstoreAction(domain.NormalizeCode(value)) {
	case "", MoveToError:
		return MoveToError, nil
	case LeaveUntouched:
		return LeaveUntouched, nil
	case Delete:
		return Delete, nil
	default:
		return "", domain.ConfigurationError.New("unknown unstore action %q", value)
	}
}

// Processor stores incoming data below a root directory.
type Processor interface {
	// StoreData moves or copies incoming below rootDir and returns the
	// dataset's store directory.
	StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error)
	// Commit finalizes a successful StoreData.
	Commit(ctx context.Context, incoming, storedDir string) error
	// Rollback undoes StoreData; afterwards incoming exists again unless the
	// returned action says otherwise.
	Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error)
	// ProprietaryData returns the stored payload as it arrived, if any.
	ProprietaryData(storedDir string) (string, bool)
	StorageFormat() domain.StorageFormat
}

// formatResolver is implemented by processors whose storage format depends
// on the dataset.
type formatResolver interface {
	StorageFormatFor(storedDir string) domain.StorageFormat
}

// Transaction state machine errors.
var (
	ErrNotFinished = errors.New("Previous storage operation has neither been commited not rollbacked!")
	ErrNotStarted  = errors.New("Transaction has not been started!")
)

// State of a Transaction.
type State int

// Transaction states.
const (
	Unstored State = iota
	Stored
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Stored:
		return "STORED"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "UNSTORED"
	}
}

// Transaction wraps a processor: UNSTORED -> STORED -> COMMITTED | ROLLED_BACK.
type Transaction struct {
	processor Processor

	mu        sync.Mutex
	state     State
	incoming  string
	storedDir string
}

// NewTransaction starts in UNSTORED.
func NewTransaction(p Processor) *Transaction {
	return &Transaction{processor: p}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StoredDir returns the store directory of the last successful StoreData.
func (t *Transaction) StoredDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storedDir
}

// StoreData delegates to the processor. A failed store leaves the
// transaction UNSTORED.
func (t *Transaction) StoreData(ctx context.Context, info domain.DataSetInformation, types extractor.TypeExtractor, incoming, rootDir string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stored {
		return "", ErrNotFinished
	}
	storedDir, err := t.processor.StoreData(ctx, info, types, incoming, rootDir)
	if err != nil {
		return "", err
	}
	t.state, t.incoming, t.storedDir = Stored, incoming, storedDir
	return storedDir, nil
}

// Commit finalizes the stored data.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.expectStored(); err != nil {
		return err
	}
	if err := t.processor.Commit(ctx, t.incoming, t.storedDir); err != nil {
		return err
	}
	t.state = Committed
	return nil
}

// Rollback undoes the stored data. The transaction is ROLLED_BACK afterwards
// even when the processor reports an error, so it is never rolled back twice.
func (t *Transaction) Rollback(ctx context.Context, cause error) (UnstoreAction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.expectStored(); err != nil {
		return MoveToError, err
	}
	t.state = RolledBack
	return t.processor.Rollback(ctx, t.incoming, t.storedDir, cause)
}

func (t *Transaction) expectStored() error {
	switch t.state {
	case Unstored:
		return ErrNotStarted
	case Stored:
		return nil
	default:
		return fmt.Errorf("transaction already %s", t.state)
	}
}

// StorageFormat returns the format of the stored dataset.
func (t *Transaction) StorageFormat() domain.StorageFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return formatOf(t.processor, t.storedDir)
}

func formatOf(p Processor, storedDir string) domain.StorageFormat {
	if r, ok := p.(formatResolver); ok {
		return r.StorageFormatFor(storedDir)
	}
	return p.StorageFormat()
}

// ProprietaryData returns the stored payload of the current dataset.
func (t *Transaction) ProprietaryData() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storedDir == "" {
		return "", false
	}
	return t.processor.ProprietaryData(t.storedDir)
}
