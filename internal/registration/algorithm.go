// Package registration runs one dataset through the registration saga:
// code allocation, extraction, hooks, validation, strategy selection,
// storage and remote registration. Every side effect pushes its inverse on
// a compensation stack that is unwound when a later step fails.
package registration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/errs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"datastore/internal/extractor"
	"datastore/internal/hooks"
	"datastore/internal/logging"
	"datastore/internal/notify"
	"datastore/internal/storage"
	"datastore/internal/strategy"
	"datastore/internal/tracing"
	"datastore/internal/validation"
	"datastore/pkg/domain"
)

// ExceptionSuffix is appended to the name of a dataset moved to the error
// area to form the name of the file describing the failure.
const ExceptionSuffix = "_exception.txt"

// State is the wiring of one dropbox thread. Pipelines fill in defaults for
// the optional fields.
type State struct {
	Thread    string
	Service   domain.RegistrationService
	Processor storage.Processor
	Types     extractor.TypeExtractor
	Info      extractor.InfoExtractor
	Selector  *strategy.Selector
	Layout    strategy.Layout
	Validator validation.Validator
	Hooks     hooks.Set
	Notifier  *notify.Notifier
	// Lock serializes registrations; threads of one process share it.
	Lock    sync.Locker
	Logs    logging.Loggers
	Tracer  trace.Tracer
	Metrics *Metrics

	DeleteUnidentified           bool
	NotifySuccessfulRegistration bool
	DataStoreCode                string
	Now                          func() time.Time
}

// Outcome describes a finished attempt.
type Outcome struct {
	Incoming    string
	DataSetCode string
	Strategy    domain.StrategyKey
	// Location is the store relative location of a registered dataset or
	// the path a dataset was filed or moved to.
	Location string
	Size     int64
	// Action is the unstore action applied after a failure.
	Action storage.UnstoreAction
	Took   time.Duration
}

// Algorithm is one registration attempt for one claimed incoming path. It
// must not be reused.
type Algorithm struct {
	s        *State
	incoming string

	comp    Compensations
	tx      *storage.Transaction
	unstore storage.UnstoreAction
	types   domain.TypeInformation
	info    domain.DataSetInformation
	out     Outcome
}

func newAlgorithm(s *State, incoming string) *Algorithm {
	return &Algorithm{
		s:        s,
		incoming: incoming,
		tx:       storage.NewTransaction(s.Processor),
		unstore:  storage.MoveToError,
		out:      Outcome{Incoming: incoming},
	}
}

// Register runs the attempt to completion. Cancellation of ctx is ignored
// once the attempt has started.
func (a *Algorithm) Register(ctx context.Context) (out Outcome, err error) {
	ctx = context.WithoutCancel(ctx)
	a.s.Lock.Lock()
	defer a.s.Lock.Unlock()

	start := a.s.Now()
	ctx, span := a.s.Tracer.Start(ctx, "registration.Register", trace.WithAttributes(
		attribute.String("thread", a.s.Thread),
		attribute.String("incoming", filepath.Base(a.incoming)),
	))
	defer func() { tracing.End(span, err) }()

	a.types = extractor.TypeInformation(a.s.Types, a.incoming)
	outcome := OutcomeRegistered
	err = a.run(ctx)
	if err != nil {
		outcome = OutcomeFailed
		err = a.fail(ctx, err)
	} else if a.out.Strategy != domain.StrategyIdentified {
		outcome = OutcomeFiled
	}
	a.out.Took = a.s.Now().Sub(start)
	span.SetAttributes(
		attribute.String("data_set_code", a.out.DataSetCode),
		attribute.String("strategy", string(a.out.Strategy)),
		attribute.String("outcome", outcome),
	)
	a.s.Metrics.Observe(a.s.Thread, outcome, string(a.out.Strategy), a.out.Took)
	if outcome == OutcomeRegistered {
		a.s.Logs.Operation.Info(fmt.Sprintf("Successfully registered %s (%s) in %s",
			a.info.Describe(), humanize.Bytes(uint64(a.out.Size)), a.out.Took.Round(time.Millisecond)),
			zap.String("data_set_code", a.out.DataSetCode),
			zap.String("location", a.out.Location),
			zap.String("data_set_type", a.types.DataSetType))
		if a.s.NotifySuccessfulRegistration {
			a.s.Notifier.Success(ctx, a.info, a.out.Location)
		}
	}
	return a.out, err
}

// step runs fn in a child span.
func (a *Algorithm) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := a.s.Tracer.Start(ctx, name)
	err := fn(ctx)
	tracing.End(span, err)
	return err
}

func (a *Algorithm) run(ctx context.Context) error {
	var inst domain.DatabaseInstance
	err := a.step(ctx, "create-data-set-code", func(ctx context.Context) error {
		code, err := a.s.Service.CreateDataSetCode(ctx)
		if err != nil {
			return err
		}
		a.out.DataSetCode = code
		inst, err = a.s.Service.HomeDatabaseInstance(ctx)
		return err
	})
	if err != nil {
		return err
	}
	code := a.out.DataSetCode

	err = a.step(ctx, "extract", func(context.Context) error {
		info, err := a.s.Info.Extract(a.incoming)
		if err != nil {
			return err
		}
		info = info.WithDataSetCode(code)
		info.InstanceCode, info.InstanceUUID = inst.Code, inst.UUID
		a.info = info
		return nil
	})
	if err != nil {
		a.info = domain.DataSetInformation{DataSetCode: code, IncomingName: filepath.Base(a.incoming)}
		return err
	}

	err = a.step(ctx, "pre-registration", func(ctx context.Context) error {
		return a.s.Hooks.Pre.Run(ctx, code, a.incoming)
	})
	if err != nil {
		return err
	}
	a.comp.Push("pre-registration-undo", func(ctx context.Context, _ error) error {
		return a.s.Hooks.PreUndo.Run(ctx, code, a.incoming)
	})

	if a.s.Validator != nil {
		err = a.step(ctx, "validate", func(ctx context.Context) error {
			return a.s.Validator.Validate(ctx, a.types.DataSetType, a.incoming)
		})
		if err != nil {
			return err
		}
	}

	var key domain.StrategyKey
	err = a.step(ctx, "select-strategy", func(ctx context.Context) error {
		var err error
		key, a.info, err = a.s.Selector.Select(ctx, a.info)
		return err
	})
	if err != nil {
		return err
	}
	a.out.Strategy = key
	if !key.Registrable() {
		return a.file(key)
	}

	target, err := a.s.Layout.TargetPath(key, a.info, a.types.DataSetType)
	if err != nil {
		return err
	}
	var storedDir string
	err = a.step(ctx, "store", func(ctx context.Context) error {
		var err error
		storedDir, err = a.tx.StoreData(ctx, a.info, a.s.Types, a.incoming, target)
		return err
	})
	if err != nil {
		// A failed store leaves the transaction UNSTORED; the processor
		// still undoes whatever it wrote below target.
		a.comp.Push("unstore", func(ctx context.Context, cause error) error {
			action, err := a.s.Processor.Rollback(ctx, a.incoming, target, cause)
			a.unstore = action
			return err
		})
		return err
	}
	a.comp.Push("unstore", func(ctx context.Context, cause error) error {
		action, err := a.tx.Rollback(ctx, cause)
		a.unstore = action
		return err
	})

	data, err := a.externalData(storedDir)
	if err != nil {
		return err
	}
	a.out.Location, a.out.Size = data.Location, data.SizeBytes
	err = a.step(ctx, "register", func(ctx context.Context) error {
		return a.s.Service.RegisterDataSet(ctx, data)
	})
	if err != nil {
		return err
	}
	a.comp.Push("delete-registered", func(ctx context.Context, cause error) error {
		return a.s.Service.DeleteDataSet(ctx, code, "registration rolled back: "+cause.Error())
	})

	err = a.step(ctx, "post-registration", func(ctx context.Context) error {
		return a.s.Hooks.Post.Run(ctx, code, storedDir)
	})
	if err != nil {
		return err
	}
	err = a.step(ctx, "commit", func(ctx context.Context) error {
		return a.tx.Commit(ctx)
	})
	if err != nil {
		return err
	}
	a.comp.Clear()
	return nil
}

func (a *Algorithm) externalData(storedDir string) (domain.NewExternalData, error) {
	location, err := a.s.Layout.RelativeLocation(storedDir)
	if err != nil {
		return domain.NewExternalData{}, fmt.Errorf("location of %s: %w", storedDir, err)
	}
	// The payload is what stays in the store after commit; intermediate
	// files a processor drops on commit are not counted.
	payload, ok := a.tx.ProprietaryData()
	if !ok {
		payload = storedDir
	}
	size, err := storage.TreeSize(payload)
	if err != nil {
		return domain.NewExternalData{}, domain.EnvironmentError.New("size of %s: %v", payload, err)
	}
	info := a.info
	return domain.NewExternalData{
		Code:                 info.DataSetCode,
		DataSetType:          a.types.DataSetType,
		FileFormatType:       a.types.FileFormatType,
		LocatorType:          a.types.LocatorType,
		Location:             location,
		StorageFormat:        a.tx.StorageFormat(),
		Measured:             a.types.Measured,
		ProducerCode:         info.ProducerCode,
		ProductionDate:       info.ProductionDate,
		ParentDataSetCodes:   info.ParentDataSetCodes,
		SampleIdentifier:     info.SampleIdentifier,
		ExperimentIdentifier: info.ExperimentIdentifier,
		DataStoreCode:        a.s.DataStoreCode,
		Properties:           info.Properties,
		SizeBytes:            size,
	}, nil
}

// file moves a dataset that cannot be registered into the holding
// directory of its strategy, or deletes it when unidentified datasets are
// not kept.
func (a *Algorithm) file(key domain.StrategyKey) error {
	name := filepath.Base(a.incoming)
	log := a.s.Logs.Notify.With(
		zap.String("incoming", name),
		zap.String("data_set_code", a.out.DataSetCode),
		zap.Stringer("strategy", key))

	if key == domain.StrategyUnidentified && a.s.DeleteUnidentified {
		if err := os.RemoveAll(a.incoming); err != nil {
			return domain.EnvironmentError.New("delete unidentified %s: %v", name, err)
		}
		a.comp.Clear()
		log.Warn(fmt.Sprintf("Incoming data set '%s' could not be identified and has been deleted", name))
		return nil
	}

	dir, err := a.s.Layout.TargetPath(key, a.info, a.types.DataSetType)
	if err != nil {
		return err
	}
	dest := storage.UniquePath(filepath.Join(dir, name))
	if err := storage.Move(a.incoming, dest); err != nil {
		return domain.EnvironmentError.New("move %s to %s: %v", name, dest, err)
	}
	a.comp.Clear()
	a.out.Location = dest
	if key == domain.StrategyInvalid {
		log.Warn(fmt.Sprintf("Incoming data set '%s' belongs to an invalid entity and has been moved to '%s'", name, dest))
	} else {
		log.Warn(fmt.Sprintf("Incoming data set '%s' could not be identified and has been moved to '%s'", name, dest))
	}
	return nil
}

// fail unwinds the compensation stack and applies the unstore action.
func (a *Algorithm) fail(ctx context.Context, cause error) error {
	a.s.Metrics.RolledBack(a.s.Thread, domain.ErrorCategory(cause))
	rbErr := a.comp.Rollback(ctx, cause)
	if rbErr != nil {
		a.s.Logs.Notify.Error("compensation failed", zap.String("incoming", filepath.Base(a.incoming)), zap.Error(rbErr))
	}
	applyErr := a.applyUnstore(cause)
	a.out.Action = a.unstore

	name := filepath.Base(a.incoming)
	a.s.Logs.Notify.Error(fmt.Sprintf("Error during registration of '%s'", name),
		zap.String("data_set_code", a.out.DataSetCode),
		zap.String("category", domain.ErrorCategory(cause)),
		zap.String("unstore_action", string(a.unstore)),
		zap.Strings("compensated", a.comp.Ran()),
		zap.Error(cause))
	a.s.Notifier.Failure(ctx, name, a.out.DataSetCode, cause)
	return errs.Combine(cause, rbErr, applyErr)
}

func (a *Algorithm) applyUnstore(cause error) error {
	if _, err := os.Lstat(a.incoming); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return domain.EnvironmentError.New("stat %s: %v", a.incoming, err)
	}
	switch a.unstore {
	case storage.LeaveUntouched:
		return nil
	case storage.Delete:
		if err := os.RemoveAll(a.incoming); err != nil {
			return domain.EnvironmentError.New("delete %s: %v", a.incoming, err)
		}
		return nil
	default:
		return a.moveToError(cause)
	}
}

// moveToError files the incoming data below <store>/error/DataSetType_<T>
// next to a text file describing cause.
func (a *Algorithm) moveToError(cause error) error {
	dir, err := a.s.Layout.TargetPath(domain.StrategyError, a.info, a.types.DataSetType)
	if err != nil {
		return err
	}
	dest := storage.UniquePath(filepath.Join(dir, filepath.Base(a.incoming)))
	if err := storage.Move(a.incoming, dest); err != nil {
		return domain.EnvironmentError.New("move %s to error area: %v", a.incoming, err)
	}
	a.out.Location = dest
	report := dest + ExceptionSuffix
	if err := os.WriteFile(report, []byte(a.exceptionReport(cause)), 0o644); err != nil {
		return domain.EnvironmentError.New("write %s: %v", report, err)
	}
	return nil
}

func (a *Algorithm) exceptionReport(cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incoming: %s\n", filepath.Base(a.incoming))
	if a.out.DataSetCode != "" {
		fmt.Fprintf(&b, "Data set code: %s\n", a.out.DataSetCode)
	}
	fmt.Fprintf(&b, "Data set type: %s\n", a.types.DataSetType)
	fmt.Fprintf(&b, "Time: %s\n", a.s.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Category: %s\n\n", domain.ErrorCategory(cause))
	b.WriteString(cause.Error())
	b.WriteString("\n")
	return b.String()
}
