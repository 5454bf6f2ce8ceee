// Package server is the application server the datastore registers datasets
// with: a session-guarded registry of spaces, projects, experiments, samples
// and datasets on top of a domain.PersistentStore.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datastore/pkg/domain"
)

// ErrBadCredentials is returned by Login for unknown users or wrong passwords.
var ErrBadCredentials = errors.New("invalid user name or password")

// codeSequence names the counter dataset codes are drawn from.
const codeSequence = "data_set_code"

// Service exposes the registry operations used by the datastore server.
// Every session-bound call fails with domain.ErrInvalidSession once the
// session expired.
type Service struct {
	store    domain.PersistentStore
	users    map[string]string
	ttl      time.Duration
	autoType bool
	now      func() time.Time
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]session
}

type session struct {
	user    string
	expires time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithUsers sets the accepted user names and passwords.
func WithUsers(users map[string]string) Option {
	return func(s *Service) {
		s.users = make(map[string]string, len(users))
		for k, v := range users {
			s.users[k] = v
		}
	}
}

// WithSessionTTL sets the idle time after which a session expires.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithAutoCreateTypes registers unknown dataset types on first use instead
// of rejecting the dataset.
func WithAutoCreateTypes(enabled bool) Option {
	return func(s *Service) { s.autoType = enabled }
}

// WithClock overrides the clock used for sessions and codes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		users:    map[string]string{},
		ttl:      time.Hour,
		now:      time.Now,
		log:      zap.NewNop(),
		sessions: make(map[string]session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Login opens a session and returns its token.
func (s *Service) Login(_ context.Context, user, password string) (string, error) {
	expected, ok := s.users[user]
	if !ok || expected != password {
		s.log.Warn("login rejected", zap.String("user", user))
		return "", ErrBadCredentials
	}
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = session{user: user, expires: s.now().Add(s.ttl)}
	return token, nil
}

// Logout closes a session. Unknown tokens are ignored.
func (s *Service) Logout(_ context.Context, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// check validates token and extends its expiry.
func (s *Service) check(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	now := s.now()
	if !ok || !now.Before(sess.expires) {
		delete(s.sessions, token)
		return "", domain.ErrInvalidSession
	}
	sess.expires = now.Add(s.ttl)
	s.sessions[token] = sess
	return sess.user, nil
}

// CreateDataSetCode allocates a code of the form yyyyMMddHHmmssSSS-<seq>.
func (s *Service) CreateDataSetCode(ctx context.Context, token string) (string, error) {
	if _, err := s.check(token); err != nil {
		return "", err
	}
	var seq int64
	if _, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		seq = tx.NextSequence(codeSequence)
		return nil
	}); err != nil {
		return "", err
	}
	return FormatDataSetCode(s.now(), seq), nil
}

// FormatDataSetCode renders a dataset code for the given instant and sequence.
func FormatDataSetCode(at time.Time, seq int64) string {
	return fmt.Sprintf("%s%03d-%d", at.Format("20060102150405"), at.Nanosecond()/int(time.Millisecond), seq)
}

// HomeDatabaseInstance returns the registry's database instance.
func (s *Service) HomeDatabaseInstance(_ context.Context, token string) (domain.DatabaseInstance, error) {
	if _, err := s.check(token); err != nil {
		return domain.DatabaseInstance{}, err
	}
	return s.store.DatabaseInstance(), nil
}

// TryGetSample resolves a sample.
func (s *Service) TryGetSample(ctx context.Context, token string, id domain.SampleIdentifier) (domain.Sample, bool, error) {
	if _, err := s.check(token); err != nil {
		return domain.Sample{}, false, err
	}
	var (
		sample domain.Sample
		found  bool
	)
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		sample, found = v.FindSample(id)
		return nil
	})
	return sample, found, err
}

// TryGetExperiment resolves an experiment.
func (s *Service) TryGetExperiment(ctx context.Context, token string, id domain.ExperimentIdentifier) (domain.Experiment, bool, error) {
	if _, err := s.check(token); err != nil {
		return domain.Experiment{}, false, err
	}
	var (
		exp   domain.Experiment
		found bool
	)
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		exp, found = v.FindExperiment(id)
		return nil
	})
	return exp, found, err
}

// DataSetTypes lists the registered dataset types.
func (s *Service) DataSetTypes(ctx context.Context, token string) ([]domain.DataSetTypeInfo, error) {
	if _, err := s.check(token); err != nil {
		return nil, err
	}
	var types []domain.DataSetTypeInfo
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		types = v.ListDataSetTypes()
		return nil
	})
	sort.Slice(types, func(i, j int) bool { return types[i].Code < types[j].Code })
	return types, err
}

// RegisterDataSet records a stored dataset. A dataset attached to a sample
// inherits the sample's experiment.
func (s *Service) RegisterDataSet(ctx context.Context, token string, data domain.NewExternalData) (domain.DataSet, domain.Result, error) {
	user, err := s.check(token)
	if err != nil {
		return domain.DataSet{}, domain.Result{}, err
	}
	if strings.TrimSpace(data.Code) == "" {
		return domain.DataSet{}, domain.Result{}, domain.UserError.New("data set code required")
	}
	data.DataSetType = domain.NormalizeCode(data.DataSetType)
	var created domain.DataSet
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		if data.SampleIdentifier != nil && data.ExperimentIdentifier == nil {
			if sample, ok := view.FindSample(*data.SampleIdentifier); ok && sample.Experiment != nil {
				exp := *sample.Experiment
				data.ExperimentIdentifier = &exp
			}
		}
		if _, ok := view.FindDataSetType(data.DataSetType); !ok && s.autoType {
			if _, err := tx.CreateDataSetType(domain.DataSetTypeInfo{Code: data.DataSetType}); err != nil {
				return err
			}
		}
		var err error
		created, err = tx.CreateDataSet(domain.DataSet{NewExternalData: data})
		return err
	})
	if err != nil {
		return domain.DataSet{}, res, err
	}
	s.log.Info("data set registered",
		zap.String("code", created.Code),
		zap.String("type", created.DataSetType),
		zap.String("location", created.Location),
		zap.String("user", user))
	return created, res, nil
}

// DeleteDataSet removes a registered dataset.
func (s *Service) DeleteDataSet(ctx context.Context, token, code, reason string) (domain.Result, error) {
	user, err := s.check(token)
	if err != nil {
		return domain.Result{}, err
	}
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteDataSet(code)
	})
	if err != nil {
		return res, err
	}
	s.log.Info("data set deleted", zap.String("code", code), zap.String("reason", reason), zap.String("user", user))
	return res, nil
}

// DataSetLocations lists where datasets of a type are stored. Stores that
// keep a location index answer from it.
func (s *Service) DataSetLocations(ctx context.Context, token, dataSetType string) ([]domain.DataSetLocation, error) {
	if _, err := s.check(token); err != nil {
		return nil, err
	}
	if idx, ok := s.store.(domain.LocationIndex); ok {
		return idx.DataSetLocations(ctx, dataSetType)
	}
	var out []domain.DataSetLocation
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = domain.LocationsFromView(v, dataSetType)
		return nil
	})
	return out, err
}

// CreateSpace persists a new space.
func (s *Service) CreateSpace(ctx context.Context, space domain.Space) (domain.Space, domain.Result, error) {
	var created domain.Space
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateSpace(space)
		return err
	})
	return created, res, err
}

// CreateProject persists a new project.
func (s *Service) CreateProject(ctx context.Context, project domain.Project) (domain.Project, domain.Result, error) {
	var created domain.Project
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateProject(project)
		return err
	})
	return created, res, err
}

// CreateExperiment persists a new experiment.
func (s *Service) CreateExperiment(ctx context.Context, exp domain.Experiment) (domain.Experiment, domain.Result, error) {
	var created domain.Experiment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateExperiment(exp)
		return err
	})
	return created, res, err
}

// CreateSample persists a new sample.
func (s *Service) CreateSample(ctx context.Context, sample domain.Sample) (domain.Sample, domain.Result, error) {
	var created domain.Sample
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateSample(sample)
		return err
	})
	return created, res, err
}

// CreateDataSetType persists a new dataset type.
func (s *Service) CreateDataSetType(ctx context.Context, t domain.DataSetTypeInfo) (domain.DataSetTypeInfo, domain.Result, error) {
	var created domain.DataSetTypeInfo
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateDataSetType(t)
		return err
	})
	return created, res, err
}

// InvalidateExperiment marks an experiment invalid.
func (s *Service) InvalidateExperiment(ctx context.Context, id domain.ExperimentIdentifier, reason string) (domain.Experiment, domain.Result, error) {
	var updated domain.Experiment
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateExperiment(id, func(e *domain.Experiment) error {
			e.Invalidation = &domain.Invalidation{Reason: reason, InvalidatedAt: s.now().UTC()}
			return nil
		})
		return err
	})
	return updated, res, err
}

// InvalidateSample marks a sample invalid.
func (s *Service) InvalidateSample(ctx context.Context, id domain.SampleIdentifier, reason string) (domain.Sample, domain.Result, error) {
	var updated domain.Sample
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateSample(id, func(smp *domain.Sample) error {
			smp.Invalidation = &domain.Invalidation{Reason: reason, InvalidatedAt: s.now().UTC()}
			return nil
		})
		return err
	})
	return updated, res, err
}
