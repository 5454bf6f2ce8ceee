package server

import (
	"context"
	"errors"
	"sync"

	"datastore/pkg/domain"
)

// authenticator holds the current session token and logs in again once
// when a call reports an expired session.
type authenticator struct {
	login func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
}

func (a *authenticator) current(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}
	token, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	return token, nil
}

func (a *authenticator) invalidate(stale string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == stale {
		a.token = ""
	}
}

// do runs fn with a valid token. A domain.ErrInvalidSession from fn causes
// exactly one re-login and retry.
func (a *authenticator) do(ctx context.Context, fn func(token string) error) error {
	token, err := a.current(ctx)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, domain.ErrInvalidSession) {
		return err
	}
	a.invalidate(token)
	token, err = a.current(ctx)
	if err != nil {
		return err
	}
	return fn(token)
}

// Local adapts a Service running in the same process to
// domain.RegistrationService.
type Local struct {
	svc  *Service
	auth *authenticator
}

var _ domain.RegistrationService = (*Local)(nil)

// NewLocal logs into svc with the given credentials on first use.
func NewLocal(svc *Service, user, password string) *Local {
	return &Local{
		svc: svc,
		auth: &authenticator{login: func(ctx context.Context) (string, error) {
			return svc.Login(ctx, user, password)
		}},
	}
}

func (l *Local) call(ctx context.Context, fn func(token string) error) error {
	return remoteError(l.auth.do(ctx, fn))
}

func (l *Local) CreateDataSetCode(ctx context.Context) (string, error) {
	var code string
	err := l.call(ctx, func(token string) error {
		var err error
		code, err = l.svc.CreateDataSetCode(ctx, token)
		return err
	})
	return code, err
}

func (l *Local) HomeDatabaseInstance(ctx context.Context) (domain.DatabaseInstance, error) {
	var inst domain.DatabaseInstance
	err := l.call(ctx, func(token string) error {
		var err error
		inst, err = l.svc.HomeDatabaseInstance(ctx, token)
		return err
	})
	return inst, err
}

func (l *Local) TryGetSample(ctx context.Context, id domain.SampleIdentifier) (domain.Sample, bool, error) {
	var (
		sample domain.Sample
		ok     bool
	)
	err := l.call(ctx, func(token string) error {
		var err error
		sample, ok, err = l.svc.TryGetSample(ctx, token, id)
		return err
	})
	return sample, ok, err
}

func (l *Local) TryGetExperiment(ctx context.Context, id domain.ExperimentIdentifier) (domain.Experiment, bool, error) {
	var (
		exp domain.Experiment
		ok  bool
	)
	err := l.call(ctx, func(token string) error {
		var err error
		exp, ok, err = l.svc.TryGetExperiment(ctx, token, id)
		return err
	})
	return exp, ok, err
}

func (l *Local) RegisterDataSet(ctx context.Context, data domain.NewExternalData) error {
	return l.call(ctx, func(token string) error {
		_, _, err := l.svc.RegisterDataSet(ctx, token, data)
		return err
	})
}

func (l *Local) DeleteDataSet(ctx context.Context, code, reason string) error {
	return l.call(ctx, func(token string) error {
		_, err := l.svc.DeleteDataSet(ctx, token, code, reason)
		return err
	})
}

// remoteError classifies a registry failure as remote while keeping
// domain.ErrInvalidSession detectable.
func remoteError(err error) error {
	if err == nil || errors.Is(err, domain.ErrInvalidSession) {
		return err
	}
	return domain.RemoteError.Wrap(err)
}
