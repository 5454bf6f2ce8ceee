package storage

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"datastore/internal/blob"
	"datastore/internal/remover"
	"datastore/pkg/domain"
)

// Processor kinds.
const (
	KindDefault    = "default"
	KindContainer  = "container"
	KindDropbox    = "dropbox"
	KindDispatcher = "dispatcher"
	KindBlob       = "blob"
)

// Config selects a processor. Wrapping kinds take their inner processor from
// Delegate, which defaults to the default processor.
type Config struct {
	Kind          string        `mapstructure:"kind"`
	UnstoreAction string        `mapstructure:"unstore-action"`
	Delegate      *Config       `mapstructure:"delegate"`
	DropboxDir    string        `mapstructure:"dropbox-dir"`
	Routes        []RouteConfig `mapstructure:"routes"`
	Blob          blob.Config   `mapstructure:"blob"`
}

// RouteConfig is one dispatcher entry.
type RouteConfig struct {
	DataSetType string `mapstructure:"data-set-type"`
	Processor   Config `mapstructure:"processor"`
}

// Deps are the shared collaborators of every processor of a thread.
type Deps struct {
	Remover remover.Remover
	Logger  *zap.Logger
	// OpenBlob opens blob stores; blob.Open when nil.
	OpenBlob func(ctx context.Context, cfg blob.Config) (blob.Store, error)
}

// New builds the processor tree described by cfg.
func New(ctx context.Context, cfg Config, deps Deps) (Processor, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.OpenBlob == nil {
		deps.OpenBlob = blob.Open
	}
	action, err := ParseUnstoreAction(cfg.UnstoreAction)
	if err != nil {
		return nil, err
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" || kind == KindDefault {
		return NewDefaultProcessor(deps.Remover, action), nil
	}

	inner := Config{}
	if cfg.Delegate != nil {
		inner = *cfg.Delegate
	}
	var p Processor
	switch kind {
	case KindContainer:
		delegate, err := New(ctx, inner, deps)
		if err != nil {
			return nil, err
		}
		p = NewContainerProcessor(delegate, deps.Remover)
	case KindDropbox:
		if cfg.DropboxDir == "" {
			return nil, domain.ConfigurationError.New("dropbox processor requires dropbox-dir")
		}
		delegate, err := New(ctx, inner, deps)
		if err != nil {
			return nil, err
		}
		p = NewDropboxProcessor(delegate, cfg.DropboxDir, deps.Logger.Named("dropbox"))
	case KindDispatcher:
		fallback, err := New(ctx, inner, deps)
		if err != nil {
			return nil, err
		}
		routes := make([]Route, 0, len(cfg.Routes))
		for _, rc := range cfg.Routes {
			re, err := regexp.Compile(rc.DataSetType)
			if err != nil {
				return nil, domain.ConfigurationError.New("dispatcher route %q: %v", rc.DataSetType, err)
			}
			target, err := New(ctx, rc.Processor, deps)
			if err != nil {
				return nil, err
			}
			routes = append(routes, Route{Pattern: re, Processor: target})
		}
		p = NewDispatcherProcessor(routes, fallback)
	case KindBlob:
		store, err := deps.OpenBlob(ctx, cfg.Blob)
		if err != nil {
			return nil, domain.ConfigurationError.New("open blob store: %v", err)
		}
		delegate, err := New(ctx, inner, deps)
		if err != nil {
			return nil, err
		}
		p = NewBlobProcessor(delegate, store, deps.Logger.Named("blob"))
	default:
		return nil, domain.ConfigurationError.New("unknown storage processor kind %q", cfg.Kind)
	}
	if cfg.UnstoreAction != "" {
		p = &withUnstoreAction{Processor: p, action: action}
	}
	return p, nil
}

// withUnstoreAction overrides the action reported by a wrapped processor.
type withUnstoreAction struct {
	Processor
	action UnstoreAction
}

func (w *withUnstoreAction) Rollback(ctx context.Context, incoming, storedDir string, cause error) (UnstoreAction, error) {
	_, err := w.Processor.Rollback(ctx, incoming, storedDir, cause)
	return w.action, err
}

func (w *withUnstoreAction) StorageFormatFor(storedDir string) domain.StorageFormat {
	return formatOf(w.Processor, storedDir)
}
