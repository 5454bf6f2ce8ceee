package server

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"datastore/internal/infra/persistence/memory"
	"datastore/internal/infra/persistence/postgres"
	"datastore/internal/infra/persistence/sqlite"
	"datastore/pkg/domain"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config configures the application server.
type Config struct {
	Listen       string            `mapstructure:"listen"`
	Store        string            `mapstructure:"store"`
	DSN          string            `mapstructure:"dsn"`
	InstanceCode string            `mapstructure:"instance-code"`
	Users        map[string]string `mapstructure:"users"`
	SessionTTL   time.Duration     `mapstructure:"session-ttl"`
	SeedFile     string            `mapstructure:"seed-file"`
	// AutoCreateTypes registers unknown dataset types on first registration.
	AutoCreateTypes bool `mapstructure:"auto-create-data-set-types"`
}

// DefaultConfig serves an in-memory registry on :8888.
func DefaultConfig() Config {
	return Config{
		Listen:       ":8888",
		Store:        StoreMemory,
		InstanceCode: "DSS",
		SessionTTL:   time.Hour,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store) {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.DSN == "" {
			return domain.ConfigurationError.New("store %s requires a dsn", c.Store)
		}
	default:
		return domain.ConfigurationError.New("unknown store %q", c.Store)
	}
	if c.SessionTTL <= 0 {
		return domain.ConfigurationError.New("session-ttl must be positive")
	}
	return nil
}

// Backend is an opened registry store.
type Backend struct {
	Store domain.PersistentStore
	close func() error
}

// Close releases the store.
func (b Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenStore opens the configured registry store.
func OpenStore(ctx context.Context, cfg Config) (Backend, error) {
	engine := NewRulesEngine()
	switch strings.ToLower(cfg.Store) {
	case StoreSQLite:
		st, err := sqlite.NewStore(cfg.DSN, cfg.InstanceCode, engine)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: st, close: st.Close}, nil
	case StorePostgres:
		st, err := postgres.NewStore(ctx, cfg.DSN, cfg.InstanceCode, engine)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: st, close: st.Close}, nil
	case StoreMemory, "":
		return Backend{Store: memory.NewStore(cfg.InstanceCode, engine)}, nil
	default:
		return Backend{}, domain.ConfigurationError.New("unknown store %q", cfg.Store)
	}
}

// New opens the store, builds the service and applies the seed file.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Service, Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Backend{}, err
	}
	backend, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, Backend{}, err
	}
	svc := NewService(backend.Store,
		WithUsers(cfg.Users),
		WithSessionTTL(cfg.SessionTTL),
		WithAutoCreateTypes(cfg.AutoCreateTypes),
		WithLogger(log))
	if cfg.SeedFile != "" {
		seed, err := LoadSeed(cfg.SeedFile)
		if err == nil {
			err = svc.ApplySeed(ctx, seed)
		}
		if err != nil {
			_ = backend.Close()
			return nil, Backend{}, err
		}
	}
	return svc, backend, nil
}
