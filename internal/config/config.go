// Package config loads the datastore server configuration from a YAML file,
// DSS_ prefixed environment variables and command line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"datastore/internal/extractor"
	"datastore/internal/hooks"
	"datastore/internal/incoming"
	"datastore/internal/logging"
	"datastore/internal/notify"
	"datastore/internal/remover"
	"datastore/internal/server"
	"datastore/internal/storage"
	"datastore/internal/tracing"
	"datastore/internal/validation"
	"datastore/pkg/domain"
)

// EnvPrefix prefixes every environment override, e.g. DSS_STOREROOT_DIR.
const EnvPrefix = "DSS"

// Config is the complete datastore server configuration.
type Config struct {
	DataStoreCode string              `mapstructure:"data-store-code"`
	StoreRoot     string              `mapstructure:"storeroot-dir"`
	Logging       logging.Config      `mapstructure:"logging"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Mail          notify.Config       `mapstructure:"mail"`
	Remover       remover.Config      `mapstructure:"remover"`
	Server        server.Config       `mapstructure:"server"`
	Client        server.ClientConfig `mapstructure:"client"`
	Threads       []ThreadConfig      `mapstructure:"threads"`
}

// ThreadConfig describes one dropbox: an incoming directory and the
// pipeline applied to its items.
type ThreadConfig struct {
	Name     string          `mapstructure:"name"`
	Incoming incoming.Config `mapstructure:",squash"`

	DeleteUnidentified           bool `mapstructure:"delete-unidentified"`
	NotifySuccessfulRegistration bool `mapstructure:"notify-successful-registration"`

	TypeExtractor extractor.TypeConfig    `mapstructure:"type-extractor"`
	InfoExtractor extractor.InfoConfig    `mapstructure:"data-set-info-extractor"`
	Storage       storage.Config          `mapstructure:"storage-processor"`
	Validation    []validation.RuleConfig `mapstructure:"validation"`
	Hooks         hooks.Config            `mapstructure:"hooks"`
}

// NewViper returns a viper instance with defaults and environment binding.
// An empty path loads no file.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data-store-code", "DSS1")
	v.SetDefault("storeroot-dir", "data/store")

	lc := logging.DefaultConfig()
	v.SetDefault("logging.level", lc.Level)
	v.SetDefault("logging.development", lc.Development)
	v.SetDefault("logging.encoding", lc.Encoding)
	v.SetDefault("logging.output", lc.Output)

	tc := tracing.DefaultConfig()
	v.SetDefault("tracing.exporter", tc.Exporter)
	v.SetDefault("tracing.otlp-endpoint", tc.OTLPEndpoint)
	v.SetDefault("tracing.sample-rate", tc.SampleRate)
	v.SetDefault("tracing.service-name", tc.ServiceName)

	v.SetDefault("mail.kind", "none")
	v.SetDefault("mail.auth-type", "nologin")

	rc := remover.DefaultConfig()
	v.SetDefault("remover.attempts", rc.Attempts)
	v.SetDefault("remover.retry-delay", rc.RetryDelay)
	v.SetDefault("remover.queue-size", rc.QueueSize)

	sc := server.DefaultConfig()
	v.SetDefault("server.listen", sc.Listen)
	v.SetDefault("server.store", sc.Store)
	v.SetDefault("server.dsn", sc.DSN)
	v.SetDefault("server.instance-code", sc.InstanceCode)
	v.SetDefault("server.session-ttl", sc.SessionTTL)
	v.SetDefault("server.seed-file", "")
	v.SetDefault("server.auto-create-data-set-types", false)

	cc := server.DefaultClientConfig()
	v.SetDefault("client.url", cc.URL)
	v.SetDefault("client.user", "")
	v.SetDefault("client.password", "")
	v.SetDefault("client.timeout", cc.Timeout)
	v.SetDefault("client.cache-ttl", cc.CacheTTL)
}

// Load reads the configured file, if any, and decodes the result.
func Load(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, domain.ConfigurationError.New("read config %s: %v", v.ConfigFileUsed(), err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, domain.ConfigurationError.New("decode config: %v", err)
	}
	cfg.applyThreadDefaults()
	return cfg, nil
}

func (c *Config) applyThreadDefaults() {
	def := incoming.DefaultConfig()
	for i := range c.Threads {
		t := &c.Threads[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("thread-%d", i+1)
		}
		if t.Incoming.Completeness == "" {
			t.Incoming.Completeness = def.Completeness
		}
		if t.Incoming.QuietPeriod == 0 {
			t.Incoming.QuietPeriod = def.QuietPeriod
		}
		if t.Incoming.ScanInterval == 0 {
			t.Incoming.ScanInterval = def.ScanInterval
		}
		if t.Incoming.Debounce == 0 {
			t.Incoming.Debounce = def.Debounce
		}
	}
}

// Validate checks everything the daemon needs before any thread starts.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataStoreCode) == "" {
		return domain.ConfigurationError.New("data-store-code is required")
	}
	if !domain.ValidCode(domain.NormalizeCode(c.DataStoreCode)) {
		return domain.ConfigurationError.New("invalid data-store-code %q", c.DataStoreCode)
	}
	if strings.TrimSpace(c.StoreRoot) == "" {
		return domain.ConfigurationError.New("storeroot-dir is required")
	}
	if len(c.Threads) == 0 {
		return domain.ConfigurationError.New("at least one thread must be configured")
	}
	if _, err := notify.New(c.Mail); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Threads))
	dirs := make(map[string]string, len(c.Threads))
	for _, t := range c.Threads {
		if _, dup := seen[t.Name]; dup {
			return domain.ConfigurationError.New("duplicate thread name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if other, dup := dirs[t.Incoming.Dir]; dup {
			return domain.ConfigurationError.New("threads %s and %s share incoming-dir %s", other, t.Name, t.Incoming.Dir)
		}
		dirs[t.Incoming.Dir] = t.Name
		if err := t.Validate(); err != nil {
			return domain.ConfigurationError.New("thread %s: %v", t.Name, err)
		}
	}
	return nil
}

// Validate checks one thread by building its configured components.
func (t ThreadConfig) Validate() error {
	if err := t.Incoming.Validate(); err != nil {
		return err
	}
	if _, err := extractor.NewTypeExtractor(t.TypeExtractor); err != nil {
		return err
	}
	if _, err := extractor.NewDefaultInfoExtractor(t.InfoExtractor); err != nil {
		return err
	}
	if _, err := storage.ParseUnstoreAction(t.Storage.UnstoreAction); err != nil {
		return err
	}
	if _, err := validation.New(t.Validation); err != nil {
		return err
	}
	return nil
}
