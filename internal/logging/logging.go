// Package logging builds the zap loggers used by the datastore server.
package logging

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is the logging setup error class.
var Error = errs.Class("logging")

// Category names of the two audit streams.
const (
	// OperationCategory carries routine registration audit lines.
	OperationCategory = "operation"
	// NotifyCategory carries alerts an operator has to act on.
	NotifyCategory = "notify"
)

// Config configures the root logger.
type Config struct {
	Level       string   `mapstructure:"level"`
	Development bool     `mapstructure:"development"`
	Encoding    string   `mapstructure:"encoding"` // console or json
	Output      []string `mapstructure:"output"`
}

// DefaultConfig logs info and above as console text to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "console", Output: []string{"stderr"}}
}

// New creates the root logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, Error.New("invalid level %q", cfg.Level)
		}
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "console"
	}
	output := cfg.Output
	if len(output) == 0 {
		output = []string{"stderr"}
	}
	log, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		DisableCaller:     !cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      output,
		ErrorOutputPaths: output,
	}.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return log, nil
}

// Loggers groups the category loggers derived from one root.
type Loggers struct {
	Root      *zap.Logger
	Operation *zap.Logger
	Notify    *zap.Logger
}

// Split derives the category loggers from root. A nil root yields no-op loggers.
func Split(root *zap.Logger) Loggers {
	if root == nil {
		root = zap.NewNop()
	}
	return Loggers{
		Root:      root,
		Operation: root.Named(OperationCategory),
		Notify:    root.Named(NotifyCategory),
	}
}

// Named returns a copy whose loggers are all scoped by name, e.g. a dropbox thread.
func (l Loggers) Named(name string) Loggers {
	return Loggers{
		Root:      l.Root.Named(name),
		Operation: l.Operation.With(zap.String("thread", name)),
		Notify:    l.Notify.With(zap.String("thread", name)),
	}
}
