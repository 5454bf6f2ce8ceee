// Package hooks runs the external scripts configured around a registration.
package hooks

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"datastore/pkg/domain"
)

// Config names the scripts of a dropbox thread. Empty entries are no-ops.
type Config struct {
	PreRegistrationScript     string        `mapstructure:"pre-registration-script"`
	PreRegistrationUndoScript string        `mapstructure:"pre-registration-undo-script"`
	PostRegistrationScript    string        `mapstructure:"post-registration-script"`
	Timeout                   time.Duration `mapstructure:"timeout"`
}

// Hook is invoked with the dataset code and the path it concerns.
type Hook interface {
	Run(ctx context.Context, dataSetCode, path string) error
}

// Noop does nothing.
type Noop struct{}

func (Noop) Run(context.Context, string, string) error { return nil }

// CommandFactoryFunc creates the exec.Cmd; swapped in tests.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Script runs an executable as `<script> <dataset-code> <path>`.
type Script struct {
	path    string
	timeout time.Duration
	log     *zap.Logger
	command CommandFactoryFunc
}

// NewScript returns a hook for the executable at path.
func NewScript(path string, timeout time.Duration, log *zap.Logger) *Script {
	if log == nil {
		log = zap.NewNop()
	}
	return &Script{path: path, timeout: timeout, log: log, command: exec.CommandContext}
}

// Run executes the script and fails with an environment error carrying its
// output when it exits non-zero.
func (s *Script) Run(ctx context.Context, dataSetCode, path string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	cmd := s.command(ctx, s.path, dataSetCode, path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err := cmd.Run()
	s.log.Debug("hook finished",
		zap.String("script", s.path),
		zap.String("data-set", dataSetCode),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return domain.EnvironmentError.New("script %s %s failed: %v: %s", s.path, dataSetCode, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Set is the hooks of one dropbox thread.
type Set struct {
	Pre     Hook
	PreUndo Hook
	Post    Hook
}

// NoopSet runs nothing.
func NoopSet() Set { return Set{Pre: Noop{}, PreUndo: Noop{}, Post: Noop{}} }

// FromConfig builds the hook set; unset scripts become Noop.
func FromConfig(cfg Config, log *zap.Logger) Set {
	pick := func(path string) Hook {
		if strings.TrimSpace(path) == "" {
			return Noop{}
		}
		return NewScript(path, cfg.Timeout, log)
	}
	return Set{
		Pre:     pick(cfg.PreRegistrationScript),
		PreUndo: pick(cfg.PreRegistrationUndoScript),
		Post:    pick(cfg.PostRegistrationScript),
	}
}
