// Package incoming watches a dropbox directory and hands complete items to
// the registration, one at a time.
package incoming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"datastore/pkg/domain"
)

// Completeness conditions.
const (
	MarkerFile    = "marker-file"
	AutoDetection = "auto-detection"
)

// Reserved names inside the incoming directory.
const (
	ProcessingDir   = ".processing"
	FaultyPathsFile = ".faulty_paths"
	MarkerPrefix    = ".MARKER_is_finished_"
)

// Config describes one incoming directory.
type Config struct {
	Dir          string        `mapstructure:"incoming-dir"`
	Completeness string        `mapstructure:"incoming-data-completeness-condition"`
	QuietPeriod  time.Duration `mapstructure:"quiet-period"`
	ScanInterval time.Duration `mapstructure:"scan-interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// DefaultConfig uses marker files and rescans every minute.
func DefaultConfig() Config {
	return Config{
		Completeness: MarkerFile,
		QuietPeriod:  5 * time.Minute,
		ScanInterval: time.Minute,
		Debounce:     time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return domain.ConfigurationError.New("incoming-dir is required")
	}
	switch c.Completeness {
	case MarkerFile, AutoDetection:
	default:
		return domain.ConfigurationError.New("unknown incoming-data-completeness-condition %q", c.Completeness)
	}
	if c.ScanInterval <= 0 {
		return domain.ConfigurationError.New("scan-interval must be positive")
	}
	return nil
}

// Handler registers one claimed item. The item is considered faulty when it
// still exists at its claimed path once the handler returns.
type Handler func(ctx context.Context, claimed string) error

// Scanner feeds complete items of one directory to a handler.
type Scanner struct {
	cfg     Config
	handler Handler
	log     *zap.Logger
	now     func() time.Time

	faulty map[string]struct{}
}

// New prepares the directory: it creates the processing directory, loads the
// faulty paths and returns items left over from an interrupted run to the
// incoming directory.
func New(cfg Config, handler Handler, log *zap.Logger) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{cfg: cfg, handler: handler, log: log, now: time.Now, faulty: make(map[string]struct{})}
	if err := os.MkdirAll(s.processingDir(), 0o755); err != nil {
		return nil, domain.EnvironmentError.New("create %s: %v", s.processingDir(), err)
	}
	if err := s.loadFaulty(); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scanner) processingDir() string { return filepath.Join(s.cfg.Dir, ProcessingDir) }
func (s *Scanner) faultyFile() string    { return filepath.Join(s.cfg.Dir, FaultyPathsFile) }

func (s *Scanner) loadFaulty() error {
	f, err := os.Open(s.faultyFile())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return domain.EnvironmentError.New("read %s: %v", s.faultyFile(), err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			s.faulty[name] = struct{}{}
		}
	}
	return sc.Err()
}

func (s *Scanner) markFaulty(name string) error {
	s.faulty[name] = struct{}{}
	names := make([]string, 0, len(s.faulty))
	for n := range s.faulty {
		names = append(names, n)
	}
	sort.Strings(names)
	return os.WriteFile(s.faultyFile(), []byte(strings.Join(names, "\n")+"\n"), 0o644)
}

// Faulty returns the names currently skipped.
func (s *Scanner) Faulty() []string {
	names := make([]string, 0, len(s.faulty))
	for n := range s.faulty {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scanner) recover() error {
	entries, err := os.ReadDir(s.processingDir())
	if err != nil {
		return domain.EnvironmentError.New("read %s: %v", s.processingDir(), err)
	}
	for _, e := range entries {
		src := filepath.Join(s.processingDir(), e.Name())
		dst := filepath.Join(s.cfg.Dir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return domain.EnvironmentError.New("return interrupted %s: %v", e.Name(), err)
		}
		s.log.Warn("returned interrupted item to incoming", zap.String("item", e.Name()))
	}
	return nil
}

// Run scans on every filesystem event and every scan interval until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", s.cfg.Dir, err)
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	var debounce <-chan time.Time

	s.scanLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if s.relevant(event) && debounce == nil {
				debounce = time.After(s.cfg.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			s.scanLogged(ctx)
		case <-ticker.C:
			s.scanLogged(ctx)
		}
	}
}

func (s *Scanner) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	return base != ProcessingDir && base != FaultyPathsFile
}

func (s *Scanner) scanLogged(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("scan failed", zap.String("dir", s.cfg.Dir), zap.Error(err))
	}
}

// Scan processes every complete item once and returns how many were handed
// to the handler.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	ready, err := s.readyItems()
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, name := range ready {
		if ctx.Err() != nil {
			return processed, nil
		}
		if err := s.process(ctx, name); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Scanner) readyItems() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, domain.EnvironmentError.New("read %s: %v", s.cfg.Dir, err)
	}
	var ready []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, skip := s.faulty[name]; skip {
			continue
		}
		ok, err := s.complete(name)
		if err != nil {
			s.log.Warn("cannot check completeness", zap.String("item", name), zap.Error(err))
			continue
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready, nil
}

func (s *Scanner) complete(name string) (bool, error) {
	if s.cfg.Completeness == MarkerFile {
		_, err := os.Stat(filepath.Join(s.cfg.Dir, MarkerPrefix+name))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	}
	latest, err := lastModified(filepath.Join(s.cfg.Dir, name))
	if err != nil {
		return false, err
	}
	return s.now().Sub(latest) >= s.cfg.QuietPeriod, nil
}

func lastModified(path string) (time.Time, error) {
	var latest time.Time
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest, err
}

// process claims name, runs the handler and files leftovers as faulty.
func (s *Scanner) process(ctx context.Context, name string) error {
	source := filepath.Join(s.cfg.Dir, name)
	claimed := filepath.Join(s.processingDir(), name)
	if err := os.Rename(source, claimed); err != nil {
		return domain.EnvironmentError.New("claim %s: %v", name, err)
	}
	if err := s.handler(ctx, claimed); err != nil {
		s.log.Debug("handler failed", zap.String("item", name), zap.Error(err))
	}
	if s.cfg.Completeness == MarkerFile {
		if err := os.Remove(filepath.Join(s.cfg.Dir, MarkerPrefix+name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cannot delete marker file", zap.String("item", name), zap.Error(err))
		}
	}
	if _, err := os.Lstat(claimed); err != nil {
		return nil
	}
	if err := os.Rename(claimed, source); err != nil {
		return domain.EnvironmentError.New("return faulty %s: %v", name, err)
	}
	s.log.Warn("item left in incoming is marked faulty", zap.String("item", name))
	if err := s.markFaulty(name); err != nil {
		return domain.EnvironmentError.New("write %s: %v", s.faultyFile(), err)
	}
	return nil
}
