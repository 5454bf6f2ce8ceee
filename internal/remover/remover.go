// Package remover deletes partial store artifacts in the background so that
// rollbacks never block on slow filesystems.
package remover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds retries of a single removal.
type Config struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry-delay"`
	QueueSize  int           `mapstructure:"queue-size"`
}

// DefaultConfig returns three attempts one second apart.
func DefaultConfig() Config {
	return Config{Attempts: 3, RetryDelay: time.Second, QueueSize: 64}
}

// ErrQueueFull is returned by Enqueue when the worker cannot keep up.
var ErrQueueFull = errors.New("remover queue full")

// Remover is what storage processors need to schedule deletions.
type Remover interface {
	Enqueue(path string) error
}

// Worker removes queued paths with a single consumer goroutine.
type Worker struct {
	cfg    Config
	log    *zap.Logger
	remove func(string) error

	queue chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
	stopped sync.Once
}

// NewWorker constructs a worker; log may be nil.
func NewWorker(cfg Config, log *zap.Logger) *Worker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		log:    log,
		remove: os.RemoveAll,
		queue:  make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing queued paths.
func (w *Worker) Start() {
	w.started.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Stop signals the worker to finish the queued paths and waits for it.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopped.Do(w.cancel)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules path for removal. It never blocks.
func (w *Worker) Enqueue(path string) error {
	if path == "" {
		return nil
	}
	if w.ctx.Err() != nil {
		return fmt.Errorf("remover stopped, cannot remove %s", path)
	}
	select {
	case w.queue <- path:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case path := <-w.queue:
			w.process(path)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case path := <-w.queue:
			w.process(path)
		default:
			return
		}
	}
}

func (w *Worker) process(path string) {
	var err error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		if err = w.remove(path); err == nil {
			w.log.Debug("removed", zap.String("path", path), zap.Int("attempt", attempt))
			return
		}
		if attempt < w.cfg.Attempts && w.cfg.RetryDelay > 0 {
			timer := time.NewTimer(w.cfg.RetryDelay)
			select {
			case <-timer.C:
			case <-w.ctx.Done():
				timer.Stop()
			}
		}
	}
	w.log.Error("could not remove path", zap.String("path", path), zap.Int("attempts", w.cfg.Attempts), zap.Error(err))
}

// Immediate removes synchronously; used where no worker runs (one-shot CLI).
type Immediate struct{}

// Enqueue removes path right away.
func (Immediate) Enqueue(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
