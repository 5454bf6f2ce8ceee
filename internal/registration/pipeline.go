package registration

import (
	"context"
	"strings"
	"sync"
	"time"

	"datastore/internal/hooks"
	"datastore/internal/logging"
	"datastore/internal/notify"
	"datastore/internal/strategy"
	"datastore/internal/tracing"
	"datastore/pkg/domain"
)

// Pipeline registers the items of one dropbox thread.
type Pipeline struct {
	state State
}

// NewPipeline checks the mandatory wiring of state and fills in defaults
// for the rest.
func NewPipeline(state State) (*Pipeline, error) {
	switch {
	case state.Service == nil:
		return nil, domain.ConfigurationError.New("thread %s: no registration service", state.Thread)
	case state.Processor == nil:
		return nil, domain.ConfigurationError.New("thread %s: no storage processor", state.Thread)
	case state.Types == nil || state.Info == nil:
		return nil, domain.ConfigurationError.New("thread %s: extractors missing", state.Thread)
	case strings.TrimSpace(state.Layout.StoreRoot) == "":
		return nil, domain.ConfigurationError.New("thread %s: no store root", state.Thread)
	}
	if state.Selector == nil {
		state.Selector = strategy.NewSelector(state.Service)
	}
	noop := hooks.NoopSet()
	if state.Hooks.Pre == nil {
		state.Hooks.Pre = noop.Pre
	}
	if state.Hooks.PreUndo == nil {
		state.Hooks.PreUndo = noop.PreUndo
	}
	if state.Hooks.Post == nil {
		state.Hooks.Post = noop.Post
	}
	if state.Logs.Root == nil || state.Logs.Operation == nil || state.Logs.Notify == nil {
		state.Logs = logging.Split(state.Logs.Root)
	}
	if state.Notifier == nil {
		state.Notifier = notify.NewNotifier(nil, nil, state.Logs.Root)
	}
	if state.Lock == nil {
		state.Lock = &sync.Mutex{}
	}
	if state.Tracer == nil {
		state.Tracer = tracing.Noop()
	}
	if state.Now == nil {
		state.Now = time.Now
	}
	return &Pipeline{state: state}, nil
}

// Register runs one attempt for a claimed path.
func (p *Pipeline) Register(ctx context.Context, claimed string) (Outcome, error) {
	return newAlgorithm(&p.state, claimed).Register(ctx)
}

// Handle has the shape of an incoming.Handler.
func (p *Pipeline) Handle(ctx context.Context, claimed string) error {
	_, err := p.Register(ctx, claimed)
	return err
}

// Thread returns the thread name the pipeline was built for.
func (p *Pipeline) Thread() string { return p.state.Thread }
