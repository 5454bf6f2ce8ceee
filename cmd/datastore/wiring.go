package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datastore/internal/config"
	"datastore/internal/extractor"
	"datastore/internal/hooks"
	"datastore/internal/logging"
	"datastore/internal/notify"
	"datastore/internal/registration"
	"datastore/internal/remover"
	"datastore/internal/server"
	"datastore/internal/storage"
	"datastore/internal/strategy"
	"datastore/internal/validation"
	"datastore/pkg/domain"
)

const shutdownTimeout = 10 * time.Second

// threadDeps are shared by every thread of one process.
type threadDeps struct {
	Service domain.RegistrationService
	Remover remover.Remover
	Mailer  notify.Mailer
	Logs    logging.Loggers
	Tracer  trace.Tracer
	Metrics *registration.Metrics
	Lock    sync.Locker
}

// buildPipeline wires the configured components of one thread.
func buildPipeline(ctx context.Context, cfg config.Config, t config.ThreadConfig, deps threadDeps) (*registration.Pipeline, error) {
	logs := deps.Logs.Named(t.Name)
	types, err := extractor.NewTypeExtractor(t.TypeExtractor)
	if err != nil {
		return nil, err
	}
	info, err := extractor.NewDefaultInfoExtractor(t.InfoExtractor)
	if err != nil {
		return nil, err
	}
	processor, err := storage.New(ctx, t.Storage, storage.Deps{Remover: deps.Remover, Logger: logs.Root})
	if err != nil {
		return nil, err
	}
	validator, err := validation.New(t.Validation)
	if err != nil {
		return nil, err
	}
	return registration.NewPipeline(registration.State{
		Thread:                       t.Name,
		Service:                      deps.Service,
		Processor:                    processor,
		Types:                        types,
		Info:                         info,
		Layout:                       strategy.Layout{StoreRoot: cfg.StoreRoot},
		Validator:                    validator,
		Hooks:                        hooks.FromConfig(t.Hooks, logs.Root.Named("hooks")),
		Notifier:                     notify.NewNotifier(deps.Mailer, cfg.Mail.Recipients, logs.Notify),
		Lock:                         deps.Lock,
		Logs:                         logs,
		Tracer:                       deps.Tracer,
		Metrics:                      deps.Metrics,
		DeleteUnidentified:           t.DeleteUnidentified,
		NotifySuccessfulRegistration: t.NotifySuccessfulRegistration,
		DataStoreCode:                domain.NormalizeCode(cfg.DataStoreCode),
	})
}

// findThread returns the named thread, or the first one when name is empty.
func findThread(cfg config.Config, name string) (config.ThreadConfig, error) {
	if name == "" && len(cfg.Threads) > 0 {
		return cfg.Threads[0], nil
	}
	for _, t := range cfg.Threads {
		if t.Name == name {
			return t, nil
		}
	}
	return config.ThreadConfig{}, domain.ConfigurationError.New("no thread named %q", name)
}

// prepareStore creates the store root.
func prepareStore(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return domain.EnvironmentError.New("create store root %s: %v", root, err)
	}
	return nil
}

// registrationService returns the service the pipelines talk to. In embedded
// mode the application server runs in this process; its HTTP API is served
// on g when listen is set. The returned func releases the embedded backend.
func registrationService(ctx context.Context, g *errgroup.Group, cfg config.Config, embedded bool, reg *prometheus.Registry, log *zap.Logger) (domain.RegistrationService, func(), error) {
	if !embedded {
		client, err := server.NewClient(cfg.Client)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Logout(context.Background()) }, nil
	}
	svc, backend, err := server.New(ctx, cfg.Server, log.Named("server"))
	if err != nil {
		return nil, nil, err
	}
	if g != nil && cfg.Server.Listen != "" {
		serveHTTP(ctx, g, &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           server.NewHandler(svc, reg, log.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}, log)
	}
	closeBackend := func() {
		if err := backend.Close(); err != nil {
			log.Warn("closing registry store", zap.Error(err))
		}
	}
	return server.NewLocal(svc, cfg.Client.User, cfg.Client.Password), closeBackend, nil
}

// serveHTTP runs srv on g until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return domain.EnvironmentError.New("serve %s: %v", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// newRegistry returns a metrics registry carrying the runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// metricsServer exposes reg on /metrics.
func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}
