package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datastore/internal/incoming"
	"datastore/internal/notify"
	"datastore/internal/registration"
	"datastore/internal/remover"
	"datastore/internal/tracing"
)

type runOptions struct {
	embedded      bool
	metricsListen string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch every configured incoming directory and register what arrives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.embedded, "embedded-server", false, "run the application server in process instead of using client.url")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "address serving /metrics, e.g. :9102")
	return cmd
}

func (a *app) run(ctx context.Context, opts runOptions) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	logs, flush, err := a.loggers()
	if err != nil {
		return err
	}
	defer flush()
	logConfig(logs.Root, a.cfg)
	if err := prepareStore(a.cfg.StoreRoot); err != nil {
		return err
	}

	provider, err := tracing.NewProvider(ctx, a.cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logs.Root.Warn("flushing traces", zap.Error(err))
		}
	}()

	mailer, err := notify.New(a.cfg.Mail)
	if err != nil {
		return err
	}
	worker := remover.NewWorker(a.cfg.Remover, logs.Root.Named("remover"))
	worker.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := worker.Stop(stopCtx); err != nil {
			logs.Root.Warn("remover did not drain", zap.Error(err))
		}
	}()

	reg := newRegistry()
	g, gctx := errgroup.WithContext(ctx)
	svc, release, err := registrationService(gctx, g, a.cfg, opts.embedded, reg, logs.Root)
	if err != nil {
		return err
	}
	defer release()
	if opts.metricsListen != "" {
		serveHTTP(gctx, g, metricsServer(opts.metricsListen, reg), logs.Root)
	}

	deps := threadDeps{
		Service: svc,
		Remover: worker,
		Mailer:  mailer,
		Logs:    logs,
		Tracer:  provider.Tracer(),
		Metrics: registration.NewMetrics(reg),
		Lock:    &sync.Mutex{},
	}
	for _, t := range a.cfg.Threads {
		pipeline, err := buildPipeline(gctx, a.cfg, t, deps)
		if err != nil {
			return err
		}
		scanner, err := incoming.New(t.Incoming, pipeline.Handle, logs.Root.Named(t.Name))
		if err != nil {
			return err
		}
		g.Go(func() error { return scanner.Run(gctx) })
	}
	logs.Operation.Info("datastore server started", zap.Int("threads", len(a.cfg.Threads)))
	err = g.Wait()
	logs.Operation.Info("datastore server stopped")
	return err
}
