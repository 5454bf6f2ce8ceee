package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datastore/internal/server"
)

func newServerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the application server datasets are registered with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address, e.g. :8888")
	cmd.Flags().String("store", "", "registry store: memory, sqlite or postgres")
	cmd.Flags().String("dsn", "", "sqlite path or postgres connection string")
	cmd.Flags().String("seed", "", "YAML file with spaces, projects, experiments and samples to create")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logs, flush, err := a.loggers()
	if err != nil {
		return err
	}
	defer flush()

	svc, backend, err := server.New(ctx, a.cfg.Server, logs.Root.Named("server"))
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logs.Root.Warn("closing registry store", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	serveHTTP(gctx, g, &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           server.NewHandler(svc, newRegistry(), logs.Root.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}, logs.Root)
	logs.Operation.Info("application server started",
		zap.String("listen", a.cfg.Server.Listen),
		zap.String("store", a.cfg.Server.Store))
	return g.Wait()
}
