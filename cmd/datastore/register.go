package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"datastore/internal/notify"
	"datastore/internal/registration"
	"datastore/internal/remover"
	"datastore/internal/tracing"
	"datastore/pkg/domain"
)

type registerOptions struct {
	thread   string
	embedded bool
}

func newRegisterCmd(a *app) *cobra.Command {
	var opts registerOptions
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register one file or directory with a thread's pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.register(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", out.Strategy, out.DataSetCode, out.Location)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.thread, "thread", "", "thread whose pipeline is used (default: the first)")
	cmd.Flags().BoolVar(&opts.embedded, "embedded-server", false, "run the application server in process instead of using client.url")
	return cmd
}

func (a *app) register(ctx context.Context, opts registerOptions, path string) (registration.Outcome, error) {
	if err := a.cfg.Validate(); err != nil {
		return registration.Outcome{}, err
	}
	thread, err := findThread(a.cfg, opts.thread)
	if err != nil {
		return registration.Outcome{}, err
	}
	if _, err := os.Lstat(path); err != nil {
		return registration.Outcome{}, domain.UserError.New("cannot register %s: %v", path, err)
	}
	logs, flush, err := a.loggers()
	if err != nil {
		return registration.Outcome{}, err
	}
	defer flush()
	if err := prepareStore(a.cfg.StoreRoot); err != nil {
		return registration.Outcome{}, err
	}
	mailer, err := notify.New(a.cfg.Mail)
	if err != nil {
		return registration.Outcome{}, err
	}

	// A one-shot registration serves no HTTP.
	svc, release, err := registrationService(ctx, nil, a.cfg, opts.embedded, nil, logs.Root)
	if err != nil {
		return registration.Outcome{}, err
	}
	defer release()

	pipeline, err := buildPipeline(ctx, a.cfg, thread, threadDeps{
		Service: svc,
		Remover: remover.Immediate{},
		Mailer:  mailer,
		Logs:    logs,
		Tracer:  tracing.Noop(),
		Lock:    &sync.Mutex{},
	})
	if err != nil {
		return registration.Outcome{}, err
	}
	return pipeline.Register(ctx, path)
}
