package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datastore/internal/config"
	"datastore/internal/logging"
)

// flagKeys maps command line flags onto configuration keys. A flag only
// overrides the file and environment when it is set.
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"listen":    "server.listen",
	"store":     "server.store",
	"dsn":       "server.dsn",
	"seed":      "server.seed-file",
}

// app is the state shared by the subcommands.
type app struct {
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "datastore",
		Short:        "Register incoming datasets with an application server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "configuration file (YAML)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.AddCommand(newRunCmd(a), newRegisterCmd(a), newServerCmd(a), newVersionCmd())
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	v := config.NewViper(a.cfgFile)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// loggers builds the category loggers; the returned func flushes them.
func (a *app) loggers() (logging.Loggers, func(), error) {
	root, err := logging.New(a.cfg.Logging)
	if err != nil {
		return logging.Loggers{}, nil, err
	}
	return logging.Split(root), func() { _ = root.Sync() }, nil
}

func logConfig(log *zap.Logger, cfg config.Config) {
	names := make([]string, 0, len(cfg.Threads))
	for _, t := range cfg.Threads {
		names = append(names, t.Name)
	}
	log.Info("configuration loaded",
		zap.String("data_store_code", cfg.DataStoreCode),
		zap.String("store_root", cfg.StoreRoot),
		zap.Strings("threads", names))
}
