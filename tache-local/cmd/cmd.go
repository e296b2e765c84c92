// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// package cmd defines the tache-local root command.
package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/edgelesssys/tache/internal/config"
	"github.com/edgelesssys/tache/internal/constants"
	"github.com/edgelesssys/tache/internal/logging"
	"github.com/edgelesssys/tache/internal/process"
	"github.com/edgelesssys/tache/tache-local/internal/relay"
	"github.com/edgelesssys/tache/tache-local/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	logLevel        string
	verbosity       int
	withoutTime     bool
	logFile         string
	configPath      string
	serverAddr      string
	localAddr       string
	shutdownTimeout time.Duration
)

// New returns the root command of tache-local.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tache-local",
		Short:   "The tache local client accepts local connections and relays them to a tache server.",
		Args:    cobra.NoArgs,
		Version: constants.Version(),
		RunE:    runLocal,
	}

	cmd.Flags().StringVarP(&logLevel, logging.Flag, logging.FlagShorthand, logging.DefaultFlagValue, logging.FlagInfo)
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase logging verbosity, can be repeated")
	cmd.Flags().BoolVar(&withoutTime, "without-time", false, "omit timestamps from log records")
	cmd.Flags().StringVar(&logFile, "log-file", "", "additionally write logs to the given file, which is rotated automatically")

	cmd.Flags().StringVarP(&configPath, "config", "c", "", fmt.Sprintf("path to a JSON configuration file. Falls back to $%s, then to built-in defaults.", constants.ConfigPathEnv))
	cmd.Flags().StringVar(&serverAddr, "server-addr", "", "host:port of the tache server, overrides the configuration file")
	cmd.Flags().StringVar(&localAddr, "local-addr", "", "host:port to accept local connections on, overrides the configuration file")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", constants.DefaultShutdownTimeout, "how long to wait for connections to close on shutdown")
	must(cmd.Flags().MarkHidden("shutdown-timeout"))

	return cmd
}

func runLocal(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	log := logging.NewLogger(logging.Options{
		Level:       logLevel,
		Verbosity:   verbosity,
		WithoutTime: withoutTime,
		Component:   constants.LocalComponent,
		File:        logFile,
		Output:      cmd.ErrOrStderr(),
	})
	log.Info("tache local client", "version", constants.Version())

	if shutdownTimeout <= 0 {
		err := fmt.Errorf("shutdown timeout must be positive, got %s", shutdownTimeout)
		log.Error("Invalid flags", "error", err)
		return err
	}

	cfg, err := resolveConfig(afero.NewOsFs(), configPath, serverAddr, localAddr)
	if err != nil {
		log.Error("Resolving configuration", "error", err)
		return err
	}
	log.Debug("Resolved configuration", "config", cfg)

	service := relay.New(log, prometheus.NewRegistry())
	monitor := process.SignalMonitor{
		Signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		Out:     cmd.ErrOrStderr(),
	}
	sup := supervisor.New(service, monitor, log, supervisor.WithShutdownTimeout(shutdownTimeout))
	if err := sup.Launch(cmd.Context(), cfg); err != nil {
		log.Error("Server exited unexpectedly", "error", err)
		return err
	}
	log.Info("Shut down")
	return nil
}

// resolveConfig loads the configuration from path or the environment, applies the
// command line overrides and validates the result.
func resolveConfig(fs afero.Fs, path, serverAddr, localAddr string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(constants.ConfigPathEnv)
	}
	cfg, err := config.Resolve(fs, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(serverAddr, localAddr); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
