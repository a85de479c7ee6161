package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Zereker/ingest/internal/config"
)

type serveOptions struct {
	configPath string
	listen     string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.Flags(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&opts.listen, "listen", "", "override the listen address from the config file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(ctx context.Context, flags *pflag.FlagSet, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "--listen")
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, newLogger(os.Stderr, cfg.LogLevel))
	if err != nil {
		return err
	}
	return d.run(ctx)
}
