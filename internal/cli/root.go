// Package cli implements the probe command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-probe/internal/app"
	"github.com/katasec/dstream-probe/internal/config"
	"github.com/katasec/dstream-probe/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool

	Reset        bool
	ResetAndExit bool

	// set by PersistentPreRunE
	cfg    *config.Config
	logger hclog.Logger
}

// NewRootCommand creates the root command. Without a subcommand it runs the probe.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "probe",
		Short:         "dstream-probe captures POS database changes and ships them to the cloud",
		Version:       config.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Reset && opts.ResetAndExit {
				return WrapExitError(ExitFailure, "invalid flags", errors.New("--reset and --reset-and-exit are mutually exclusive"))
			}
			return opts.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./probe.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "remove probe objects and restart capture before running")
	cmd.Flags().BoolVar(&opts.ResetAndExit, "reset-and-exit", false, "remove probe objects, restart capture and exit")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitStartupError, "failed to load configuration", err)
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	o.logger = logging.New(logging.Options{Level: level, JSON: cfg.Log.JSON, Output: cmd.ErrOrStderr()})
	logging.SetLogger(o.logger)
	o.cfg = cfg
	return nil
}

func runProbe(ctx context.Context, opts *RootOptions) error {
	probe, err := app.New(opts.cfg, app.WithLogger(opts.logger))
	if err != nil {
		return err
	}

	if opts.Reset || opts.ResetAndExit {
		if err := probe.Reset(ctx); err != nil {
			return errors.Join(err, probe.Close(context.WithoutCancel(ctx)))
		}
		if opts.ResetAndExit {
			opts.logger.Info("Reset complete", "source", probe.Source())
			return probe.Close(ctx)
		}
	}

	return probe.Run(ctx)
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
