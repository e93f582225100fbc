package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-probe/internal/db"
	"github.com/katasec/dstream-probe/internal/schema"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the change-log table and triggers on the source database",
		Long: `Connect to the source database and verify that the change-log table
has the expected shape and that every captured table carries all three
probe triggers. Nothing is created or dropped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	cfg := opts.cfg
	if cfg.Database.Path == "" {
		return WrapExitError(ExitStartupError, "invalid configuration", errors.New("PROBE_DB_PATH is required"))
	}

	dialect, err := schema.ForDialect(cfg.Database.Dialect)
	if err != nil {
		return WrapExitError(ExitStartupError, "invalid configuration", err)
	}
	conn, err := db.Connect(ctx, cfg.Database.ConnectionInfo(), cfg.Database.ConnectAttempts, opts.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr := schema.NewManager(conn, dialect,
		schema.WithLogger(opts.logger),
		schema.WithQueryTimeout(cfg.Intake.QueryTimeout))
	report, err := mgr.ValidateInstallation(ctx, cfg.Database.Tables)
	if err != nil {
		return fmt.Errorf("failed to validate installation: %w", err)
	}

	out := cmd.OutOrStdout()
	report.Write(out)
	if report.ChangeLog.Exists {
		if pending, err := mgr.PendingChanges(ctx); err == nil {
			fmt.Fprintf(out, "\nPending change-log rows: %d\n", pending)
		}
	}

	if !report.AllPassed() {
		problems := append(append([]string(nil), report.ChangeLog.Problems...), report.Failed()...)
		return WrapExitError(ExitFailure, "validation failed", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
