package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-probe/internal/buffer"
)

// NewDeadLettersCommand creates the deadletters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect, export and requeue changes that exhausted their delivery attempts",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersExportCommand(rootOpts))
	cmd.AddCommand(newDeadLettersRequeueCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered changes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			buf, err := buffer.OpenReadOnly(ctx, rootOpts.cfg.Buffer.Path, buffer.WithLogger(rootOpts.logger))
			if err != nil {
				return err
			}
			defer buf.Close()

			entries, err := buf.DeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTABLE\tOP\tATTEMPTS\tLAST ATTEMPT\tERROR")
			for _, e := range entries {
				table, op := e.Change.Table, string(e.Change.Operation)
				if e.Raw != nil {
					table, op = e.Raw.TableName, string(e.Raw.Operation)+" (undecoded)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID(), table, op, e.AttemptCount, formatAttempt(e.LastAttemptAt), e.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 for all)")
	return cmd
}

func newDeadLettersExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "export <file.xlsx>",
		Short:         "Export dead-lettered changes to an Excel workbook",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			buf, err := buffer.OpenReadOnly(ctx, rootOpts.cfg.Buffer.Path, buffer.WithLogger(rootOpts.logger))
			if err != nil {
				return err
			}
			defer buf.Close()

			n, err := buf.ExportDeadLetters(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d dead letters to %s\n", n, args[0])
			return nil
		},
	}
}

func newDeadLettersRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "requeue <id>...",
		Short:         "Return dead-lettered changes to the delivery queue",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			buf, err := buffer.Open(ctx, rootOpts.cfg.Buffer.Path, buffer.WithLogger(rootOpts.logger))
			if err != nil {
				return err
			}
			defer buf.Close()

			var errs *multierror.Error
			for _, id := range args {
				if err := buf.Requeue(ctx, id); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", id)
			}
			return errs.ErrorOrNil()
		},
	}
}

func formatAttempt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
