package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/cloud"
)

// StatusReport is what the status command prints
type StatusReport struct {
	BufferPath  string              `json:"bufferPath"`
	Stats       buffer.Stats        `json:"stats"`
	Checkpoints []buffer.Checkpoint `json:"checkpoints"`
	Endpoint    string              `json:"endpoint,omitempty"`
	Reachable   *bool               `json:"reachable,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON, ping bool
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show buffer counts and intake checkpoints",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := collectStatus(cmd.Context(), rootOpts, ping)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			writeStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&ping, "ping", false, "check that the cloud endpoint is reachable")
	return cmd
}

func collectStatus(ctx context.Context, opts *RootOptions, ping bool) (StatusReport, error) {
	cfg := opts.cfg
	report := StatusReport{BufferPath: cfg.Buffer.Path}

	buf, err := buffer.OpenReadOnly(ctx, cfg.Buffer.Path, buffer.WithLogger(opts.logger))
	if err != nil {
		return report, err
	}
	defer buf.Close()

	if report.Stats, err = buf.Stats(ctx); err != nil {
		return report, err
	}
	if report.Checkpoints, err = buf.Checkpoints(ctx); err != nil {
		return report, err
	}

	if ping && cfg.Cloud.Enabled {
		report.Endpoint = cfg.Cloud.Endpoint
		client, err := cloud.New(cfg.Cloud.Endpoint, nil,
			cloud.WithRequestTimeout(cfg.Cloud.RequestTimeout),
			cloud.WithLogger(opts.logger))
		if err != nil {
			return report, err
		}
		reachable := client.Ping(ctx) == nil
		report.Reachable = &reachable
	}
	return report, nil
}

func writeStatus(w io.Writer, r StatusReport) {
	fmt.Fprintf(w, "Buffer:          %s (%d bytes)\n", r.BufferPath, r.Stats.FileSize)
	fmt.Fprintf(w, "  pending        %d\n", r.Stats.Pending)
	fmt.Fprintf(w, "  in flight      %d\n", r.Stats.InFlight)
	fmt.Fprintf(w, "  delivered      %d\n", r.Stats.Delivered)
	fmt.Fprintf(w, "  dead-lettered  %d\n", r.Stats.DeadLettered)
	if r.Stats.OldestPendingAge > 0 {
		fmt.Fprintf(w, "  oldest pending %s\n", r.Stats.OldestPendingAge.Round(time.Second))
	}
	if len(r.Checkpoints) == 0 {
		fmt.Fprintln(w, "Checkpoints:     none")
	} else {
		fmt.Fprintln(w, "Checkpoints:")
	}
	for _, cp := range r.Checkpoints {
		fmt.Fprintf(w, "  %s  seq=%d  generation=%s  updated=%s\n",
			cp.Source, cp.LastSeenSequenceID, cp.Generation, cp.UpdatedAt.Format(time.RFC3339))
	}
	if r.Reachable != nil {
		fmt.Fprintf(w, "Endpoint:        %s reachable=%t\n", r.Endpoint, *r.Reachable)
	}
}
