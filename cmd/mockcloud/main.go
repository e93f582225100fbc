// Command mockcloud serves a local stand-in for the cloud change API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/mockcloud"
)

type options struct {
	addr      string
	token     string
	failNext  int
	failCode  int
	alwaysErr int
	logLevel  string
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "mockcloud",
		Short:         "Serve a mock cloud change API for local testing",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.token, "token", "", "require this bearer token")
	cmd.Flags().IntVar(&opts.failNext, "fail-next", 0, "fail this many POSTs before accepting")
	cmd.Flags().IntVar(&opts.failCode, "fail-status", http.StatusServiceUnavailable, "status returned by --fail-next")
	cmd.Flags().IntVar(&opts.alwaysErr, "always-fail", 0, "answer every POST with this status")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func serve(ctx context.Context, opts *options) error {
	logger := logging.New(logging.Options{Level: opts.logLevel}).Named("mockcloud")

	mock := mockcloud.New(mockcloud.WithToken(opts.token), mockcloud.WithLogger(logger))
	if opts.failNext > 0 {
		mock.FailNext(opts.failNext, opts.failCode)
	}
	if opts.alwaysErr > 0 {
		mock.AlwaysFail(opts.alwaysErr)
	}

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", opts.addr, "tokenRequired", opts.token != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Stopped", "changes", len(mock.Changes()), "requests", mock.Requests(), "duplicates", mock.Duplicates())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
