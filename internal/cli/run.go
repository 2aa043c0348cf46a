package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"respire/internal/app"
)

// NewRunCommand creates the daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), rootOpts.ConfigPath, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for a graceful shutdown")
	return cmd
}

func runDaemon(parent context.Context, path string, stopTimeout time.Duration) error {
	a, err := app.NewApp(path)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stop := func(reason app.StopReason) error {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		return a.Stop(stopCtx, reason)
	}

	if err := a.Start(ctx); err != nil {
		_ = stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	if err := stop(reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
