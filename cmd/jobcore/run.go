package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobcore/internal/app"
	"jobcore/internal/queue"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and process configured queues until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			a.HandleAll(echo)
			if p := a.Pool(); p != nil {
				p.SetProcessor(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
					return in, nil
				})
			}

			if err := a.Start(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-a.Done():
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx); err != nil {
				return err
			}
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "max time to drain active jobs on shutdown")
	return cmd
}

// echo completes every job with its own payload.
func echo(_ context.Context, job queue.Job[json.RawMessage]) (any, error) {
	return job.Data, nil
}
