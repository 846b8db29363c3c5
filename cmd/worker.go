package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"leadflow/internal/bootstrap"
	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker pools and the daily decay scheduler",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logging.WithAttrs(ctx, slog.String("command", cmd.CommandPath()))

		rawQueues, _ := cmd.Flags().GetStringSlice("queues")
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

		queues := make([]job.QueueName, 0, len(rawQueues))
		for _, raw := range rawQueues {
			q, err := job.ParseQueueName(raw)
			if err != nil {
				return err
			}
			queues = append(queues, q)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return app.Runner.Run(gctx, queues...)
		})
		if !noScheduler {
			g.Go(func() error {
				return app.Scheduler.Run(gctx)
			})
		}

		logging.Info(ctx, "worker started",
			slog.Any("queues", rawQueues),
			slog.Bool("scheduler", !noScheduler),
		)
		if err := g.Wait(); err != nil {
			return errs.Wrap(err, "run workers")
		}
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), "worker stopped"); err != nil {
			return errs.Wrap(err, "write worker output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringSlice("queues", nil, "Queues to serve (default all): webhook, ingestion, analysis, decay")
	workerCmd.Flags().Bool("no-scheduler", false, "Do not schedule the daily decay job")
}
