package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"leadflow/internal/bootstrap"
	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/errs"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Lead score decay commands",
}

var decayRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one decay pass over every tenant now",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		result, err := app.Leads.RunDecay(ctx, time.Now())
		if err != nil {
			return errs.Wrap(err, "run decay")
		}
		if _, err := fmt.Fprintf(
			cmd.OutOrStdout(),
			"decay scanned=%d decayed=%d batches=%d\n",
			result.Scanned,
			result.Decayed,
			result.Batches,
		); err != nil {
			return errs.Wrap(err, "write decay output")
		}
		return nil
	}),
}

var decayScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue today's decay job if its hour has passed",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		jobID, added, err := app.Scheduler.Tick(ctx)
		if err != nil {
			return errs.Wrap(err, "schedule decay")
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "decay job=%q added=%t\n", jobID, added); err != nil {
			return errs.Wrap(err, "write decay output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(decayCmd)
	decayCmd.AddCommand(decayRunCmd, decayScheduleCmd)
}
