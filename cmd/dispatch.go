package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the dispatch engine without the operator API",
	Long: `Runs the scan loop headless. With --once it performs a single scan, waits for
every pass it started and exits, which suits cron-driven deployments.`,
	RunE: dispatch,
}

func init() {
	dispatchCmd.Flags().Bool("once", false, "run a single scan and exit")
	rootCmd.AddCommand(dispatchCmd)
}

func dispatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := initStores(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	if err := app.initEngine(); err != nil {
		return err
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		stats, err := app.engine.RunOnce(ctx)
		if err != nil {
			return err
		}
		logrus.Infof("[ENGINE] Single scan done: %d due, %d retryable, %d dispatched, %d dropped",
			stats.Due, stats.Retryable, stats.Queued, stats.Dropped)
		return nil
	}

	if err := app.engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
