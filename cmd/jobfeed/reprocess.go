package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/amishk599/jobfeed/internal/model"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id>",
	Short: "Re-import a stored job",
	Long:  "Enqueues a stored job's raw item again under a new run. With --process, waits for it to finish.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReprocess,
}

func init() {
	reprocessCmd.Flags().BoolVar(&processNow, "process", false, "run workers in-process and wait for the run to finish")
	rootCmd.AddCommand(reprocessCmd)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	return runTriggered(func(ctx context.Context, a *app) ([]*model.Run, error) {
		run, err := a.dispatcher.Reprocess(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []*model.Run{run}, nil
	})
}
