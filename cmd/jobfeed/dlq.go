package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amishk599/jobfeed/internal/config"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List envelopes that exhausted their attempts",
	Long:  "Prints the ids of dead envelopes kept by the sqlite queue. The memory queue drops them after logging.",
	RunE:  runDLQ,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
}

func runDLQ(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Queue.Driver != config.DriverSQLite {
		fmt.Printf("queue.driver is %q; only the sqlite queue keeps dead envelopes.\n", cfg.Queue.Driver)
		return nil
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ids, err := a.deadQueue.Dead(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	fmt.Printf("\nTotal: %d dead envelopes\n", len(ids))
	return nil
}
