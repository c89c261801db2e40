package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amishk599/jobfeed/internal/audit"
	"github.com/amishk599/jobfeed/internal/model"
)

// maxBrowsedRuns bounds how many of the newest runs the browser loads.
const maxBrowsedRuns = 500

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse import runs interactively (TUI)",
	Long:  "Shows the feed picker TUI, then the split-pane view of that feed's runs and their failures.",
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	for {
		feed, ok, err := audit.RunFeedPicker(cfg.EnabledFeeds())
		if err != nil {
			fmt.Printf("Picker error: %v\n", err)
			return nil
		}
		if !ok {
			return nil
		}

		label := feed
		if feed == "" {
			label = audit.AllFeeds
		}
		runs, err := audit.RunLoader(label, func(ctx context.Context) ([]model.Run, error) {
			return loadRuns(ctx, st, feed)
		})
		if err != nil {
			fmt.Printf("Error loading runs: %v\n", err)
			continue
		}

		wantQuit, err := audit.RunAuditTUI(runs)
		if err != nil {
			fmt.Printf("TUI error: %v\n", err)
		}
		if wantQuit {
			return nil
		}
	}
}

// loadRuns returns the newest runs, limited to feed unless it is empty.
func loadRuns(ctx context.Context, st model.LedgerStore, feed string) ([]model.Run, error) {
	runs, _, err := st.ListRuns(ctx, model.Page{Page: 1, Limit: maxBrowsedRuns})
	if err != nil {
		return nil, err
	}
	if feed == "" {
		return runs, nil
	}
	var matched []model.Run
	for _, r := range runs {
		if r.FeedIdentity == feed {
			matched = append(matched, r)
		}
	}
	return matched, nil
}
