package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amishk599/jobfeed/internal/filter"
	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/normalize"
)

var checkQuery model.JobQuery

var checkCmd = &cobra.Command{
	Use:   "check <feed-url>",
	Short: "Fetch a feed once, print its items, exit",
	Long:  "One-shot fetch: parses and normalises every item of the feed and prints the result. Nothing is queued or stored.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkQuery.Search, "search", "", "only print items whose title, company or location contains this")
	checkCmd.Flags().StringVar(&checkQuery.Title, "title", "", "only print items whose title contains this")
	checkCmd.Flags().StringVar(&checkQuery.Company, "company", "", "only print items whose company contains this")
	checkCmd.Flags().StringVar(&checkQuery.Location, "location", "", "only print items whose location contains this")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feedURL := args[0]
	items, err := buildFetcher(cfg, logger).FetchItems(ctx, feedURL)
	if err != nil {
		logger.Error("fetch failed", "feed", feedURL, "error", err)
		os.Exit(1)
	}

	itemFilter := filter.NewQueryFilter(checkQuery)

	fmt.Printf("%-30s %-40s %-20s %s\n", "External ID", "Title", "Company", "Location")
	fmt.Println(strings.Repeat("─", 110))

	printed, skipped := 0, 0
	for i, raw := range items {
		item, err := normalize.Normalize(raw, feedURL)
		if errors.Is(err, model.ErrIdentityMissing) {
			skipped++
			logger.Warn("item skipped", "index", i, "reason", err)
			continue
		}
		if err != nil {
			return err
		}
		if !itemFilter.Match(item) {
			continue
		}
		printed++
		fmt.Printf("%-30s %-40s %-20s %s\n",
			clip(item.ExternalID, 30), clip(item.Title, 40), clip(item.Company, 20), item.Location)
	}

	fmt.Printf("\nTotal: %d items (%d printed, %d without identity)\n", len(items), printed, skipped)
	return nil
}

// clip shortens s to n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
