package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amishk599/jobfeed/internal/config"
	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/worker"
)

const awaitEvery = 200 * time.Millisecond

var processNow bool

var importCmd = &cobra.Command{
	Use:   "import <feed-url>...",
	Short: "Import feeds now",
	Long:  "Dispatches one run per feed URL. With --process, workers run in-process until every run is done.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().BoolVar(&processNow, "process", false, "run workers in-process and wait for every run to finish")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	return runTriggered(func(ctx context.Context, a *app) ([]*model.Run, error) {
		runs := make([]*model.Run, len(args))
		g, gctx := errgroup.WithContext(ctx)
		for i, feedURL := range args {
			g.Go(func() error {
				run, err := a.dispatcher.Dispatch(gctx, feedURL)
				if err != nil {
					return err
				}
				runs[i] = run
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return runs, nil
	})
}

// runTriggered builds the app, starts the runs returned by trigger and, when
// workers run in-process, waits for each of them to finish.
func runTriggered(trigger func(ctx context.Context, a *app) ([]*model.Run, error)) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	process := processNow
	if !process && cfg.Queue.Driver == config.DriverMemory {
		logger.Info("memory queue does not outlive this process, processing in-process")
		process = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	if process {
		pool := worker.NewPool(a.queue, a.processor, cfg.Queue.Concurrency, logger)
		go func() { poolDone <- pool.Run(poolCtx) }()
	} else {
		poolDone <- nil
	}
	defer func() {
		stopPool()
		<-poolDone
	}()

	runs, err := trigger(ctx, a)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if process {
			done, err := a.dispatcher.Await(ctx, run.ID, awaitEvery)
			if err != nil {
				return err
			}
			run = done
		}
		printRun(run)
	}
	return nil
}

func printRun(run *model.Run) {
	fmt.Printf("%s  %s\n", run.ID, run.FeedIdentity)
	fmt.Printf("  planned %d  fetched %d  imported %d  (new %d, updated %d)  failed %d\n",
		run.Planned, run.TotalFetched, run.TotalImported, run.NewJobs, run.UpdatedJobs, run.FailedJobs)
	for _, f := range run.Failures {
		if f.Retrying {
			continue
		}
		fmt.Printf("  failed: %s\n", f.Reason)
	}
}
