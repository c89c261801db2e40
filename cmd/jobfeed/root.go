package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/amishk599/jobfeed/internal/config"
	"github.com/amishk599/jobfeed/internal/dispatch"
	"github.com/amishk599/jobfeed/internal/feed"
	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/queue"
	"github.com/amishk599/jobfeed/internal/ratelimit"
	"github.com/amishk599/jobfeed/internal/retry"
	"github.com/amishk599/jobfeed/internal/store"
	"github.com/amishk599/jobfeed/internal/worker"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "jobfeed",
	Short: "Job feed importer",
	Long:  "jobfeed fetches RSS, Atom and JSON job feeds, queues every item and imports it into a deduplicated job store.",
	// No subcommand runs the daemon.
	RunE: runStart,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: JOBFEED_CONFIG env var or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the config path and parses it.
// Priority: explicit path arg > JOBFEED_CONFIG env var > "./config.yaml"
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if env := os.Getenv("JOBFEED_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func setupLogger(dbg bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if dbg {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// buildFetcher chains HTTP fetching, per-host rate limiting and retries.
// The limiter sits inside the retry loop so every attempt waits its turn.
func buildFetcher(cfg *config.Config, logger *slog.Logger) model.FeedFetcher {
	var f model.FeedFetcher = feed.NewHTTPFetcher(&http.Client{}, cfg.Fetch.Timeout, cfg.Fetch.UserAgent)
	f = ratelimit.NewRateLimitedFetcher(f, ratelimit.NewHostLimiter(cfg.Fetch.RateLimit, cfg.Fetch.Burst))
	if cfg.Fetch.Retries > 0 {
		f = retry.NewRetryFetcher(f, cfg.Fetch.Retries, cfg.Fetch.RetryDelay, logger)
	}
	return f
}

// openStore opens the configured job and ledger backend.
func openStore(ctx context.Context, cfg *config.Config) (model.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		return store.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
	default:
		return store.NewSQLiteStore(cfg.Store.Path)
	}
}

// app holds the wired components shared by the commands that import.
type app struct {
	store      model.Store
	queue      model.Queue
	deadQueue  *queue.SQLiteQueue // nil unless queue.driver is sqlite
	dispatcher *dispatch.Dispatcher
	processor  *worker.Processor
	closers    []func() error
	logger     *slog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	a := &app{store: st, logger: logger}
	a.closers = append(a.closers, st.Close)

	switch cfg.Queue.Driver {
	case config.DriverSQLite:
		// The queue shares the store's database, or gets its own file at
		// store.path when jobs live in mongo.
		db, ok := st.(*store.SQLiteStore)
		if !ok {
			db, err = store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("opening queue database %s: %w", cfg.Store.Path, err)
			}
			a.closers = append(a.closers, db.Close)
		}
		q, err := queue.NewSQLiteQueue(db.DB(), cfg.Queue.PollInterval, cfg.Queue.VisibilityTimeout, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening sqlite queue: %w", err)
		}
		a.queue, a.deadQueue = q, q
	default:
		q := queue.NewMemoryQueue(cfg.Queue.Buffer, logger)
		a.queue = q
		// Closed first so the workers stop before the store goes away.
		a.closers = append(a.closers, q.Close)
	}

	a.dispatcher = dispatch.NewDispatcher(buildFetcher(cfg, logger), st, a.queue, cfg.Queue.Policy(), logger)
	a.processor = worker.NewProcessor(st, logger)
	return a, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close failed", "error", err)
		}
	}
}
