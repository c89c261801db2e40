package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amishk599/jobfeed/internal/model"
)

// Store and queue drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config is the root configuration for the jobfeed importer.
type Config struct {
	PollingInterval time.Duration
	Feeds           []FeedConfig
	Fetch           FetchConfig
	Queue           QueueConfig
	Store           StoreConfig
	API             APIConfig
}

// FeedConfig describes a single feed to import.
type FeedConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// FetchConfig controls outbound feed requests.
type FetchConfig struct {
	Timeout    time.Duration
	Retries    int           // additional attempts after a transient failure
	RetryDelay time.Duration // base delay, doubled per retry
	RateLimit  float64       // requests per second per host, 0 = unlimited
	Burst      int
	UserAgent  string
}

// QueueConfig controls envelope delivery and the worker pool.
type QueueConfig struct {
	Driver            string // "memory" or "sqlite"
	Concurrency       int
	MaxAttempts       int
	Backoff           model.Backoff
	PollInterval      time.Duration // sqlite only
	VisibilityTimeout time.Duration // sqlite only
	Buffer            int           // memory only
}

// Policy returns the retry policy attached to every enqueued envelope.
func (q QueueConfig) Policy() model.RetryPolicy {
	return model.RetryPolicy{MaxAttempts: q.MaxAttempts, Backoff: q.Backoff}
}

// StoreConfig selects the job and ledger backend.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // "sqlite" or "mongo"
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// APIConfig controls the HTTP query API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// EnabledFeeds returns the URLs of enabled feeds in config order.
func (c *Config) EnabledFeeds() []string {
	var urls []string
	for _, f := range c.Feeds {
		if f.Enabled {
			urls = append(urls, f.URL)
		}
	}
	return urls
}

// rawConfig is used for YAML unmarshaling (snake_case fields and duration as string).
type rawConfig struct {
	PollingInterval string         `yaml:"polling_interval"`
	Feeds           []FeedConfig   `yaml:"feeds"`
	Fetch           rawFetchConfig `yaml:"fetch"`
	Queue           rawQueueConfig `yaml:"queue"`
	Store           StoreConfig    `yaml:"store"`
	API             APIConfig      `yaml:"api"`
}

type rawFetchConfig struct {
	Timeout    string   `yaml:"timeout"`
	Retries    int      `yaml:"retries"`
	RetryDelay string   `yaml:"retry_delay"`
	RateLimit  *float64 `yaml:"rate_limit"`
	Burst      int      `yaml:"burst"`
	UserAgent  string   `yaml:"user_agent"`
}

type rawQueueConfig struct {
	Driver            string `yaml:"driver"`
	Concurrency       int    `yaml:"concurrency"`
	MaxAttempts       int    `yaml:"max_attempts"`
	Backoff           struct {
		Type  string `yaml:"type"`
		Delay string `yaml:"delay"`
	} `yaml:"backoff"`
	PollInterval      string `yaml:"poll_interval"`
	VisibilityTimeout string `yaml:"visibility_timeout"`
	Buffer            int    `yaml:"buffer"`
}

// Load reads and parses the YAML config file at path, validates it, and returns Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		Feeds: raw.Feeds,
		Fetch: FetchConfig{
			Retries:   raw.Fetch.Retries,
			RateLimit: 1,
			Burst:     raw.Fetch.Burst,
			UserAgent: raw.Fetch.UserAgent,
		},
		Queue: QueueConfig{
			Driver:      orDefault(raw.Queue.Driver, DriverMemory),
			Concurrency: raw.Queue.Concurrency,
			MaxAttempts: raw.Queue.MaxAttempts,
			Backoff:     model.Backoff{Type: orDefault(raw.Queue.Backoff.Type, model.BackoffExponential)},
			Buffer:      raw.Queue.Buffer,
		},
		Store: StoreConfig{
			Driver:        orDefault(raw.Store.Driver, DriverSQLite),
			Path:          orDefault(raw.Store.Path, "jobfeed.db"),
			MongoURI:      raw.Store.MongoURI,
			MongoDatabase: orDefault(raw.Store.MongoDatabase, "jobfeed"),
		},
		API: APIConfig{Addr: orDefault(raw.API.Addr, ":8080")},
	}

	if raw.Fetch.RateLimit != nil {
		cfg.Fetch.RateLimit = *raw.Fetch.RateLimit
	}
	if cfg.Fetch.Burst == 0 {
		cfg.Fetch.Burst = 2
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "jobfeed/1.0"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = model.DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Queue.Buffer == 0 {
		cfg.Queue.Buffer = 1000
	}

	durations := []struct {
		field string
		value string
		def   time.Duration
		dst   *time.Duration
	}{
		{"polling_interval", raw.PollingInterval, time.Hour, &cfg.PollingInterval},
		{"fetch.timeout", raw.Fetch.Timeout, 20 * time.Second, &cfg.Fetch.Timeout},
		{"fetch.retry_delay", raw.Fetch.RetryDelay, 2 * time.Second, &cfg.Fetch.RetryDelay},
		{"queue.backoff.delay", raw.Queue.Backoff.Delay, time.Second, &cfg.Queue.Backoff.Delay},
		{"queue.poll_interval", raw.Queue.PollInterval, 500 * time.Millisecond, &cfg.Queue.PollInterval},
		{"queue.visibility_timeout", raw.Queue.VisibilityTimeout, 5 * time.Minute, &cfg.Queue.VisibilityTimeout},
	}
	for _, d := range durations {
		*d.dst = d.def
		if d.value == "" {
			continue
		}
		*d.dst, err = time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", d.field, d.value, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func validate(cfg *Config) error {
	if cfg.PollingInterval <= 0 {
		return fmt.Errorf("polling_interval must be positive, got %v", cfg.PollingInterval)
	}

	for i, f := range cfg.Feeds {
		u, err := url.Parse(f.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("feeds[%d].url must be an absolute http(s) URL, got %q", i, f.URL)
		}
	}

	if cfg.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive, got %v", cfg.Fetch.Timeout)
	}
	if cfg.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must not be negative, got %d", cfg.Fetch.Retries)
	}
	if cfg.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must not be negative, got %v", cfg.Fetch.RateLimit)
	}

	switch cfg.Queue.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("queue.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, cfg.Queue.Driver)
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", cfg.Queue.MaxAttempts)
	}
	switch cfg.Queue.Backoff.Type {
	case model.BackoffExponential, model.BackoffFixed:
	default:
		return fmt.Errorf("queue.backoff.type must be %q or %q, got %q",
			model.BackoffExponential, model.BackoffFixed, cfg.Queue.Backoff.Type)
	}

	switch cfg.Store.Driver {
	case DriverSQLite:
		if cfg.Queue.Driver == DriverSQLite && cfg.Store.Path == ":memory:" {
			return fmt.Errorf("store.path must be a file when queue.driver is %q", DriverSQLite)
		}
	case DriverMongo:
		if cfg.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required when store.driver is %q", DriverMongo)
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverMongo, cfg.Store.Driver)
	}

	return nil
}
