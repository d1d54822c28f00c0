package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"property-sync/storage"
	"property-sync/utils"
)

type Config struct {
	BaseURL  string
	StartURL string
	MaxPages int

	SearchWorkers int
	DetailWorkers int
	RetryWorkers  int
	MaxAttempts   int
	BackoffBase   time.Duration

	NavTimeout     time.Duration
	CoordAttempts  int
	CoordDelay     time.Duration
	RequestRPS     float64
	MinDelay       time.Duration
	MaxDelay       time.Duration
	Headless       bool
	BrowserBackend string
	CapturePattern string

	StoreDriver string
	PGDSN       string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	BackupDir       string
	BackupRetention int
	MergeRulesPath  string
	SelectorsPath   string
	PriceTolerance  float64

	HTTPAddr         string
	ScheduleInterval time.Duration
	RunOnce          bool
	CSVPath          string

	LogLevel  string
	LogFormat string
}

func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://www.example-realestate.jp/",
		MaxPages:        5,
		SearchWorkers:   1,
		DetailWorkers:   3,
		RetryWorkers:    1,
		MaxAttempts:     3,
		BackoffBase:     5 * time.Second,
		NavTimeout:      30 * time.Second,
		CoordAttempts:   2,
		CoordDelay:      750 * time.Millisecond,
		RequestRPS:      1,
		MinDelay:        1 * time.Second,
		MaxDelay:        3 * time.Second,
		Headless:        true,
		BrowserBackend:  "chromedp",
		StoreDriver:     "postgres",
		DBHost:          "localhost",
		DBPort:          5432,
		DBUser:          "postgres",
		DBPassword:      "postgres",
		DBName:          "property_sync",
		DBSSLMode:       "disable",
		SQLitePath:      "data/listings.db",
		BackupDir:       "backups",
		BackupRetention: 10,
		PriceTolerance:  1e-6,
		HTTPAddr:        ":8080",
		CSVPath:         "output/listings.csv",
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads an optional .env file, then overrides the defaults from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the defaults and the process environment.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	var errs []error
	note := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.BaseURL = envString("BASE_URL", cfg.BaseURL)
	cfg.StartURL = envString("START_URL", cfg.StartURL)
	cfg.MaxPages = envInt("MAX_PAGES", cfg.MaxPages, note)

	cfg.SearchWorkers = envInt("SEARCH_WORKERS", cfg.SearchWorkers, note)
	cfg.DetailWorkers = envInt("DETAIL_WORKERS", cfg.DetailWorkers, note)
	cfg.RetryWorkers = envInt("RETRY_WORKERS", cfg.RetryWorkers, note)
	cfg.MaxAttempts = envInt("MAX_ATTEMPTS", cfg.MaxAttempts, note)
	cfg.BackoffBase = envDuration("BACKOFF_BASE", cfg.BackoffBase, note)

	cfg.NavTimeout = envDuration("NAV_TIMEOUT", cfg.NavTimeout, note)
	cfg.CoordAttempts = envInt("COORD_ATTEMPTS", cfg.CoordAttempts, note)
	cfg.CoordDelay = envDuration("COORD_DELAY", cfg.CoordDelay, note)
	cfg.RequestRPS = envFloat("REQUEST_RPS", cfg.RequestRPS, note)
	cfg.MinDelay = envDuration("MIN_DELAY", cfg.MinDelay, note)
	cfg.MaxDelay = envDuration("MAX_DELAY", cfg.MaxDelay, note)
	cfg.Headless = envBool("HEADLESS", cfg.Headless, note)
	cfg.BrowserBackend = strings.ToLower(envString("BROWSER_BACKEND", cfg.BrowserBackend))
	cfg.CapturePattern = envString("CAPTURE_PATTERN", cfg.CapturePattern)

	cfg.StoreDriver = strings.ToLower(envString("STORE_DRIVER", cfg.StoreDriver))
	cfg.PGDSN = envString("PG_DSN", cfg.PGDSN)
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	cfg.DBPort = envInt("DB_PORT", cfg.DBPort, note)
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)
	cfg.SQLitePath = envString("SQLITE_PATH", cfg.SQLitePath)

	cfg.BackupDir = envString("BACKUP_DIR", cfg.BackupDir)
	cfg.BackupRetention = envInt("BACKUP_RETENTION", cfg.BackupRetention, note)
	cfg.MergeRulesPath = envString("MERGE_RULES_PATH", cfg.MergeRulesPath)
	cfg.SelectorsPath = envString("SELECTORS_PATH", cfg.SelectorsPath)
	cfg.PriceTolerance = envFloat("PRICE_TOLERANCE", cfg.PriceTolerance, note)

	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ScheduleInterval = envDuration("SCHEDULE_INTERVAL", cfg.ScheduleInterval, note)
	cfg.RunOnce = envBool("RUN_ONCE", cfg.RunOnce, note)
	cfg.CSVPath = envString("CSV_EXPORT_PATH", cfg.CSVPath)

	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		val int
	}{
		{"SEARCH_WORKERS", c.SearchWorkers},
		{"DETAIL_WORKERS", c.DetailWorkers},
		{"RETRY_WORKERS", c.RetryWorkers},
		{"MAX_ATTEMPTS", c.MaxAttempts},
		{"COORD_ATTEMPTS", c.CoordAttempts},
		{"BACKUP_RETENTION", c.BackupRetention},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return utils.NewValidationError("config", fmt.Sprintf("%s must be positive, got %d", p.key, p.val))
		}
	}
	if c.MaxPages < 0 {
		return utils.NewValidationError("config", "MAX_PAGES must not be negative")
	}
	if c.BackoffBase <= 0 || c.NavTimeout <= 0 {
		return utils.NewValidationError("config", "BACKOFF_BASE and NAV_TIMEOUT must be positive")
	}
	if c.MaxDelay < c.MinDelay {
		return utils.NewValidationError("config", "MAX_DELAY must not be below MIN_DELAY")
	}
	if c.PriceTolerance < 0 || c.RequestRPS < 0 {
		return utils.NewValidationError("config", "PRICE_TOLERANCE and REQUEST_RPS must not be negative")
	}
	switch c.BrowserBackend {
	case "chromedp", "http":
	default:
		return utils.NewValidationError("config", fmt.Sprintf("unknown BROWSER_BACKEND %q", c.BrowserBackend))
	}
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		return utils.NewValidationError("config", fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	return nil
}

// DSN returns PG_DSN, or a DSN built from the DB_* settings.
func (c *Config) DSN() string {
	if c.PGDSN != "" {
		return c.PGDSN
	}
	return storage.PostgresDSN(c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int, note func(error)) int {
	v := envString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		note(fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func envFloat(key string, def float64, note func(error)) float64 {
	v := envString(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		note(fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func envDuration(key string, def time.Duration, note func(error)) time.Duration {
	v := envString(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		note(fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func envBool(key string, def bool, note func(error)) bool {
	v := envString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		note(fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}
