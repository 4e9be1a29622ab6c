package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds runtime configuration for the dispatcher. YAML keys follow the
// documented option names; environment variables override the file.
type Config struct {
	Env                string        `yaml:"env"`
	FetchWindowHours   int           `yaml:"fetchWindowHours"`
	LeadOffsetMinutes  int           `yaml:"leadOffsetMinutes"`
	FetchIntervalHours float64       `yaml:"fetchIntervalHours"`
	Workers            int           `yaml:"workers"`
	ShutdownGrace      time.Duration `yaml:"shutdownGrace"`

	Retry    RetryConfig    `yaml:"retry"`
	Cache    CacheConfig    `yaml:"cache"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
	Render   RenderConfig   `yaml:"render"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Redis    RedisConfig    `yaml:"redis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type RetryConfig struct {
	MaxAttempts      int `yaml:"maxAttempts"`
	BaseDelayMinutes int `yaml:"baseDelayMinutes"`
	// MaxDelayMinutes caps a single backoff step.
	MaxDelayMinutes int `yaml:"maxDelayMinutes"`
}

// MaxRetryAttempts bounds retry.maxAttempts.
const MaxRetryAttempts = 20

type CacheConfig struct {
	FreshTTLSeconds int           `yaml:"freshTTLSeconds"`
	StaleTTLSeconds int           `yaml:"staleTTLSeconds"`
	MaxEntries      int           `yaml:"maxEntries"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

type BreakerConfig struct {
	Threshold        int `yaml:"threshold"`
	SuccessThreshold int `yaml:"successThreshold"`
	TimeoutMs        int `yaml:"timeoutMs"`
}

type StoreConfig struct {
	// Driver is "sqlite3" (alias "sqlite") or "pgx" (alias "postgres").
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	BusyRetries  int    `yaml:"busyRetries"`
	// BusyBaseDelay is the first busy-retry delay; it doubles per attempt.
	BusyBaseDelay time.Duration `yaml:"busyBaseDelay"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	APIKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type RenderConfig struct {
	OutputDir string `yaml:"outputDir"`
	Layout    string `yaml:"layout"`
}

type DeliveryConfig struct {
	Mode         string     `yaml:"mode"`
	SpoolDir     string     `yaml:"spoolDir"`
	PrintCommand string     `yaml:"printCommand"`
	SMTP         SMTPConfig `yaml:"smtp"`
	S3           S3Config   `yaml:"s3"`
}

type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	// Timeout bounds dialing and each SMTP exchange.
	Timeout time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"pathStyle"`
	Prefix    string `yaml:"prefix"`
}

type RedisConfig struct {
	Addr              string  `yaml:"addr"`
	Password          string  `yaml:"password"`
	DB                int     `yaml:"db"`
	RateLimitCapacity int     `yaml:"rateLimitCapacity"`
	RateLimitRefill   float64 `yaml:"rateLimitRefillPerSec"`
	DLQName           string  `yaml:"dlqName"`
}

type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	HistorySize  int           `yaml:"historySize"`
	WarnHeapMB   float64       `yaml:"warnHeapMB"`
	WarnSysMB    float64       `yaml:"warnSysMB"`
	LeakGrowthMB float64       `yaml:"leakGrowthMB"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns configuration with sane defaults for local development.
func Default() Config {
	return Config{
		Env:                "dev",
		FetchWindowHours:   48,
		LeadOffsetMinutes:  30,
		FetchIntervalHours: 1,
		Workers:            4,
		ShutdownGrace:      30 * time.Second,
		Retry:              RetryConfig{MaxAttempts: 3, BaseDelayMinutes: 5, MaxDelayMinutes: 360},
		Cache: CacheConfig{
			FreshTTLSeconds: 300,
			StaleTTLSeconds: 3600,
			MaxEntries:      1000,
			CleanupInterval: 5 * time.Minute,
		},
		Breaker: BreakerConfig{Threshold: 5, SuccessThreshold: 2, TimeoutMs: 60000},
		Store: StoreConfig{
			Driver:        "sqlite3",
			DSN:           "file:dispatcher.db",
			MaxOpenConns:  4,
			BusyRetries:   3,
			BusyBaseDelay: 100 * time.Millisecond,
		},
		API:      APIConfig{RequestTimeout: 15 * time.Second},
		Render:   RenderConfig{OutputDir: "./output", Layout: "list"},
		Delivery: DeliveryConfig{
			Mode:     "print",
			SpoolDir: "./spool",
			SMTP:     SMTPConfig{Timeout: 30 * time.Second},
			S3:       S3Config{Region: "us-east-1"},
		},
		Redis:    RedisConfig{RateLimitCapacity: 30, RateLimitRefill: 1, DLQName: "dispatcher:dlq"},
		Monitor: MonitorConfig{
			Interval:     5 * time.Minute,
			HistorySize:  10,
			WarnHeapMB:   512,
			WarnSysMB:    1024,
			LeakGrowthMB: 50,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then a .env file if present, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = getEnv("APP_ENV", c.Env)
	c.FetchWindowHours = getEnvInt("FETCH_WINDOW_HOURS", c.FetchWindowHours)
	c.LeadOffsetMinutes = getEnvInt("LEAD_OFFSET_MINUTES", c.LeadOffsetMinutes)
	c.FetchIntervalHours = getEnvFloat("FETCH_INTERVAL_HOURS", c.FetchIntervalHours)
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", c.ShutdownGrace)

	c.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.BaseDelayMinutes = getEnvInt("RETRY_BASE_DELAY_MINUTES", c.Retry.BaseDelayMinutes)
	c.Retry.MaxDelayMinutes = getEnvInt("RETRY_MAX_DELAY_MINUTES", c.Retry.MaxDelayMinutes)

	c.Cache.FreshTTLSeconds = getEnvInt("CACHE_FRESH_TTL_SECONDS", c.Cache.FreshTTLSeconds)
	c.Cache.StaleTTLSeconds = getEnvInt("CACHE_STALE_TTL_SECONDS", c.Cache.StaleTTLSeconds)
	c.Cache.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.CleanupInterval = getEnvDuration("CACHE_CLEANUP_INTERVAL", c.Cache.CleanupInterval)

	c.Breaker.Threshold = getEnvInt("BREAKER_THRESHOLD", c.Breaker.Threshold)
	c.Breaker.SuccessThreshold = getEnvInt("BREAKER_SUCCESS_THRESHOLD", c.Breaker.SuccessThreshold)
	c.Breaker.TimeoutMs = getEnvInt("BREAKER_TIMEOUT_MS", c.Breaker.TimeoutMs)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)
	c.Store.MaxOpenConns = getEnvInt("STORE_MAX_OPEN_CONNS", c.Store.MaxOpenConns)
	c.Store.BusyRetries = getEnvInt("STORE_BUSY_RETRIES", c.Store.BusyRetries)
	c.Store.BusyBaseDelay = getEnvDuration("STORE_BUSY_BASE_DELAY", c.Store.BusyBaseDelay)

	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.APIKey = getEnv("API_KEY", c.API.APIKey)
	c.API.RequestTimeout = getEnvDuration("API_REQUEST_TIMEOUT", c.API.RequestTimeout)

	c.Render.OutputDir = getEnv("RENDER_OUTPUT_DIR", c.Render.OutputDir)
	c.Render.Layout = getEnv("RENDER_LAYOUT", c.Render.Layout)

	c.Delivery.Mode = getEnv("DELIVERY_MODE", c.Delivery.Mode)
	c.Delivery.SpoolDir = getEnv("DELIVERY_SPOOL_DIR", c.Delivery.SpoolDir)
	c.Delivery.PrintCommand = getEnv("DELIVERY_PRINT_COMMAND", c.Delivery.PrintCommand)
	c.Delivery.SMTP.Addr = getEnv("SMTP_ADDR", c.Delivery.SMTP.Addr)
	c.Delivery.SMTP.Username = getEnv("SMTP_USERNAME", c.Delivery.SMTP.Username)
	c.Delivery.SMTP.Password = getEnv("SMTP_PASSWORD", c.Delivery.SMTP.Password)
	c.Delivery.SMTP.From = getEnv("SMTP_FROM", c.Delivery.SMTP.From)
	c.Delivery.SMTP.To = getEnvList("SMTP_TO", c.Delivery.SMTP.To)
	c.Delivery.SMTP.Timeout = getEnvDuration("SMTP_TIMEOUT", c.Delivery.SMTP.Timeout)
	c.Delivery.S3.Bucket = getEnv("S3_BUCKET", c.Delivery.S3.Bucket)
	c.Delivery.S3.Region = getEnv("S3_REGION", c.Delivery.S3.Region)
	c.Delivery.S3.Endpoint = getEnv("S3_ENDPOINT", c.Delivery.S3.Endpoint)
	c.Delivery.S3.PathStyle = getEnvBool("S3_PATH_STYLE", c.Delivery.S3.PathStyle)
	c.Delivery.S3.Prefix = getEnv("S3_PREFIX", c.Delivery.S3.Prefix)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", c.Redis.RateLimitCapacity)
	c.Redis.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", c.Redis.RateLimitRefill)
	c.Redis.DLQName = getEnv("DLQ_NAME", c.Redis.DLQName)

	c.Monitor.Interval = getEnvDuration("MONITOR_INTERVAL", c.Monitor.Interval)
	c.Monitor.HistorySize = getEnvInt("MONITOR_HISTORY_SIZE", c.Monitor.HistorySize)
	c.Monitor.WarnHeapMB = getEnvFloat("MONITOR_WARN_HEAP_MB", c.Monitor.WarnHeapMB)
	c.Monitor.WarnSysMB = getEnvFloat("MONITOR_WARN_SYS_MB", c.Monitor.WarnSysMB)
	c.Monitor.LeakGrowthMB = getEnvFloat("MONITOR_LEAK_GROWTH_MB", c.Monitor.LeakGrowthMB)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects configurations the dispatcher cannot safely run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.API.BaseURL) == "" {
		problems = append(problems, "api.baseURL is required")
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite", "pgx", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		problems = append(problems, "store.dsn is required")
	}
	if c.FetchWindowHours <= 0 {
		problems = append(problems, "fetchWindowHours must be positive")
	}
	if c.LeadOffsetMinutes < 0 {
		problems = append(problems, "leadOffsetMinutes must not be negative")
	}
	if c.FetchIntervalHours <= 0 {
		problems = append(problems, "fetchIntervalHours must be positive")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.MaxAttempts > MaxRetryAttempts {
		problems = append(problems, fmt.Sprintf("retry.maxAttempts must be between 1 and %d", MaxRetryAttempts))
	}
	if c.Retry.BaseDelayMinutes <= 0 {
		problems = append(problems, "retry.baseDelayMinutes must be positive")
	}
	if c.Retry.MaxDelayMinutes < c.Retry.BaseDelayMinutes {
		problems = append(problems, "retry.maxDelayMinutes must be >= retry.baseDelayMinutes")
	}
	if c.Delivery.SMTP.Timeout <= 0 {
		problems = append(problems, "delivery.smtp.timeout must be positive")
	}
	if c.Cache.FreshTTLSeconds <= 0 || c.Cache.MaxEntries <= 0 {
		problems = append(problems, "cache.freshTTLSeconds and cache.maxEntries must be positive")
	}
	if c.Cache.StaleTTLSeconds < c.Cache.FreshTTLSeconds {
		problems = append(problems, "cache.staleTTLSeconds must be >= cache.freshTTLSeconds")
	}
	if c.Breaker.Threshold <= 0 || c.Breaker.SuccessThreshold <= 0 || c.Breaker.TimeoutMs <= 0 {
		problems = append(problems, "breaker.threshold, breaker.successThreshold and breaker.timeoutMs must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) LeadOffset() time.Duration {
	return time.Duration(c.LeadOffsetMinutes) * time.Minute
}

func (c Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalHours * float64(time.Hour))
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMinutes) * time.Minute
}

func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMinutes) * time.Minute
}

func (c Config) CacheFreshTTL() time.Duration {
	return time.Duration(c.Cache.FreshTTLSeconds) * time.Second
}

func (c Config) CacheStaleTTL() time.Duration {
	return time.Duration(c.Cache.StaleTTLSeconds) * time.Second
}

func (c Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutMs) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
