package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	UWS       UWSConfig       `toml:"uws"`
	Signer    SignerConfig    `toml:"signer"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port     int    `toml:"port" validate:"required,min=1,max=65535"`
	Host     string `toml:"host" validate:"required"`
	BasePath string `toml:"base_path"` // Mount point for the job service routes
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"` // "debug", "info", "warn", "error"
	Output []string `toml:"output"`                                      // "stdout", "file"
}

// DatabaseConfig selects the job store backend. A postgres:// or
// postgresql:// URL selects Postgres; anything else is treated as a Badger
// directory path (an optional badger:// prefix is stripped).
type DatabaseConfig struct {
	URL            string `toml:"url" validate:"required"`
	Password       string `toml:"password"`         // Postgres password, kept out of the URL
	ResetOnStartup bool   `toml:"reset_on_startup"` // Badger only: delete the store on startup
}

type QueueConfig struct {
	Path              string `toml:"path"`               // Badger directory for queue state
	WorkQueue         string `toml:"work_queue"`         // Queue the dispatcher submits to
	CallbackQueue     string `toml:"callback_queue"`     // Queue carrying lifecycle callbacks
	PollInterval      string `toml:"poll_interval"`      // e.g. "250ms" - how often workers poll
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent work actors
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "10m" - redelivery deadline
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a message is dropped
}

// WorkerConfig controls the embedded cutout worker. The control plane only
// needs the callbacks of its work queue; the embedded worker exists so a
// single binary forms a working deployment.
type WorkerConfig struct {
	Enabled      bool   `toml:"enabled"`       // Run the embedded worker
	Actor        string `toml:"actor"`         // Actor name used for dispatch
	ResultBucket string `toml:"result_bucket"` // Bucket recorded in result URLs
	WorkDelay    string `toml:"work_delay"`    // Simulated execution latency, e.g. "0s"
}

type UWSConfig struct {
	ExecutionDuration int64 `toml:"execution_duration" validate:"min=0"` // Default per-job runtime cap in seconds; 0 = no cap
	Lifetime          int64 `toml:"lifetime" validate:"required,min=1"`  // Destruction time offset from creation, seconds
	WaitTimeout       int   `toml:"wait_timeout" validate:"min=1"`       // Maximum long-poll seconds
	SyncTimeout       int   `toml:"sync_timeout" validate:"min=1"`       // Maximum wait in the sync route, seconds
}

type SignerConfig struct {
	URLLifetime    int64  `toml:"url_lifetime" validate:"min=1"` // Signed URL TTL in seconds
	ServiceAccount string `toml:"signing_service_account"`       // Key id recorded in signed URLs
	Secret         string `toml:"secret"`                        // HMAC signing secret
	BaseURL        string `toml:"base_url"`                      // Public prefix signed URLs are built on
}

// WebSocketConfig contains configuration for the event stream endpoint
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals per event type, e.g. {"job_queued": "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// SchedulerConfig controls the cron-driven maintenance sweep that removes
// jobs past their destruction time
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule or @every expression
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			Host:     "localhost",
			BasePath: "/api/cutout",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Database: DatabaseConfig{
			URL: "./data/jobs",
		},
		Queue: QueueConfig{
			Path:              "./data/queue",
			WorkQueue:         "work",
			CallbackQueue:     "callbacks",
			PollInterval:      "250ms",
			Concurrency:       3,
			VisibilityTimeout: "10m",
			MaxReceive:        3,
		},
		Worker: WorkerConfig{
			Enabled:      true,
			Actor:        "cutout",
			ResultBucket: "cutouts",
			WorkDelay:    "0s",
		},
		UWS: UWSConfig{
			ExecutionDuration: 600,   // 10 minute runtime cap
			Lifetime:          86400, // Jobs live for a day
			WaitTimeout:       60,
			SyncTimeout:       60,
		},
		Signer: SignerConfig{
			URLLifetime:    900, // 15 minutes
			ServiceAccount: "cutout-signer@localhost",
			Secret:         "insecure-development-secret",
			BaseURL:        "https://localhost/download",
		},
		WebSocket: WebSocketConfig{
			AllowedEvents:     []string{},
			ThrottleIntervals: map[string]string{},
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Schedule: "@every 15m",
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files, later files
// overriding earlier ones, then applies environment overrides on top
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Server configuration
	if port := os.Getenv("LABORO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LABORO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if basePath := os.Getenv("LABORO_SERVER_BASE_PATH"); basePath != "" {
		config.Server.BasePath = basePath
	}

	// Logging configuration
	if level := os.Getenv("LABORO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Database configuration
	if url := os.Getenv("LABORO_DATABASE_URL"); url != "" {
		config.Database.URL = url
	}
	if password := os.Getenv("LABORO_DATABASE_PASSWORD"); password != "" {
		config.Database.Password = password
	}

	// Queue configuration
	if path := os.Getenv("LABORO_QUEUE_PATH"); path != "" {
		config.Queue.Path = path
	}
	if pollInterval := os.Getenv("LABORO_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("LABORO_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("LABORO_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("LABORO_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}

	// Worker configuration
	if enabled := os.Getenv("LABORO_WORKER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Worker.Enabled = e
		}
	}
	if actor := os.Getenv("LABORO_WORKER_ACTOR"); actor != "" {
		config.Worker.Actor = actor
	}

	// UWS configuration
	if duration := os.Getenv("LABORO_UWS_EXECUTION_DURATION"); duration != "" {
		if d, err := strconv.ParseInt(duration, 10, 64); err == nil {
			config.UWS.ExecutionDuration = d
		}
	}
	if lifetime := os.Getenv("LABORO_UWS_LIFETIME"); lifetime != "" {
		if l, err := strconv.ParseInt(lifetime, 10, 64); err == nil {
			config.UWS.Lifetime = l
		}
	}
	if waitTimeout := os.Getenv("LABORO_UWS_WAIT_TIMEOUT"); waitTimeout != "" {
		if w, err := strconv.Atoi(waitTimeout); err == nil {
			config.UWS.WaitTimeout = w
		}
	}
	if syncTimeout := os.Getenv("LABORO_UWS_SYNC_TIMEOUT"); syncTimeout != "" {
		if s, err := strconv.Atoi(syncTimeout); err == nil {
			config.UWS.SyncTimeout = s
		}
	}

	// Signer configuration
	if lifetime := os.Getenv("LABORO_SIGNER_URL_LIFETIME"); lifetime != "" {
		if l, err := strconv.ParseInt(lifetime, 10, 64); err == nil {
			config.Signer.URLLifetime = l
		}
	}
	if account := os.Getenv("LABORO_SIGNER_SERVICE_ACCOUNT"); account != "" {
		config.Signer.ServiceAccount = account
	}
	if secret := os.Getenv("LABORO_SIGNER_SECRET"); secret != "" {
		config.Signer.Secret = secret
	}
	if baseURL := os.Getenv("LABORO_SIGNER_BASE_URL"); baseURL != "" {
		config.Signer.BaseURL = baseURL
	}

	// Scheduler configuration
	if enabled := os.Getenv("LABORO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("LABORO_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration after loading
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"worker.work_delay":        c.Worker.WorkDelay,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	for event, interval := range c.WebSocket.ThrottleIntervals {
		if _, err := time.ParseDuration(interval); err != nil {
			return fmt.Errorf("invalid throttle interval for %s: %w", event, err)
		}
	}

	return nil
}

// Duration accessors with defaults for the string-typed settings

func (c *QueueConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, 250*time.Millisecond)
}

func (c *QueueConfig) VisibilityTimeoutDuration() time.Duration {
	return parseDurationOr(c.VisibilityTimeout, 10*time.Minute)
}

func (c *WorkerConfig) WorkDelayDuration() time.Duration {
	return parseDurationOr(c.WorkDelay, 0)
}

// LifetimeDuration returns the destruction offset for new jobs
func (c *UWSConfig) LifetimeDuration() time.Duration {
	return time.Duration(c.Lifetime) * time.Second
}

// URLLifetimeDuration returns the signed URL TTL
func (c *SignerConfig) URLLifetimeDuration() time.Duration {
	return time.Duration(c.URLLifetime) * time.Second
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
