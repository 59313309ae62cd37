package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"taskqueue/internal/backoff"
	"taskqueue/internal/queue"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	DatabaseURL string
	QueueName   string
	WorkerID    string
	Env         string
	LogLevel    string
	Version     string
	AutoMigrate bool

	Concurrency        int
	RateLimitMax       int
	RateLimitWindow    time.Duration
	LeaseDuration      time.Duration // heartbeat age after which an active job counts as stalled
	HeartbeatInterval  time.Duration // 0 derives lease/3
	StalledInterval    time.Duration // 0 derives 30s in production, 60s in development
	MaxStalledCount    int
	MaxAttemptsDefault int
	BackoffType        string
	BackoffDelay       time.Duration
	BackoffMultiplier  float64
	BackoffMaxDelay    time.Duration
	HandlerTimeout     time.Duration // 0 disables
	PollMinBackoff     time.Duration
	PollMaxBackoff     time.Duration
	ShutdownTimeout    time.Duration
	StoreGiveUp        time.Duration

	RetainCompleted   queue.Retention
	RetainFailed      queue.Retention
	RetentionInterval time.Duration

	ExecMode       string // "mock" or "command"
	ExecSleep      time.Duration
	HandlerCommand []string

	HTTP      HTTPConfig
	Schedules []queue.Schedule
}

type HTTPConfig struct {
	Addr        string
	AuthToken   string
	JWTSecret   string
	RateLimit   float64 // requests per second per client, 0 disables
	RateBurst   int
	AllowCIDRs  []string
	AuthLimit   int
	AuthWindow  time.Duration
	TLSCert     string
	TLSKey      string
	TLSClientCA string
}

func DefaultConfig() *Config {
	return &Config{
		DatabaseURL:        "memory://",
		QueueName:          "tasks",
		WorkerID:           defaultWorkerID(),
		Env:                EnvProduction,
		LogLevel:           "info",
		Version:            "dev",
		Concurrency:        10,
		RateLimitMax:       5,
		RateLimitWindow:    time.Second,
		LeaseDuration:      30 * time.Second,
		MaxStalledCount:    3,
		MaxAttemptsDefault: queue.DefaultMaxAttempts,
		BackoffType:        "exponential",
		BackoffDelay:       backoff.DefaultDelay,
		BackoffMultiplier:  backoff.DefaultMultiplier,
		BackoffMaxDelay:    backoff.DefaultMaxDelay,
		HandlerTimeout:     60 * time.Second,
		PollMinBackoff:     100 * time.Millisecond,
		PollMaxBackoff:     5 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		StoreGiveUp:        5 * time.Minute,
		RetainCompleted:    queue.Retention{Age: 5 * time.Hour, Count: 200},
		RetainFailed:       queue.Retention{Age: 5 * time.Hour, Count: 200},
		RetentionInterval:  time.Minute,
		ExecMode:           "mock",
		ExecSleep:          2 * time.Second,
		HTTP: HTTPConfig{
			Addr:       ":3000",
			AuthLimit:  30,
			AuthWindow: time.Minute,
		},
	}
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Load layers defaults, the config file at path (if any) and the environment.
// Flags are bound by the caller afterwards; call Validate once they are parsed.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFileConfig(path)
		if err != nil {
			return nil, err
		}
		if err := ApplyFileConfig(cfg, fileCfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Durations accept Go syntax
// ("1500ms") or a bare integer of milliseconds.
func (c *Config) ApplyEnv() error {
	e := &envReader{}

	e.str(&c.DatabaseURL, "DATABASE_URL", "TASKQUEUE_DSN")
	e.str(&c.QueueName, "QUEUE_NAME")
	e.str(&c.WorkerID, "WORKER_ID")
	e.str(&c.Env, "APP_ENV")
	e.str(&c.LogLevel, "LOG_LEVEL")
	e.boolean(&c.AutoMigrate, "TASKQUEUE_AUTO_MIGRATE")

	e.integer(&c.Concurrency, "WORKER_CONCURRENCY")
	e.integer(&c.RateLimitMax, "WORKER_RATE_LIMIT_MAX")
	e.duration(&c.RateLimitWindow, "WORKER_RATE_LIMIT_DURATION")
	e.duration(&c.LeaseDuration, "LEASE_DURATION")
	e.duration(&c.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	e.duration(&c.StalledInterval, "STALLED_INTERVAL")
	e.integer(&c.MaxStalledCount, "MAX_STALLED_COUNT")
	e.integer(&c.MaxAttemptsDefault, "JOB_ATTEMPTS")
	e.str(&c.BackoffType, "BACKOFF_TYPE")
	e.duration(&c.BackoffDelay, "BACKOFF_DELAY")
	e.float(&c.BackoffMultiplier, "BACKOFF_MULTIPLIER")
	e.duration(&c.BackoffMaxDelay, "BACKOFF_MAX_DELAY")
	e.duration(&c.HandlerTimeout, "JOB_TIMEOUT")
	e.duration(&c.PollMinBackoff, "POLL_MIN_BACKOFF")
	e.duration(&c.PollMaxBackoff, "POLL_MAX_BACKOFF")
	e.duration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	e.duration(&c.StoreGiveUp, "STORE_GIVE_UP")

	e.duration(&c.RetainCompleted.Age, "RETAIN_COMPLETED_AGE")
	e.integer(&c.RetainCompleted.Count, "RETAIN_COMPLETED_COUNT")
	e.duration(&c.RetainFailed.Age, "RETAIN_FAILED_AGE")
	e.integer(&c.RetainFailed.Count, "RETAIN_FAILED_COUNT")
	e.duration(&c.RetentionInterval, "RETENTION_INTERVAL")

	e.str(&c.ExecMode, "EXEC_MODE")
	e.duration(&c.ExecSleep, "EXEC_SLEEP")
	if v := os.Getenv("HANDLER_COMMAND"); v != "" {
		c.HandlerCommand = strings.Fields(v)
	}

	e.str(&c.HTTP.Addr, "HTTP_ADDR")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		c.HTTP.Addr = ":" + port
	}
	e.str(&c.HTTP.AuthToken, "API_TOKEN")
	e.str(&c.HTTP.JWTSecret, "API_JWT_SECRET")
	e.float(&c.HTTP.RateLimit, "API_RATE_LIMIT")
	e.integer(&c.HTTP.RateBurst, "API_RATE_BURST")
	if v := os.Getenv("HTTP_ALLOW_CIDRS"); v != "" {
		c.HTTP.AllowCIDRs = parseList(v)
	}
	e.integer(&c.HTTP.AuthLimit, "HTTP_AUTH_LIMIT")
	e.duration(&c.HTTP.AuthWindow, "HTTP_AUTH_WINDOW")
	e.str(&c.HTTP.TLSCert, "HTTP_TLS_CERT")
	e.str(&c.HTTP.TLSKey, "HTTP_TLS_KEY")
	e.str(&c.HTTP.TLSClientCA, "HTTP_TLS_CLIENT_CA")

	return e.err
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Store DSN (memory://, postgres://, redis://, sqlite://)")
	fs.StringVar(&c.QueueName, "queue", c.QueueName, "Queue name")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.Env, "env", c.Env, "Environment (production|development)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.BoolVar(&c.AutoMigrate, "migrate", c.AutoMigrate, "Apply schema migrations on start")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "Concurrent handler slots")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", c.RateLimitMax, "Claims allowed per rate limit window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "Claim rate limit window")
	fs.DurationVar(&c.LeaseDuration, "lease", c.LeaseDuration, "Heartbeat age after which a job is stalled")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat", c.HeartbeatInterval, "Heartbeat interval (0 = lease/3)")
	fs.DurationVar(&c.StalledInterval, "stalled-interval", c.StalledInterval, "Stall detector interval (0 = by env)")
	fs.IntVar(&c.MaxStalledCount, "max-stalled", c.MaxStalledCount, "Stalls before a job fails")
	fs.IntVar(&c.MaxAttemptsDefault, "attempts", c.MaxAttemptsDefault, "Default max attempts for new jobs")
	fs.StringVar(&c.BackoffType, "backoff", c.BackoffType, "Retry backoff (exponential|fixed)")
	fs.DurationVar(&c.BackoffDelay, "backoff-delay", c.BackoffDelay, "Base retry delay")
	fs.DurationVar(&c.HandlerTimeout, "handler-timeout", c.HandlerTimeout, "Handler timeout (0 disables)")
	fs.DurationVar(&c.PollMinBackoff, "poll-min-backoff", c.PollMinBackoff, "Minimum idle poll backoff")
	fs.DurationVar(&c.PollMaxBackoff, "poll-max-backoff", c.PollMaxBackoff, "Maximum idle poll backoff")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for handlers on shutdown")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Handler (mock|command)")
	fs.DurationVar(&c.ExecSleep, "exec-sleep", c.ExecSleep, "Sleep duration for mock mode")
	fs.Func("command", "Handler command for command mode", func(v string) error {
		c.HandlerCommand = strings.Fields(v)
		return nil
	})
	fs.StringVar(&c.HTTP.Addr, "addr", c.HTTP.Addr, "HTTP listen address")
}

// Validate fills derived defaults and checks cross-field rules.
func (c *Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = EnvProduction
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
		if c.IsDevelopment() {
			c.StalledInterval = 60 * time.Second
		}
	}

	switch {
	case strings.TrimSpace(c.DatabaseURL) == "":
		return fmt.Errorf("DATABASE_URL is required")
	case strings.TrimSpace(c.QueueName) == "":
		return fmt.Errorf("queue name is required")
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be >= 1")
	case c.RateLimitMax < 1:
		return fmt.Errorf("rate limit max must be >= 1")
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("rate limit window must be > 0")
	case c.LeaseDuration <= 0:
		return fmt.Errorf("lease duration must be > 0")
	case c.HeartbeatInterval >= c.LeaseDuration:
		return fmt.Errorf("heartbeat interval (%s) must be shorter than the lease (%s)", c.HeartbeatInterval, c.LeaseDuration)
	case c.MaxStalledCount < 0:
		return fmt.Errorf("max stalled count must be >= 0")
	case c.MaxAttemptsDefault < 1:
		return fmt.Errorf("attempts must be >= 1")
	case c.HandlerTimeout < 0:
		return fmt.Errorf("handler timeout must be >= 0")
	case c.PollMinBackoff <= 0:
		return fmt.Errorf("poll min backoff must be > 0")
	case c.PollMaxBackoff < c.PollMinBackoff:
		return fmt.Errorf("poll max backoff must be >= poll min backoff")
	case c.RetainCompleted.Count < 0 || c.RetainFailed.Count < 0:
		return fmt.Errorf("retention counts must be >= 0")
	}
	if _, err := c.Backoff(); err != nil {
		return err
	}
	switch c.ExecMode {
	case "mock":
	case "command":
		if len(c.HandlerCommand) == 0 {
			return fmt.Errorf("HANDLER_COMMAND is required in command mode")
		}
	default:
		return fmt.Errorf("unknown exec mode %q", c.ExecMode)
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("HTTP_TLS_CERT and HTTP_TLS_KEY must be set together")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment || c.Env == "dev"
}

func (c *Config) Backoff() (backoff.Strategy, error) {
	return backoff.New(c.BackoffType, c.BackoffDelay, c.BackoffMultiplier, c.BackoffMaxDelay)
}

// envReader records the first malformed variable and skips unset ones.
type envReader struct {
	err error
}

func (e *envReader) lookup(names ...string) (string, string, bool) {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return name, v, true
		}
	}
	return "", "", false
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", name, err)
	}
}

func (e *envReader) str(dst *string, names ...string) {
	if _, v, ok := e.lookup(names...); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, name string) {
	if _, v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(dst *float64, name string) {
	if _, v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(dst *bool, name string) {
	if _, v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *time.Duration, name string) {
	if _, v, ok := e.lookup(name); ok {
		d, err := ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

// ParseDuration accepts Go duration syntax or a bare integer of milliseconds.
func ParseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
