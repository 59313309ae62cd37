package config

import (
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"taskqueue/internal/backoff"
)

func TestDefaultsMatchOriginalService(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.QueueName != "tasks" || cfg.Concurrency != 10 {
		t.Fatalf("unexpected queue/concurrency %q/%d", cfg.QueueName, cfg.Concurrency)
	}
	if cfg.RateLimitMax != 5 || cfg.RateLimitWindow != time.Second {
		t.Fatalf("unexpected rate limit %d/%v", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.StalledInterval != 30*time.Second {
		t.Fatalf("expected production stalled interval 30s, got %v", cfg.StalledInterval)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected heartbeat lease/3, got %v", cfg.HeartbeatInterval)
	}
	if cfg.RetainCompleted.Age != 5*time.Hour || cfg.RetainCompleted.Count != 200 {
		t.Fatalf("unexpected completed retention %+v", cfg.RetainCompleted)
	}
}

func TestValidateDevelopmentStalledInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Env = "Development"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StalledInterval != 60*time.Second {
		t.Fatalf("expected 60s in development, got %v", cfg.StalledInterval)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("TASKQUEUE_DSN", "redis://localhost:6379/0")
	t.Setenv("QUEUE_NAME", "emails")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("WORKER_RATE_LIMIT_MAX", "20")
	t.Setenv("WORKER_RATE_LIMIT_DURATION", "2000")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("RETAIN_FAILED_COUNT", "0")
	t.Setenv("HANDLER_COMMAND", "python3 -m handler")
	t.Setenv("PORT", "8081")
	t.Setenv("HTTP_ALLOW_CIDRS", "10.0.0.0/8, ,127.0.0.1/32")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "redis://localhost:6379/0" {
		t.Fatalf("expected TASKQUEUE_DSN, got %q", cfg.DatabaseURL)
	}
	if cfg.QueueName != "emails" || cfg.Concurrency != 4 || cfg.RateLimitMax != 20 {
		t.Fatalf("unexpected worker settings %+v", cfg)
	}
	if cfg.RateLimitWindow != 2*time.Second {
		t.Fatalf("bare integers are milliseconds, got %v", cfg.RateLimitWindow)
	}
	if cfg.HandlerTimeout != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %v", cfg.HandlerTimeout)
	}
	if cfg.BackoffMultiplier != 1.5 {
		t.Fatalf("expected multiplier 1.5, got %v", cfg.BackoffMultiplier)
	}
	if cfg.RetainFailed.Count != 0 {
		t.Fatalf("expected failed count cap disabled, got %d", cfg.RetainFailed.Count)
	}
	if !reflect.DeepEqual(cfg.HandlerCommand, []string{"python3", "-m", "handler"}) {
		t.Fatalf("unexpected command %v", cfg.HandlerCommand)
	}
	if cfg.HTTP.Addr != ":8081" {
		t.Fatalf("expected PORT to set addr, got %q", cfg.HTTP.Addr)
	}
	if !reflect.DeepEqual(cfg.HTTP.AllowCIDRs, []string{"10.0.0.0/8", "127.0.0.1/32"}) {
		t.Fatalf("unexpected cidrs %v", cfg.HTTP.AllowCIDRs)
	}
}

func TestDatabaseURLWinsOverAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/jobs")
	t.Setenv("TASKQUEUE_DSN", "redis://cache")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://db/jobs" {
		t.Fatalf("expected DATABASE_URL, got %q", cfg.DatabaseURL)
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "WORKER_CONCURRENCY") {
		t.Fatalf("expected WORKER_CONCURRENCY error, got %v", err)
	}
}

func TestValidateRejectsCrossFieldErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"heartbeat not below lease": func(c *Config) { c.HeartbeatInterval = c.LeaseDuration },
		"poll range":                func(c *Config) { c.PollMaxBackoff = c.PollMinBackoff / 2 },
		"zero concurrency":          func(c *Config) { c.Concurrency = 0 },
		"unknown backoff":           func(c *Config) { c.BackoffType = "linear" },
		"shrinking multiplier":      func(c *Config) { c.BackoffMultiplier = 0.5 },
		"negative backoff delay":    func(c *Config) { c.BackoffDelay = -time.Second },
		"command without argv":      func(c *Config) { c.ExecMode = "command" },
		"tls cert without key":      func(c *Config) { c.HTTP.TLSCert = "cert.pem" },
		"empty dsn":                 func(c *Config) { c.DatabaseURL = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBackoffFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffType = "fixed"
	cfg.BackoffDelay = 3 * time.Second
	s, err := cfg.Backoff()
	if err != nil {
		t.Fatalf("backoff: %v", err)
	}
	if _, ok := s.(backoff.Fixed); !ok {
		t.Fatalf("expected fixed strategy, got %T", s)
	}
	if s.Delay(7) != 3*time.Second {
		t.Fatalf("expected 3s, got %v", s.Delay(7))
	}
}

func TestBackoffKeepsZeroDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffDelay = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	s, err := cfg.Backoff()
	if err != nil {
		t.Fatalf("backoff: %v", err)
	}
	for retry := 1; retry <= 3; retry++ {
		if d := s.Delay(retry); d != 0 {
			t.Fatalf("retry %d: expected immediate retry, got %v", retry, d)
		}
	}
}

func TestBindFlagsOverrideEnv(t *testing.T) {
	t.Setenv("QUEUE_NAME", "from-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	if err := fs.Parse([]string{"--queue", "from-flag", "--command", "node worker.js", "--lease", "1m"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.QueueName != "from-flag" {
		t.Fatalf("expected flag to win, got %q", cfg.QueueName)
	}
	if !reflect.DeepEqual(cfg.HandlerCommand, []string{"node", "worker.js"}) {
		t.Fatalf("unexpected command %v", cfg.HandlerCommand)
	}
	if cfg.LeaseDuration != time.Minute {
		t.Fatalf("expected lease 1m, got %v", cfg.LeaseDuration)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1000":  time.Second,
		"250ms": 250 * time.Millisecond,
		"5h":    5 * time.Hour,
		"0":     0,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseDuration("soon"); err == nil {
		t.Fatal("expected error")
	}
}
