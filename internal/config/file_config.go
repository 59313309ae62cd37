package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"taskqueue/internal/queue"
)

var defaultConfigFilenames = []string{
	"taskqueue.yaml",
	"taskqueue.yml",
	"taskqueue.toml",
	".taskqueue.yaml",
	".taskqueue.yml",
	".taskqueue.toml",
}

type FileConfig struct {
	DSN       string              `yaml:"dsn" toml:"dsn"`
	Queue     string              `yaml:"queue" toml:"queue"`
	Env       string              `yaml:"env" toml:"env"`
	LogLevel  string              `yaml:"log_level" toml:"log_level"`
	Worker    WorkerFileConfig    `yaml:"worker" toml:"worker"`
	Retention RetentionFileConfig `yaml:"retention" toml:"retention"`
	HTTP      HTTPFileConfig      `yaml:"http" toml:"http"`
	Schedules []ScheduleConfig    `yaml:"schedules" toml:"schedules"`
}

type WorkerFileConfig struct {
	ID              string        `yaml:"id" toml:"id"`
	Concurrency     *int          `yaml:"concurrency" toml:"concurrency"`
	RateLimitMax    *int          `yaml:"rate_limit_max" toml:"rate_limit_max"`
	RateLimitWindow string        `yaml:"rate_limit_window" toml:"rate_limit_window"`
	Lease           string        `yaml:"lease" toml:"lease"`
	Heartbeat       string        `yaml:"heartbeat" toml:"heartbeat"`
	StalledInterval string        `yaml:"stalled_interval" toml:"stalled_interval"`
	MaxStalledCount *int          `yaml:"max_stalled_count" toml:"max_stalled_count"`
	Attempts        *int          `yaml:"attempts" toml:"attempts"`
	Backoff         BackoffConfig `yaml:"backoff" toml:"backoff"`
	HandlerTimeout  string        `yaml:"handler_timeout" toml:"handler_timeout"`
	PollMinBackoff  string        `yaml:"poll_min_backoff" toml:"poll_min_backoff"`
	PollMaxBackoff  string        `yaml:"poll_max_backoff" toml:"poll_max_backoff"`
	ShutdownTimeout string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	StoreGiveUp     string        `yaml:"store_give_up" toml:"store_give_up"`
	ExecMode        string        `yaml:"exec_mode" toml:"exec_mode"`
	ExecSleep       string        `yaml:"exec_sleep" toml:"exec_sleep"`
	Command         []string      `yaml:"command" toml:"command"`
}

type BackoffConfig struct {
	Type       string   `yaml:"type" toml:"type"`
	Delay      string   `yaml:"delay" toml:"delay"`
	Multiplier *float64 `yaml:"multiplier" toml:"multiplier"`
	Max        string   `yaml:"max" toml:"max"`
}

type RetentionFileConfig struct {
	Interval  string       `yaml:"interval" toml:"interval"`
	Completed RetainConfig `yaml:"completed" toml:"completed"`
	Failed    RetainConfig `yaml:"failed" toml:"failed"`
}

type RetainConfig struct {
	Age   string `yaml:"age" toml:"age"`
	Count *int   `yaml:"count" toml:"count"`
}

type HTTPFileConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	Port        *int     `yaml:"port" toml:"port"`
	AuthToken   string   `yaml:"auth_token" toml:"auth_token"`
	JWTSecret   string   `yaml:"jwt_secret" toml:"jwt_secret"`
	RateLimit   *float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst   *int     `yaml:"rate_burst" toml:"rate_burst"`
	AllowCIDRs  []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit   *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow  string   `yaml:"auth_window" toml:"auth_window"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

// ScheduleConfig is one periodic job. Payload may be a JSON string or any
// structured value, which is re-encoded as JSON.
type ScheduleConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Cron     string `yaml:"cron" toml:"cron"`
	Payload  any    `yaml:"payload" toml:"payload"`
	Attempts int    `yaml:"attempts" toml:"attempts"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("TASKQUEUE_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}
	f := &fileApplier{}

	setStr(&cfg.DatabaseURL, fileCfg.DSN)
	setStr(&cfg.QueueName, fileCfg.Queue)
	setStr(&cfg.Env, fileCfg.Env)
	setStr(&cfg.LogLevel, fileCfg.LogLevel)

	w := fileCfg.Worker
	setStr(&cfg.WorkerID, w.ID)
	setInt(&cfg.Concurrency, w.Concurrency)
	setInt(&cfg.RateLimitMax, w.RateLimitMax)
	f.duration(&cfg.RateLimitWindow, "worker.rate_limit_window", w.RateLimitWindow)
	f.duration(&cfg.LeaseDuration, "worker.lease", w.Lease)
	f.duration(&cfg.HeartbeatInterval, "worker.heartbeat", w.Heartbeat)
	f.duration(&cfg.StalledInterval, "worker.stalled_interval", w.StalledInterval)
	setInt(&cfg.MaxStalledCount, w.MaxStalledCount)
	setInt(&cfg.MaxAttemptsDefault, w.Attempts)
	setStr(&cfg.BackoffType, w.Backoff.Type)
	f.duration(&cfg.BackoffDelay, "worker.backoff.delay", w.Backoff.Delay)
	if w.Backoff.Multiplier != nil {
		cfg.BackoffMultiplier = *w.Backoff.Multiplier
	}
	f.duration(&cfg.BackoffMaxDelay, "worker.backoff.max", w.Backoff.Max)
	f.duration(&cfg.HandlerTimeout, "worker.handler_timeout", w.HandlerTimeout)
	f.duration(&cfg.PollMinBackoff, "worker.poll_min_backoff", w.PollMinBackoff)
	f.duration(&cfg.PollMaxBackoff, "worker.poll_max_backoff", w.PollMaxBackoff)
	f.duration(&cfg.ShutdownTimeout, "worker.shutdown_timeout", w.ShutdownTimeout)
	f.duration(&cfg.StoreGiveUp, "worker.store_give_up", w.StoreGiveUp)
	setStr(&cfg.ExecMode, w.ExecMode)
	f.duration(&cfg.ExecSleep, "worker.exec_sleep", w.ExecSleep)
	if len(w.Command) > 0 {
		cfg.HandlerCommand = append([]string{}, w.Command...)
	}
	if f.err == nil && cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return fmt.Errorf("worker.poll_max_backoff must be >= worker.poll_min_backoff")
	}

	r := fileCfg.Retention
	f.duration(&cfg.RetentionInterval, "retention.interval", r.Interval)
	f.duration(&cfg.RetainCompleted.Age, "retention.completed.age", r.Completed.Age)
	setInt(&cfg.RetainCompleted.Count, r.Completed.Count)
	f.duration(&cfg.RetainFailed.Age, "retention.failed.age", r.Failed.Age)
	setInt(&cfg.RetainFailed.Count, r.Failed.Count)

	h := fileCfg.HTTP
	setStr(&cfg.HTTP.Addr, h.Addr)
	if h.Port != nil && h.Addr == "" {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *h.Port)
	}
	setStr(&cfg.HTTP.AuthToken, h.AuthToken)
	setStr(&cfg.HTTP.JWTSecret, h.JWTSecret)
	if h.RateLimit != nil {
		cfg.HTTP.RateLimit = *h.RateLimit
	}
	setInt(&cfg.HTTP.RateBurst, h.RateBurst)
	if len(h.AllowCIDRs) > 0 {
		cfg.HTTP.AllowCIDRs = append([]string{}, h.AllowCIDRs...)
	}
	setInt(&cfg.HTTP.AuthLimit, h.AuthLimit)
	f.duration(&cfg.HTTP.AuthWindow, "http.auth_window", h.AuthWindow)
	setStr(&cfg.HTTP.TLSCert, h.TLSCert)
	setStr(&cfg.HTTP.TLSKey, h.TLSKey)
	setStr(&cfg.HTTP.TLSClientCA, h.TLSClientCA)

	if f.err != nil {
		return f.err
	}

	for i, s := range fileCfg.Schedules {
		schedule, err := s.toSchedule()
		if err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		cfg.Schedules = append(cfg.Schedules, schedule)
	}
	return nil
}

func (s ScheduleConfig) toSchedule() (queue.Schedule, error) {
	var payload json.RawMessage
	switch v := s.Payload.(type) {
	case nil:
	case string:
		payload = json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return queue.Schedule{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = data
	}
	return queue.Schedule{
		Name:        s.Name,
		CronExpr:    s.Cron,
		Payload:     payload,
		MaxAttempts: s.Attempts,
	}, nil
}

type fileApplier struct {
	err error
}

func (f *fileApplier) duration(dst *time.Duration, field, value string) {
	if value == "" || f.err != nil {
		return
	}
	parsed, err := parseDurationField(field, value)
	if err != nil {
		f.err = err
		return
	}
	*dst = parsed
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) {
				return "", true, fmt.Errorf("missing value for --config")
			}
			if args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
