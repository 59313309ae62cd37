package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskqueue/internal/config"
	"taskqueue/internal/events"
	"taskqueue/internal/executor"
	"taskqueue/internal/logging"
	"taskqueue/internal/metrics"
	"taskqueue/internal/queue"
	"taskqueue/internal/runner"
	"taskqueue/internal/store"
	"taskqueue/internal/web"
)

const Version = "0.4.0"

const collectInterval = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		} else {
			fmt.Fprintln(os.Stderr, "taskqueue:", err)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "--version":
		fmt.Fprintf(stdout, "taskqueue version %s\n", Version)
		return nil
	case "worker":
		return runWorker(rest)
	case "serve":
		return runServe(rest)
	case "reaper":
		return runReaper(rest, stdout)
	case "beat":
		return runBeat(rest, stdout)
	case "enqueue":
		return runEnqueue(rest, stdout)
	case "ls":
		return runList(rest, stdout)
	case "get":
		return runGet(rest, stdout)
	case "rm":
		return runRemove(rest, stdout)
	case "replay":
		return runReplay(rest, stdout)
	case "prune":
		return runPrune(rest, stdout)
	case "migrate":
		return runMigrate(rest, stdout)
	default:
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskqueue <worker|serve|reaper|beat|enqueue|ls|get|rm|replay|prune|migrate|version> [flags] [args]")
}

// loadConfig layers defaults, the config file, env and finally flags.
// bind registers command specific flags on the same set.
func loadConfig(name string, args []string, bind func(fs *flag.FlagSet)) (*config.Config, *flag.FlagSet, error) {
	path, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "Path to a YAML or TOML config file")
	cfg.BindFlags(fs)
	if bind != nil {
		bind(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, fs, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newHandler(cfg *config.Config) (runner.Handler, error) {
	if cfg.ExecMode == "command" {
		cmd, err := executor.NewCommand(cfg.HandlerCommand)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	}
	return &executor.Mock{Sleep: cfg.ExecSleep}, nil
}

func newProducer(cfg *config.Config, backend queue.Store, publisher events.Publisher) *queue.Producer {
	return queue.NewProducer(backend, cfg.QueueName,
		queue.WithPublisher(publisher),
		queue.WithDefaultMaxAttempts(cfg.MaxAttemptsDefault),
	)
}

func runWorker(args []string) error {
	var serve bool
	cfg, _, err := loadConfig("worker", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&serve, "serve", false, "Also serve the HTTP API, metrics and events")
	})
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.WorkerID, cfg.Env, cfg.LogLevel)
	logger.Info("Starting worker", "version", Version, "queue", cfg.QueueName, "concurrency", cfg.Concurrency, "exec_mode", cfg.ExecMode)

	ctx, stop := signalContext()
	defer stop()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	handler, err := newHandler(cfg)
	if err != nil {
		return err
	}
	backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	broker := events.NewBroker(256)
	r := runner.New(cfg, backend, handler, logger, broker)

	if !serve {
		return r.Start(ctx)
	}

	srv, err := newWebServer(cfg, backend, broker, logger)
	if err != nil {
		return err
	}
	metrics.StartCollector(ctx, backend, []string{cfg.QueueName}, collectInterval, logger)

	// The server outlives the worker's drain so health checks keep answering.
	srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(srvCtx) })
	g.Go(func() error {
		defer stopServer()
		return r.Start(gctx)
	})
	return g.Wait()
}

func runServe(args []string) error {
	cfg, _, err := loadConfig("serve", args, nil)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.WorkerID, cfg.Env, cfg.LogLevel)

	ctx, stop := signalContext()
	defer stop()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	srv, err := newWebServer(cfg, backend, events.NewBroker(256), logger)
	if err != nil {
		return err
	}
	metrics.StartCollector(ctx, backend, []string{cfg.QueueName}, collectInterval, logger)
	logger.Info("Serving HTTP API", "addr", cfg.HTTP.Addr, "queue", cfg.QueueName)
	return srv.Start(ctx)
}

func newWebServer(cfg *config.Config, backend queue.Backend, broker *events.Broker, logger *slog.Logger) (*web.Server, error) {
	if cfg.HTTP.AuthToken == "" && cfg.HTTP.JWTSecret == "" && len(cfg.HTTP.AllowCIDRs) == 0 && !isLoopbackAddr(cfg.HTTP.Addr) {
		logger.Warn("HTTP API is exposed without authentication", "addr", cfg.HTTP.Addr)
	}
	return web.NewServer(cfg.HTTP, backend, newProducer(cfg, backend, broker), broker, logger)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func runReaper(args []string, stdout io.Writer) error {
	var once bool
	cfg, _, err := loadConfig("reaper", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "Run one sweep and print the result")
	})
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.WorkerID, cfg.Env, cfg.LogLevel)

	ctx, stop := signalContext()
	defer stop()

	backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	reaper := runner.NewReaper(backend, cfg.QueueName, runner.ReaperOptions{
		Lease:      cfg.LeaseDuration,
		Interval:   cfg.StalledInterval,
		MaxStalled: cfg.MaxStalledCount,
	}, logger, nil)

	if once {
		res, err := reaper.Sweep(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	}
	logger.Info("Starting stall detector", "queue", cfg.QueueName, "interval", cfg.StalledInterval, "lease", cfg.LeaseDuration)
	if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runBeat(args []string, stdout io.Writer) error {
	var once bool
	cfg, _, err := loadConfig("beat", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "Enqueue every schedule once and exit")
	})
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.WorkerID, cfg.Env, cfg.LogLevel)
	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("no schedules configured")
	}

	ctx, stop := signalContext()
	defer stop()

	backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	beat, err := queue.NewBeat(newProducer(cfg, backend, nil), cfg.Schedules, logger)
	if err != nil {
		return err
	}
	if once {
		n, err := beat.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "enqueued %d scheduled jobs\n", n)
		return nil
	}
	logger.Info("Starting beat", "queue", cfg.QueueName, "schedules", len(cfg.Schedules))
	if err := beat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
