package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/logging"
	"taskqueue/internal/queue"
	"taskqueue/internal/runner"
	"taskqueue/internal/store"
)

// adminSession is the store and producer a one-shot command works against.
// Logs go to stderr at warn so command output stays machine readable.
type adminSession struct {
	cfg      *config.Config
	args     []string
	logger   *slog.Logger
	backend  queue.Backend
	producer *queue.Producer
}

func openSession(ctx context.Context, name string, args []string, bind func(fs *flag.FlagSet)) (*adminSession, error) {
	cfg, fs, err := loadConfig(name, args, bind)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, cfg.Env, level)
	backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate, logger)
	if err != nil {
		return nil, err
	}
	return &adminSession{
		cfg:      cfg,
		args:     fs.Args(),
		logger:   logger,
		backend:  backend,
		producer: newProducer(cfg, backend, nil),
	}, nil
}

func (s *adminSession) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}

// jobID returns the single positional argument of get, rm and replay.
func (s *adminSession) jobID(cmd string) (string, error) {
	if len(s.args) != 1 || strings.TrimSpace(s.args[0]) == "" {
		return "", fmt.Errorf("usage: taskqueue %s [flags] <job-id>", cmd)
	}
	return s.args[0], nil
}

func runEnqueue(args []string, stdout io.Writer) error {
	var (
		data   string
		id     string
		delay  time.Duration
		retain time.Duration
	)
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "enqueue", args, func(fs *flag.FlagSet) {
		fs.StringVar(&data, "data", "", "JSON payload, or @path to read it from a file")
		fs.StringVar(&id, "id", "", "Job id; a pending job with the same id is replaced")
		fs.DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
		fs.DurationVar(&retain, "retain", 0, "Keep the finished job for this long (0 uses the queue policy)")
	})
	if err != nil {
		return err
	}
	defer s.Close()

	payload, err := readPayload(data)
	if err != nil {
		return err
	}
	jobID, err := s.producer.Enqueue(ctx, payload, queue.EnqueueOptions{
		ID:        id,
		Delay:     delay,
		RetainFor: retain,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, jobID)
	return nil
}

func readPayload(data string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(data, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return json.RawMessage(raw), nil
	}
	return json.RawMessage(data), nil
}

func runList(args []string, stdout io.Writer) error {
	var (
		states string
		limit  int
		asJSON bool
	)
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "ls", args, func(fs *flag.FlagSet) {
		fs.StringVar(&states, "state", "", "Comma separated states to include")
		fs.IntVar(&limit, "limit", 0, "Maximum jobs to list (0 = all)")
		fs.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	})
	if err != nil {
		return err
	}
	defer s.Close()

	opts := queue.ListOptions{Limit: limit}
	for _, name := range strings.Split(states, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		st, err := queue.ParseState(name)
		if err != nil {
			return err
		}
		opts.States = append(opts.States, st)
	}

	jobs, err := s.producer.List(ctx, opts)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(stdout, jobs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tRUN AT\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.State, j.Attempts, j.MaxAttempts, j.RunAt.UTC().Format(time.RFC3339), truncate(j.Error, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runGet(args []string, stdout io.Writer) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "get", args, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.jobID("get")
	if err != nil {
		return err
	}
	job, err := s.producer.Get(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, job)
}

func runRemove(args []string, stdout io.Writer) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "rm", args, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.jobID("rm")
	if err != nil {
		return err
	}
	if err := s.producer.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "removed %s\n", id)
	return nil
}

func runReplay(args []string, stdout io.Writer) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "replay", args, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.jobID("replay")
	if err != nil {
		return err
	}
	jobID, err := s.producer.Replay(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "replayed %s\n", jobID)
	return nil
}

func runPrune(args []string, stdout io.Writer) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, "prune", args, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	janitor := runner.NewJanitor(s.backend, s.cfg.QueueName, s.cfg.RetainCompleted, s.cfg.RetainFailed, 0, s.logger)
	n, err := janitor.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pruned %d jobs\n", n)
	return nil
}

func runMigrate(args []string, stdout io.Writer) error {
	cfg, _, err := loadConfig("migrate", args, nil)
	if err != nil {
		return err
	}
	kind, err := store.Kind(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if kind != "postgres" && kind != "sqlite" {
		fmt.Fprintf(stdout, "%s store has no schema to migrate\n", kind)
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	logger := logging.New(os.Stderr, cfg.Env, slog.LevelInfo)
	backend, err := store.Open(ctx, cfg.DatabaseURL, true, logger)
	if err != nil {
		return err
	}
	if err := backend.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s schema is up to date\n", kind)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
