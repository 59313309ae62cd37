package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const memoryIntervalEnv = "TASKQUEUE_MEMORY_LOG_INTERVAL"

// memoryLogIntervalFromEnv returns 0 (disabled) unless the variable holds a
// positive Go duration or a bare number of seconds.
func memoryLogIntervalFromEnv(logger *slog.Logger) time.Duration {
	raw := strings.TrimSpace(os.Getenv(memoryIntervalEnv))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err == nil && d > 0 {
		return d
	}
	if logger != nil {
		logger.Warn("ignoring invalid memory log interval", "env", memoryIntervalEnv, "value", raw)
	}
	return 0
}

// memorySampler logs heap and RSS figures plus GC activity since the
// previous sample.
type memorySampler struct {
	logger    *slog.Logger
	lastGC    uint32
	lastPause uint64
}

func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if logger == nil || interval <= 0 {
		return
	}
	s := &memorySampler{logger: logger.With("component", "memory")}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.sample()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *memorySampler) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_inuse_bytes", m.HeapInuse,
		"goroutines", runtime.NumGoroutine(),
		"gc_runs", m.NumGC - s.lastGC,
		"gc_pause", time.Duration(m.PauseTotalNs - s.lastPause),
	}
	s.lastGC, s.lastPause = m.NumGC, m.PauseTotalNs
	if rss, ok := residentBytes(); ok {
		attrs = append(attrs, "rss_bytes", rss)
	}
	s.logger.Info("memory usage", attrs...)
}

// residentBytes reads VmRSS from /proc/self/status. It reports false where
// procfs is unavailable.
func residentBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "VmRSS:")
		if !ok {
			continue
		}
		kb, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(rest), " kB"), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
