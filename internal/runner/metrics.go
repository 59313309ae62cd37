package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Metrics keeps per-process counters and latency samples for the end of run
// report. Prometheus carries the same signals for scraping.
type Metrics struct {
	mu sync.Mutex

	claimed   int64
	completed int64
	retried   int64
	failed    int64
	abandoned int64

	// Latencies in milliseconds
	claimLatencies     []int64
	queueWaitLatencies []int64
	execLatencies      []int64
}

type Snapshot struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`

	Latencies map[string]map[string]int64 `json:"latencies,omitempty"`
}

func (m *Metrics) RecordClaim(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed++
	m.claimLatencies = append(m.claimLatencies, latency.Milliseconds())
}

func (m *Metrics) RecordSuccess(queueWait, execTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	m.queueWaitLatencies = append(m.queueWaitLatencies, queueWait.Milliseconds())
	m.execLatencies = append(m.execLatencies, execTime.Milliseconds())
}

func (m *Metrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
}

func (m *Metrics) RecordAbandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Claimed:   m.claimed,
		Completed: m.completed,
		Retried:   m.retried,
		Failed:    m.failed,
		Abandoned: m.abandoned,
		Latencies: map[string]map[string]int64{},
	}
	for name, samples := range map[string][]int64{
		"claim":      m.claimLatencies,
		"queue_wait": m.queueWaitLatencies,
		"exec":       m.execLatencies,
	} {
		if sum := summarize(samples); sum != nil {
			s.Latencies[name] = sum
		}
	}
	return s
}

// Report logs the run summary and, when REPORT_JSON names a file, writes it
// there as JSON.
func (m *Metrics) Report(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("worker report",
		"claimed", s.Claimed,
		"completed", s.Completed,
		"retried", s.Retried,
		"failed", s.Failed,
		"abandoned", s.Abandoned,
	)

	path := os.Getenv("REPORT_JSON")
	if path == "" {
		return
	}
	if err := writeReport(path, s); err != nil {
		logger.Warn("failed to write report", "path", path, "error", err)
	}
}

func writeReport(path string, s Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return f.Close()
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return map[string]int64{
		"p50": sorted[len(sorted)*50/100],
		"p95": sorted[len(sorted)*95/100],
		"p99": sorted[len(sorted)*99/100],
	}
}
