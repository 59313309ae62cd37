package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "payload", want: true},
		{key: "Result", want: true},
		{key: "authorization", want: true},
		{key: "api_token", want: true},
		{key: "DB_PASSWORD", want: true},
		{key: "job_id", want: false},
		{key: "queue", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactGroupMembers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "production", slog.LevelInfo)
	logger.Info("claimed", slog.Group("job", slog.String("payload", "card=4111"), slog.String("id", "j1")))

	var line struct {
		Job map[string]string `json:"job"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line.Job["payload"] != redactedValue {
		t.Fatalf("expected grouped payload redacted, got %q", line.Job["payload"])
	}
	if line.Job["id"] != "j1" {
		t.Fatalf("expected grouped id kept, got %q", line.Job["id"])
	}
}

func TestMaskDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://app:hunter2@db:5432/jobs": "postgres://app:xxxxx@db:5432/jobs",
		"redis://localhost:6379/0":            "redis://localhost:6379/0",
		"sqlite:///var/lib/q.db":              "sqlite:///var/lib/q.db",
		"memory://":                           "memory://",
	}
	for in, want := range tests {
		if got := maskDSN(in); got != want {
			t.Errorf("maskDSN(%q) = %q, want %q", in, got, want)
		}
	}

	var buf bytes.Buffer
	New(&buf, "production", slog.LevelInfo).Info("opening store", "dsn", "postgres://app:hunter2@db/jobs")
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("dsn password leaked: %s", buf.String())
	}
}

func TestNewRedactsJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "production", slog.LevelInfo).With("auth_token", "abc")
	logger.Info("job done", "job_id", "j1", "result", `{"card":"4111"}`)
	logger.Debug("hidden")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["result"] != redactedValue || line["auth_token"] != redactedValue {
		t.Fatalf("expected sensitive attrs redacted, got %v", line)
	}
	if line["job_id"] != "j1" {
		t.Fatalf("expected job_id kept, got %v", line["job_id"])
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line should be filtered at info level")
	}
}

func TestNewDevelopmentUsesText(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "development", slog.LevelDebug).Debug("hello", "queue", "q")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "queue=q") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("WARN"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("expected warn, got %v %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
