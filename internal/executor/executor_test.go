package executor

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	"taskqueue/internal/runner"
)

func TestMockCompletes(t *testing.T) {
	m := &Mock{}
	res, err := m.Handle(context.Background(), &runner.Task{ID: "a", WorkerID: "w1", Attempt: 1, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out["status"] != "completed" || out["processedBy"] != "w1" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestMockFails(t *testing.T) {
	m := &Mock{}
	_, err := m.Handle(context.Background(), &runner.Task{Payload: json.RawMessage(`{"fail":true}`)})
	if !errors.Is(err, ErrMockFailure) {
		t.Fatalf("expected mock failure, got %v", err)
	}
	_, err = m.Handle(context.Background(), &runner.Task{Payload: json.RawMessage(`{"fail":true,"message":"card declined"}`)})
	if err == nil || err.Error() != "card declined" {
		t.Fatalf("expected payload message, got %v", err)
	}
}

func TestMockHonoursContext(t *testing.T) {
	m := &Mock{Sleep: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Handle(ctx, &runner.Task{Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("mock kept sleeping after cancellation")
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{name: "empty", out: "  \n", want: "null"},
		{name: "json", out: `{"ok":true}` + "\n", want: `{"ok":true}`},
		{name: "logs then json", out: "starting\nworking\n{\"n\":3}\n", want: `{"n":3}`},
		{name: "plain text", out: "done\n", want: `"done"`},
	}
	for _, tt := range tests {
		got, err := parseResult([]byte(tt.out))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if string(got) != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{cap: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("expected full write report, got %d %v", n, err)
	}
	if b.String() != "abcd" {
		t.Fatalf("expected capped buffer, got %q", b.String())
	}
}

func TestNewCommandRejectsEmpty(t *testing.T) {
	if _, err := NewCommand(nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c, err := NewCommand([]string{"/bin/sh", "-c", `echo "job $TASKQUEUE_JOB_ID" >&2; cat`})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Handle(context.Background(), &runner.Task{ID: "j1", Attempt: 1, Payload: json.RawMessage(`{"to":"a@b.c"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res) != `{"to":"a@b.c"}` {
		t.Fatalf("expected payload echoed, got %s", res)
	}
}

func TestCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c, _ := NewCommand([]string{"/bin/sh", "-c", `echo "attempt $TASKQUEUE_ATTEMPT broke" >&2; exit 3`})
	_, err := c.Handle(context.Background(), &runner.Task{ID: "j1", Attempt: 2, Payload: json.RawMessage(`{}`)})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 || exitErr.Stderr != "attempt 2 broke" {
		t.Fatalf("unexpected exit error %+v", exitErr)
	}
}

func TestCommandKilledOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c, _ := NewCommand([]string{"/bin/sh", "-c", "sleep 5"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Handle(ctx, &runner.Task{Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected interruption error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("process group was not terminated")
	}
}
