// Package executor provides the job handlers the worker binary can run: an
// external command fed the payload on stdin, and a mock for load testing.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"taskqueue/internal/runner"
)

const (
	defaultMaxLogSize = 1024 * 1024
	stderrTail        = 2048
	termGrace         = time.Second
	killDelay         = 3 * time.Second
)

// limitedBuffer caps the captured output. Writes past the cap are dropped
// but reported as successful so the child never blocks on a full pipe.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

// Command runs an external program once per job. The payload is written to
// its stdin and job metadata is passed in TASKQUEUE_* environment variables.
// A zero exit completes the job with stdout as the result; anything else
// fails the attempt with the tail of stderr.
type Command struct {
	Args       []string
	MaxLogSize int
	Dir        string
	Env        []string
}

var _ runner.Handler = (*Command)(nil)

func NewCommand(args []string) (*Command, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, errors.New("handler command is empty")
	}
	return &Command{
		Args:       append([]string(nil), args...),
		MaxLogSize: defaultMaxLogSize,
	}, nil
}

func (c *Command) Handle(ctx context.Context, task *runner.Task) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...),
		"TASKQUEUE_JOB_ID="+task.ID,
		"TASKQUEUE_QUEUE="+task.Queue,
		"TASKQUEUE_ATTEMPT="+strconv.Itoa(task.Attempt),
		"TASKQUEUE_MAX_ATTEMPTS="+strconv.Itoa(task.MaxAttempts),
	)
	cmd.Stdin = bytes.NewReader(task.Payload)

	limit := c.MaxLogSize
	if limit <= 0 {
		limit = defaultMaxLogSize
	}
	stdout := &limitedBuffer{cap: limit}
	stderr := &limitedBuffer{cap: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setProcessGroup(cmd)
	cmd.Cancel = func() error { return interruptGroup(cmd, termGrace) }
	cmd.WaitDelay = killDelay

	start := time.Now()
	err := cmd.Run()
	if task.Logger != nil {
		task.Logger.Debug("handler command exited",
			"duration", time.Since(start),
			"stdout", stdout.String(),
			"stderr", stderr.String(),
		)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("handler command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: tail(stderr.String(), stderrTail)}
		}
		return nil, fmt.Errorf("start handler command: %w", err)
	}
	return parseResult(stdout.Bytes())
}

// ExitError reports a handler command that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("handler command exited with code %d", e.Code)
	}
	return fmt.Sprintf("handler command exited with code %d: %s", e.Code, e.Stderr)
}

// parseResult accepts stdout that is a JSON document, or whose last line is
// one (earlier lines being logs). Any other output is stored as a string.
func parseResult(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		if last := bytes.TrimSpace(trimmed[i+1:]); json.Valid(last) {
			return json.RawMessage(last), nil
		}
	}
	return json.Marshal(string(trimmed))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
