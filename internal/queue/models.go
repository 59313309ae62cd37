package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type State string

const (
	StateDelayed   State = "delayed"
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StateRemoved is only used in transition events; no record is ever stored with it.
const StateRemoved State = "removed"

const DefaultMaxAttempts = 3

// StalledErrorMessage is recorded on jobs failed by the reaper after too many stalls.
const StalledErrorMessage = "job stalled more than allowable limit"

var allStates = []State{StateDelayed, StateWaiting, StateActive, StateCompleted, StateFailed}

func States() []State {
	return append([]State(nil), allStates...)
}

func ParseState(value string) (State, error) {
	for _, s := range allStates {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, value)
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pending reports whether the job is queued and not owned by any worker.
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	RunAt         time.Time       `json:"run_at"`
	CreatedAt     time.Time       `json:"created_at"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	StalledCount  int             `json:"stalled_count"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	// RetainFor overrides the queue's retention age once the job is terminal.
	RetainFor time.Duration `json:"retain_for,omitempty"`
	// Seq is assigned by the store on insert and orders jobs with equal RunAt.
	Seq int64 `json:"seq"`
}

// StateAt returns the state an observer sees at now. A delayed job whose
// run_at has passed reads as waiting without any write having happened.
func (j *Job) StateAt(now time.Time) State {
	if j.State == StateDelayed && !j.RunAt.After(now) {
		return StateWaiting
	}
	return j.State
}

// Eligible reports whether ClaimNext may hand this job out at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.State.Pending() && !j.RunAt.After(now)
}

// Clone returns a deep copy so stores can hand out records without sharing buffers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = cloneRaw(j.Payload)
	out.Progress = cloneRaw(j.Progress)
	out.Result = cloneRaw(j.Result)
	out.ClaimedAt = cloneTime(j.ClaimedAt)
	out.LastHeartbeat = cloneTime(j.LastHeartbeat)
	out.FinishedAt = cloneTime(j.FinishedAt)
	return &out
}

type Summary struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (j *Job) Summary(now time.Time) Summary {
	return Summary{
		ID:          j.ID,
		State:       j.StateAt(now),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  cloneTime(j.FinishedAt),
		Error:       j.Error,
	}
}

type ListOptions struct {
	// States filters by effective state. Empty means all states.
	States []State
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// StoredStates maps effective states to the stored states a backend must
// scan. Waiting also covers delayed rows whose run_at has passed.
func (o ListOptions) StoredStates() []State {
	if len(o.States) == 0 {
		return nil
	}
	seen := map[State]bool{}
	var out []State
	add := func(s State) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range o.States {
		add(s)
		if s == StateWaiting {
			add(StateDelayed)
		}
	}
	return out
}

// Matches filters a stored job by effective state at now.
func (o ListOptions) Matches(job *Job, now time.Time) bool {
	if len(o.States) == 0 {
		return true
	}
	effective := job.StateAt(now)
	for _, s := range o.States {
		if s == effective {
			return true
		}
	}
	return false
}

// Retention bounds how many terminal records of one state are kept.
// A zero field disables that cap.
type Retention struct {
	Age   time.Duration
	Count int
}

func (r Retention) Enabled() bool {
	return r.Age > 0 || r.Count > 0
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
