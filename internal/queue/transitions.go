package queue

import (
	"encoding/json"
	"time"
)

var transitions = map[State][]State{
	StateDelayed: {StateWaiting, StateActive},
	StateWaiting: {StateActive},
	StateActive:  {StateCompleted, StateWaiting, StateDelayed, StateFailed},
}

// CanTransition reports whether from -> to is a legal state change.
// Removal is legal from every state and is not listed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// The methods below mutate a record in place. They back the memory store
// and mirror what the SQL and Lua implementations do in one statement.

func (j *Job) CheckOwner(token string) error {
	if j.State != StateActive || j.ClaimedBy != token {
		return ErrNotOwner
	}
	return nil
}

func (j *Job) MarkClaimed(token string, now time.Time) {
	j.State = StateActive
	j.ClaimedBy = token
	j.ClaimedAt = &now
	hb := now
	j.LastHeartbeat = &hb
}

func (j *Job) MarkCompleted(result json.RawMessage, now time.Time) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	j.State = StateCompleted
	j.Result = cloneRaw(result)
	j.Error = ""
	j.FinishedAt = &now
	j.clearClaim()
}

func (j *Job) MarkFailed(reason string, now time.Time) {
	if reason == "" {
		reason = "handler failed"
	}
	j.Attempts++
	j.State = StateFailed
	j.Error = reason
	j.Result = nil
	j.FinishedAt = &now
	j.clearClaim()
}

func (j *Job) MarkRescheduled(delay time.Duration, now time.Time) {
	if delay < 0 {
		delay = 0
	}
	j.Attempts++
	j.RunAt = now.Add(delay)
	j.State = StateWaiting
	if delay > 0 {
		j.State = StateDelayed
	}
	j.clearClaim()
}

// MarkReaped recovers a stalled job. Attempts are never counted here.
func (j *Job) MarkReaped(maxStalled int, now time.Time) State {
	if j.StalledCount >= maxStalled {
		j.State = StateFailed
		j.Error = StalledErrorMessage
		j.Result = nil
		j.FinishedAt = &now
		j.clearClaim()
		return StateFailed
	}
	j.StalledCount++
	j.State = StateWaiting
	j.clearClaim()
	return StateWaiting
}

// Stalled reports whether an active job missed its heartbeat deadline.
func (j *Job) Stalled(olderThan time.Time) bool {
	if j.State != StateActive {
		return false
	}
	if j.LastHeartbeat == nil {
		return true
	}
	return j.LastHeartbeat.Before(olderThan)
}

// Expired reports whether a terminal job is past its retention age.
func (j *Job) Expired(age time.Duration, now time.Time) bool {
	if !j.State.Terminal() || j.FinishedAt == nil {
		return false
	}
	if j.RetainFor > 0 {
		age = j.RetainFor
	}
	if age <= 0 {
		return false
	}
	return j.FinishedAt.Before(now.Add(-age))
}

func (j *Job) clearClaim() {
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.LastHeartbeat = nil
}
