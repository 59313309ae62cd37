package web

import (
	"net/http"
	"strings"

	"taskqueue/internal/events"
)

type eventFilter struct {
	queue     string
	workerID  string
	jobID     string
	eventType string
}

func parseEventFilter(r *http.Request) eventFilter {
	query := r.URL.Query()
	return eventFilter{
		queue:     strings.TrimSpace(query.Get("queue")),
		workerID:  strings.TrimSpace(query.Get("worker_id")),
		jobID:     strings.TrimSpace(query.Get("job_id")),
		eventType: strings.TrimSpace(query.Get("type")),
	}
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.queue != "" && event.Queue != f.queue {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	if f.jobID != "" && event.JobID != f.jobID {
		return false
	}
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	return true
}
