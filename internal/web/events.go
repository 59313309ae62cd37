package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskqueue/internal/events"
)

const keepaliveInterval = 15 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "events not configured", http.StatusNotFound)
		return
	}
	filter := parseEventFilter(r)

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ch, cancel, history := s.events.Subscribe(lastEventID(r))
	defer cancel()
	for _, event := range history {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
	}
	_ = rc.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			_ = rc.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			_ = rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, payload)
	return err
}

// lastEventID reads the resume point an EventSource sends on reconnect. The
// query parameter serves clients that cannot set headers.
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
