package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"taskqueue/internal/queue"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type createTaskRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
	ID   string          `json:"id,omitempty" validate:"omitempty,max=128"`
	// Delay before the job becomes eligible, in milliseconds, at most a year.
	Delay int64 `json:"delay,omitempty" validate:"gte=0,lte=31536000000"`
	// Duration keeps the finished record for this many seconds, at most a year.
	Duration int64 `json:"duration,omitempty" validate:"gte=0,lte=31536000"`
	Attempts int   `json:"attempts,omitempty" validate:"gte=0,lte=1000"`
}

type createTaskResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	id, err := s.producer.Enqueue(r.Context(), req.Data, queue.EnqueueOptions{
		ID:          req.ID,
		Delay:       time.Duration(req.Delay) * time.Millisecond,
		MaxAttempts: req.Attempts,
		RetainFor:   time.Duration(req.Duration) * time.Second,
	})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var opts queue.ListOptions
	for _, raw := range r.URL.Query()["state"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			state, err := queue.ParseState(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			opts.States = append(opts.States, state)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	tasks, err := s.producer.List(r.Context(), opts)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	job, err := s.producer.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.producer.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) replayTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.producer.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createTaskResponse{ID: id})
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrStoreUnavailable):
		s.logger.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("task request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
