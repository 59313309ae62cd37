package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Schedule struct {
	Name        string
	CronExpr    string
	Payload     json.RawMessage
	MaxAttempts int
}

// Beat enqueues scheduled jobs. Ids are derived from the schedule name and
// the fire minute, so several beats firing together supersede each other
// instead of producing duplicates.
type Beat struct {
	producer  *Producer
	schedules []Schedule
	logger    *slog.Logger
	now       func() time.Time
}

func NewBeat(producer *Producer, schedules []Schedule, logger *slog.Logger) (*Beat, error) {
	seen := map[string]bool{}
	for _, s := range schedules {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: schedule name is required", ErrInvalidArgument)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate schedule %q", ErrInvalidArgument, s.Name)
		}
		seen[s.Name] = true
		if _, err := scheduleParser.Parse(s.CronExpr); err != nil {
			return nil, fmt.Errorf("%w: invalid cron expression for %s: %v", ErrInvalidArgument, s.Name, err)
		}
		if _, err := NormalizePayload(s.Payload); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beat{
		producer:  producer,
		schedules: append([]Schedule(nil), schedules...),
		logger:    logger,
		now:       producer.now,
	}, nil
}

// Run fires schedules until ctx is done.
func (b *Beat) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(scheduleParser))
	for _, s := range b.schedules {
		s := s
		if _, err := c.AddFunc(s.CronExpr, func() {
			if _, err := b.Fire(ctx, s, b.now()); err != nil {
				b.logger.Error("Scheduled enqueue failed", "schedule", s.Name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("register schedule %s: %w", s.Name, err)
		}
	}
	c.Start()
	b.logger.Info("Beat started", "schedules", len(b.schedules))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce fires every schedule immediately.
func (b *Beat) RunOnce(ctx context.Context) (int, error) {
	now := b.now()
	n := 0
	for _, s := range b.schedules {
		if _, err := b.Fire(ctx, s, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (b *Beat) Fire(ctx context.Context, s Schedule, at time.Time) (string, error) {
	id := fmt.Sprintf("%s-%d", s.Name, at.Truncate(time.Minute).Unix())
	jobID, err := b.producer.Enqueue(ctx, s.Payload, EnqueueOptions{ID: id, MaxAttempts: s.MaxAttempts})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", s.Name, err)
	}
	b.logger.Info("Scheduled job enqueued", "schedule", s.Name, "job_id", jobID)
	return jobID, nil
}

// NextRun reports when a cron expression fires next after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidArgument, err)
	}
	return sched.Next(from), nil
}
