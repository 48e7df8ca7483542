package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/store"
)

const DefaultPollInterval = 30 * time.Second

// ScheduleStore is the slice of store.Store the scheduler needs.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, ranAt, next time.Time) error
}

// BatchRunner runs a batch of topics. *BatchScheduler implements it.
type BatchRunner interface {
	RunBatch(ctx context.Context, topics []string, variant Variant) ([]BatchJob, BatchSummary)
}

// Scheduler runs stored schedules when their cron expression comes due.
type Scheduler struct {
	schedules ScheduleStore
	batch     BatchRunner
	notifier  Notifier
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewScheduler(schedules ScheduleStore, batch BatchRunner, notifier Notifier, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		schedules: schedules,
		batch:     batch,
		notifier:  notifier,
		interval:  interval,
		now:       time.Now,
		logger:    logger.Named("scheduler"),
	}
}

// Start polls until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("task scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every due schedule once and returns how many ran.
func (s *Scheduler) Poll(ctx context.Context) int {
	now := s.now()
	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("polling schedules failed", zap.Error(err))
		return 0
	}

	ran := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		next, err := NextRun(sc.Cron, now)
		if err != nil {
			s.logger.Error("invalid cron expression", zap.String("schedule", sc.Name), zap.String("cron", sc.Cron), zap.Error(err))
			continue
		}
		// Advance first so a slow batch is never picked up by the next poll.
		if err := s.schedules.MarkScheduleRun(ctx, sc.ID, now, next); err != nil {
			s.logger.Error("updating schedule failed", zap.String("schedule", sc.Name), zap.Error(err))
			continue
		}

		s.logger.Info("running schedule", zap.String("schedule", sc.Name), zap.Int("topics", len(sc.Topics)), zap.Time("next_run", next))
		jobs, sum := s.batch.RunBatch(ctx, sc.Topics, Variant(sc.Variant))
		ran++

		if s.notifier != nil {
			text := "⏰ " + FormatBatch("Scheduled batch "+sc.Name, jobs, sum)
			if err := s.notifier.Send(ctx, text); err != nil {
				s.logger.Warn("schedule notification failed", zap.String("schedule", sc.Name), zap.Error(err))
			}
		}
	}
	return ran
}

// NextRun returns the first time after from matching expr.
func NextRun(expr string, from time.Time) (time.Time, error) {
	e, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	next := e.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires after %s", expr, from.Format(time.RFC3339))
	}
	return next, nil
}

// NewSchedule validates input and computes the first run.
func NewSchedule(name, cron string, topics []string, variant Variant, now time.Time) (store.Schedule, error) {
	var clean []string
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if strings.TrimSpace(name) == "" {
		return store.Schedule{}, errors.New("schedule name is required")
	}
	if len(clean) == 0 {
		return store.Schedule{}, errors.New("schedule needs at least one topic")
	}
	v, err := ParseVariant(string(variant))
	if err != nil {
		return store.Schedule{}, err
	}
	next, err := NextRun(cron, now)
	if err != nil {
		return store.Schedule{}, err
	}
	return store.Schedule{
		Name:      strings.TrimSpace(name),
		Cron:      cron,
		Topics:    clean,
		Variant:   string(v),
		Enabled:   true,
		NextRun:   next,
		CreatedAt: now,
	}, nil
}
