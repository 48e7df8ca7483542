package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/store"
)

// Notifier delivers a plain-text message to whoever follows the runs.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Service is the surface shared by the CLI, the HTTP API and the chat
// gateway.
type Service struct {
	batch    *BatchScheduler
	scout    *TopicScout
	history  *store.Store
	notifier Notifier
	logger   *zap.Logger
}

func NewService(batch *BatchScheduler, scout *TopicScout, history *store.Store, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		batch:    batch,
		scout:    scout,
		history:  history,
		notifier: notifier,
		logger:   logger.Named("service"),
	}
}

func (s *Service) Generate(ctx context.Context, topic string, variant Variant) BatchJob {
	job := s.batch.RunOne(ctx, topic, variant)
	s.notify(ctx, FormatJob(job))
	return job
}

func (s *Service) Batch(ctx context.Context, topics []string, variant Variant) ([]BatchJob, BatchSummary) {
	jobs, sum := s.batch.RunBatch(ctx, topics, variant)
	s.notify(ctx, FormatBatch("Batch", jobs, sum))
	return jobs, sum
}

func (s *Service) Trending(ctx context.Context, domain string) ([]Topic, error) {
	return s.scout.Trending(ctx, domain)
}

func (s *Service) FromURL(ctx context.Context, rawURL string) ([]Topic, error) {
	return s.scout.FromURL(ctx, rawURL)
}

func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	if s.history == nil {
		return store.Stats{ByVariant: map[string]int{}}, nil
	}
	return s.history.Stats(ctx)
}

// History exposes the job store; nil when persistence is disabled.
func (s *Service) History() *store.Store {
	return s.history
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(context.WithoutCancel(ctx), text); err != nil {
		s.logger.Warn("notification failed", zap.Error(err))
	}
}

// FormatJob renders a one-job notification.
func FormatJob(job BatchJob) string {
	o := job.Outcome
	if o.Success {
		title := job.Topic
		if o.Post != nil && o.Post.Title != "" {
			title = o.Post.Title
		}
		return fmt.Sprintf("✅ %s\nTopic: %s\nPublish: %s", title, job.Topic, o.PublishStatus)
	}
	return fmt.Sprintf("❌ %s\n%s", job.Topic, Summarize(orUnknown(o.Error), 300))
}

// FormatBatch renders a batch summary with one line per failed job.
func FormatBatch(label string, jobs []BatchJob, sum BatchSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s finished: %d/%d succeeded", label, sum.Succeeded, sum.Total)
	for _, j := range jobs {
		if j.Succeeded() {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", j.Topic, Summarize(orUnknown(j.Outcome.Error), 120))
	}
	return b.String()
}

// HistoryRecorder persists finished jobs to the store.
type HistoryRecorder struct {
	Store *store.Store
}

func (h HistoryRecorder) RecordJob(ctx context.Context, job BatchJob) error {
	rec, err := ToRecord(job)
	if err != nil {
		return err
	}
	return h.Store.RecordJob(ctx, rec)
}

// ToRecord flattens a job into its stored form.
func ToRecord(job BatchJob) (store.Job, error) {
	o := job.Outcome
	rec := store.Job{
		ID:            job.ID,
		BatchID:       job.BatchID,
		Topic:         job.Topic,
		Variant:       string(job.Variant),
		Status:        store.StatusFailed,
		PublishStatus: o.PublishStatus,
		Error:         o.Error,
		CreatedAt:     o.StartedAt,
		FinishedAt:    o.FinishedAt,
	}
	if o.Success {
		rec.Status = store.StatusSucceeded
	}
	if o.Post != nil {
		rec.Title = o.Post.Title
		rec.Content = o.Post.Content
		rec.Tags = o.Post.Tags
		rec.Images = o.Post.Images
	}
	if len(o.Steps) > 0 {
		steps, err := json.Marshal(o.Steps)
		if err != nil {
			return rec, fmt.Errorf("encode steps: %w", err)
		}
		rec.Steps = steps
	}
	return rec, nil
}
