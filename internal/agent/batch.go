package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rahul/scribe/internal/observability"
)

const DefaultConcurrency = 5

// TopicRunner produces the outcome for one topic. *PlanExecutor implements it.
type TopicRunner interface {
	Run(ctx context.Context, topic string, variant Variant) Outcome
}

// JobRecorder persists finished jobs.
type JobRecorder interface {
	RecordJob(ctx context.Context, job BatchJob) error
}

// BatchScheduler fans topics out to a TopicRunner behind a counting
// admission gate. Jobs finish independently: a failing or panicking job
// never affects its siblings.
type BatchScheduler struct {
	runner   TopicRunner
	limit    int64
	recorder JobRecorder
	metrics  *observability.Metrics
	status   *observability.Status
	logger   *zap.Logger
}

type BatchOption func(*BatchScheduler)

func WithConcurrency(n int) BatchOption {
	return func(s *BatchScheduler) {
		if n > 0 {
			s.limit = int64(n)
		}
	}
}

func WithJobRecorder(r JobRecorder) BatchOption {
	return func(s *BatchScheduler) { s.recorder = r }
}

func WithBatchMetrics(m *observability.Metrics) BatchOption {
	return func(s *BatchScheduler) { s.metrics = m }
}

func WithBatchStatus(st *observability.Status) BatchOption {
	return func(s *BatchScheduler) { s.status = st }
}

func WithBatchLogger(l *zap.Logger) BatchOption {
	return func(s *BatchScheduler) { s.logger = l }
}

func NewBatchScheduler(runner TopicRunner, opts ...BatchOption) *BatchScheduler {
	s := &BatchScheduler{
		runner: runner,
		limit:  DefaultConcurrency,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("batch")
	return s
}

// RunOne runs a single topic as a job of its own.
func (s *BatchScheduler) RunOne(ctx context.Context, topic string, variant Variant) BatchJob {
	return s.runJob(ctx, "", topic, variant)
}

// RunBatch returns one job per topic, in input order, once every job has
// reached a terminal state.
func (s *BatchScheduler) RunBatch(ctx context.Context, topics []string, variant Variant) ([]BatchJob, BatchSummary) {
	batchID := uuid.NewString()
	jobs := make([]BatchJob, len(topics))
	sem := semaphore.NewWeighted(s.limit)

	s.logger.Info("batch started",
		zap.String("batch_id", batchID),
		zap.Int("topics", len(topics)),
		zap.Int64("concurrency", s.limit))

	var wg sync.WaitGroup
	for i, topic := range topics {
		if err := sem.Acquire(ctx, 1); err != nil {
			jobs[i] = s.abandoned(batchID, topic, variant, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			jobs[i] = s.runJob(ctx, batchID, topic, variant)
		}()
	}
	wg.Wait()

	summary := Tally(jobs)
	s.logger.Info("batch finished",
		zap.String("batch_id", batchID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))
	return jobs, summary
}

func (s *BatchScheduler) runJob(ctx context.Context, batchID, topic string, variant Variant) (job BatchJob) {
	job = BatchJob{ID: uuid.NewString(), BatchID: batchID, Topic: topic, Variant: variant}
	ctx = observability.WithJob(ctx, job.ID)

	s.status.Begin(job.ID, topic)
	s.metrics.JobStarted()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("job panicked", zap.String("job_id", job.ID), zap.String("topic", topic), zap.Any("panic", p))
			job.Outcome = Outcome{
				JobID:   job.ID,
				Topic:   topic,
				Variant: variant,
				Error:   fmt.Sprintf("job aborted: %v", p),
			}
		}
		s.status.End(job.ID)
		s.metrics.JobFinished(string(variant), jobStatus(job))
		s.record(ctx, job)
	}()

	job.Outcome = s.runner.Run(ctx, topic, variant)
	job.Outcome.JobID = job.ID
	return job
}

func (s *BatchScheduler) abandoned(batchID, topic string, variant Variant, err error) BatchJob {
	job := BatchJob{ID: uuid.NewString(), BatchID: batchID, Topic: topic, Variant: variant}
	job.Outcome = Outcome{JobID: job.ID, Topic: topic, Variant: variant, Error: fmt.Sprintf("batch cancelled before start: %v", err)}
	return job
}

func (s *BatchScheduler) record(ctx context.Context, job BatchJob) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordJob(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Warn("failed to record job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func jobStatus(job BatchJob) string {
	if job.Succeeded() {
		return "succeeded"
	}
	return "failed"
}

// Tally counts succeeded and failed jobs.
func Tally(jobs []BatchJob) BatchSummary {
	sum := BatchSummary{Total: len(jobs)}
	for _, j := range jobs {
		if j.Succeeded() {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	return sum
}
