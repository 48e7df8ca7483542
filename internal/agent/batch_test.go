package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/scribe/internal/observability"
)

type funcRunner func(ctx context.Context, topic string, variant Variant) Outcome

func (f funcRunner) Run(ctx context.Context, topic string, variant Variant) Outcome {
	return f(ctx, topic, variant)
}

type memoryRecorder struct {
	mu   sync.Mutex
	jobs map[string]BatchJob
}

func (r *memoryRecorder) RecordJob(ctx context.Context, job BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = map[string]BatchJob{}
	}
	r.jobs[job.ID] = job
	return nil
}

func TestBatchIsolatesPanickingJob(t *testing.T) {
	topics := make([]string, 12)
	for i := range topics {
		topics[i] = fmt.Sprintf("topic-%d", i+1)
	}
	runner := funcRunner(func(ctx context.Context, topic string, variant Variant) Outcome {
		if topic == "topic-7" {
			panic("provider crashed")
		}
		return Outcome{Topic: topic, Variant: variant, Success: true}
	})
	rec := &memoryRecorder{}
	status := observability.NewStatus()
	sched := NewBatchScheduler(runner, WithJobRecorder(rec), WithBatchStatus(status), WithBatchMetrics(observability.NewMetrics()))

	jobs, sum := sched.RunBatch(context.Background(), topics, VariantGeneral)

	require.Len(t, jobs, 12)
	assert.Equal(t, BatchSummary{Total: 12, Succeeded: 11, Failed: 1}, sum)
	for i, j := range jobs {
		assert.Equal(t, topics[i], j.Topic)
		assert.NotEmpty(t, j.ID)
		assert.Equal(t, jobs[0].BatchID, j.BatchID)
	}
	assert.False(t, jobs[6].Succeeded())
	assert.Equal(t, "job aborted: provider crashed", jobs[6].Outcome.Error)
	assert.Len(t, rec.jobs, 12)
	assert.Empty(t, status.Snapshot())
}

func TestBatchRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := funcRunner(func(ctx context.Context, topic string, variant Variant) Outcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Outcome{Success: true}
	})
	sched := NewBatchScheduler(runner, WithConcurrency(3))

	_, sum := sched.RunBatch(context.Background(), make([]string, 10), VariantGeneral)

	assert.Equal(t, 10, sum.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestBatchCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	runner := funcRunner(func(ctx context.Context, topic string, variant Variant) Outcome {
		ran.Add(1)
		return Outcome{Success: true}
	})

	jobs, sum := NewBatchScheduler(runner).RunBatch(ctx, []string{"a", "b", "c"}, VariantGeneral)

	assert.Equal(t, BatchSummary{Total: 3, Failed: 3}, sum)
	assert.Zero(t, ran.Load())
	for _, j := range jobs {
		assert.Contains(t, j.Outcome.Error, "batch cancelled before start")
	}
}

func TestRunOneAssignsJobID(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, topic string, variant Variant) Outcome {
		assert.NotEmpty(t, observability.JobID(ctx))
		return Outcome{Topic: topic, Success: true}
	})
	job := NewBatchScheduler(runner).RunOne(context.Background(), "edge", VariantPaperAnalysis)

	assert.True(t, job.Succeeded())
	assert.Empty(t, job.BatchID)
	assert.Equal(t, job.ID, job.Outcome.JobID)
	assert.Equal(t, VariantPaperAnalysis, job.Variant)
}
