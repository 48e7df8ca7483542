package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/scribe/internal/store"
)

func TestToRecord(t *testing.T) {
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	job := BatchJob{
		ID:      "j1",
		BatchID: "b1",
		Topic:   "edge",
		Variant: VariantGeneral,
		Outcome: Outcome{
			Success:       true,
			PublishStatus: PublishStatusPublished,
			Post:          &Post{Title: "Edge", Content: "body", Tags: []string{"edge"}, Images: []string{"https://cdn/a.jpg"}},
			Steps:         []StepResult{{StepID: "research", State: StateDone}},
			StartedAt:     started,
			FinishedAt:    started.Add(time.Minute),
		},
	}

	rec, err := ToRecord(job)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, "Edge", rec.Title)
	assert.Equal(t, []string{"https://cdn/a.jpg"}, rec.Images)

	var steps []StepResult
	require.NoError(t, json.Unmarshal(rec.Steps, &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "research", steps[0].StepID)

	job.Outcome = Outcome{Error: "step write failed: timeout"}
	rec, err = ToRecord(job)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Empty(t, rec.Title)
	assert.Nil(t, rec.Steps)
}

func TestServiceRecordsAndNotifies(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	defer db.Close()

	runner := funcRunner(func(ctx context.Context, topic string, variant Variant) Outcome {
		if topic == "bad" {
			return Outcome{Topic: topic, Error: "step research failed: no results"}
		}
		now := time.Now()
		return Outcome{Topic: topic, Success: true, PublishStatus: PublishStatusPublished,
			Post: &Post{Title: "About " + topic}, StartedAt: now, FinishedAt: now}
	})
	batch := NewBatchScheduler(runner, WithJobRecorder(HistoryRecorder{Store: db}))
	notes := &inbox{}
	svc := NewService(batch, nil, db, notes, nil)
	ctx := context.Background()

	job := svc.Generate(ctx, "edge", VariantGeneral)
	assert.True(t, job.Succeeded())

	jobs, sum := svc.Batch(ctx, []string{"a", "bad"}, VariantGeneral)
	assert.Len(t, jobs, 2)
	assert.Equal(t, 1, sum.Failed)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Failed)

	stored, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "About edge", stored.Title)

	require.Len(t, notes.msgs, 2)
	assert.Contains(t, notes.msgs[0], "About edge")
	assert.Contains(t, notes.msgs[1], "Batch finished: 1/2 succeeded")
	assert.Contains(t, notes.msgs[1], "- bad: step research failed: no results")
}

func TestFormatJobFailure(t *testing.T) {
	msg := FormatJob(BatchJob{Topic: "edge", Outcome: Outcome{}})
	assert.Equal(t, "❌ edge\nunknown error", msg)
}
