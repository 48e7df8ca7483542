package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLog(dir)
	ctx := WithStep(WithJob(context.Background(), "job-1"), "research")

	l.LogLLM(ctx, "propose", []string{"hello"}, "hi", nil)
	l.LogToolCall(ctx, "search", map[string]any{"query": "q"}, "results", false)

	f, err := os.Open(filepath.Join(dir, "llm.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeLLM, events[0].Type)
	assert.Equal(t, "job-1", events[0].JobID)
	assert.Equal(t, "research", events[1].Step)
	assert.Equal(t, EventTypeToolCall, events[1].Type)
}

func TestEventLogRotates(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLog(dir)
	l.maxSize = 10

	l.Log(context.Background(), Event{Type: EventTypeStep, Data: "first entry long enough"})
	l.Log(context.Background(), Event{Type: EventTypeStep, Data: "second"})

	_, err := os.Stat(l.Path() + ".old")
	assert.NoError(t, err)
}

func TestNilEventLogIsSafe(t *testing.T) {
	var l *EventLog
	l.LogLLM(context.Background(), "decide", nil, "", nil)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.JobStarted()
	m.JobFinished("general", "success")
	m.ToolCall("search", "ok")
	m.Rotation("rotated")
	m.MediaRejected("placeholder")
	m.StepFinished("research", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`scribe_jobs_total{status="success",variant="general"} 1`,
		`scribe_tool_calls_total{outcome="ok",tool="search"} 1`,
		`scribe_key_rotations_total{result="rotated"} 1`,
		`scribe_media_rejected_total{reason="placeholder"} 1`,
		`scribe_jobs_in_flight 0`,
	} {
		assert.Contains(t, body, want)
	}

	var nilMetrics *Metrics
	nilMetrics.ToolCall("x", "y")
}

func TestStatus(t *testing.T) {
	s := NewStatus()
	s.Begin("a", "edge computing")
	s.Begin("b", "rust")
	s.Update("a", PhaseStep, "write")
	s.End("b")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, PhaseStep, snap[0].Phase)
	assert.Equal(t, "write", snap[0].Step)
}

func TestPrintBatchSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintBatchSummary(&buf, []SummaryRow{
		{Topic: "edge computing", OK: true, Detail: "published"},
		{Topic: "rust", OK: false, Detail: "step write failed:\n boom"},
	})
	out := buf.String()
	assert.Contains(t, out, "edge computing")
	assert.Contains(t, out, "step write failed: boom")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "total 2, succeeded 1, failed 1"))

	buf.Reset()
	PrintBanner(&buf, "v1")
	assert.Contains(t, buf.String(), "agentic content engine v1")
}
