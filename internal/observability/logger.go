package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// EventType defines the category of a transcript event.
type EventType string

const (
	EventTypeLLM         EventType = "llm"
	EventTypeToolCall    EventType = "tool_call"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeMedia       EventType = "media_check"
	EventTypeStep        EventType = "step"
	EventTypePlan        EventType = "plan"
	EventTypeRotation    EventType = "credential_rotation"
)

// Event is one line of the transcript log.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLog appends transcript events as JSON lines, keeping one rotated
// .old file once the log passes maxSize. A nil *EventLog discards events.
type EventLog struct {
	path    string
	maxSize int64
	mu      sync.Mutex
}

func NewEventLog(dir string) *EventLog {
	return &EventLog{
		path:    filepath.Join(dir, "llm.jsonl"),
		maxSize: 10 * 1024 * 1024, // 10MB
	}
}

func (l *EventLog) Path() string {
	return l.path
}

func (l *EventLog) Log(ctx context.Context, evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.JobID == "" {
		evt.JobID = JobID(ctx)
	}
	if evt.Step == "" {
		evt.Step = StepID(ctx)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	l.write(data)
}

func (l *EventLog) write(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	if info, err := os.Stat(l.path); err == nil && info.Size() > l.maxSize {
		oldPath := l.path + ".old"
		_ = os.Remove(oldPath)
		_ = os.Rename(l.path, oldPath)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

func (l *EventLog) LogLLM(ctx context.Context, mode string, prompt any, response string, toolCalls any) {
	l.Log(ctx, Event{
		Type: EventTypeLLM,
		Data: map[string]any{
			"mode":       mode,
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}

func (l *EventLog) LogToolCall(ctx context.Context, tool string, args any, result string, failed bool) {
	l.Log(ctx, Event{
		Type: EventTypeToolCall,
		Data: map[string]any{
			"tool":   tool,
			"args":   args,
			"result": result,
			"failed": failed,
		},
	})
}

func (l *EventLog) LogPolicy(ctx context.Context, tool, effect, reason string) {
	l.Log(ctx, Event{
		Type: EventTypePolicyCheck,
		Data: map[string]string{"tool": tool, "effect": effect, "reason": reason},
	})
}

// LogRotation records a persisted pool rotation. Keys must already be masked.
func (l *EventLog) LogRotation(ctx context.Context, pool, from, to string) {
	l.Log(ctx, Event{
		Type: EventTypeRotation,
		Data: map[string]string{"pool": pool, "from": from, "to": to},
	})
}

type ctxKey int

const (
	jobKey ctxKey = iota
	stepKey
)

// WithJob tags ctx with a job identifier for transcript events.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey, jobID)
}

func WithStep(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepKey, stepID)
}

func JobID(ctx context.Context) string {
	s, _ := ctx.Value(jobKey).(string)
	return s
}

func StepID(ctx context.Context) string {
	s, _ := ctx.Value(stepKey).(string)
	return s
}
