package agent

import (
	"time"

	"github.com/rahul/scribe/internal/tools"
)

// Variant selects the plan template used for a topic.
type Variant string

const (
	VariantGeneral       Variant = "general"
	VariantPaperAnalysis Variant = "paper_analysis"
)

// StepKind decides a step's iteration budget.
type StepKind string

const (
	KindResearch StepKind = "research"
	KindContent  StepKind = "content"
)

// PlanStep is one unit of work. Steps are immutable once a plan is built.
type PlanStep struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Instruction string   `json:"instruction"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Kind        StepKind `json:"kind"`
	// Publish marks the step whose confirmed side effect decides the
	// plan outcome.
	Publish bool `json:"publish,omitempty"`
}

// Plan is an ordered list of steps, already sorted by dependency.
type Plan struct {
	Topic   string     `json:"topic"`
	Variant Variant    `json:"variant"`
	Steps   []PlanStep `json:"steps"`
}

// PublishStep returns the designated publish step, if any.
func (p Plan) PublishStep() (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.Publish {
			return s, true
		}
	}
	return PlanStep{}, false
}

// StepState is a StepExecutor state. Done and Failed are terminal.
type StepState string

const (
	StateInit     StepState = "INIT"
	StatePropose  StepState = "PROPOSE"
	StateDispatch StepState = "DISPATCH_TOOLS"
	StateDecide   StepState = "DECIDE"
	StateDone     StepState = "DONE"
	StateFailed   StepState = "FAILED"
)

func (s StepState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Invocation is one entry of a step's tool log.
type Invocation struct {
	Tool      string         `json:"tool"`
	CallID    string         `json:"call_id,omitempty"`
	Arguments map[string]any `json:"arguments"`
	Iteration int            `json:"iteration"`
	Result    tools.Result   `json:"result"`
	// Dispatched is false when the call was answered without reaching a
	// provider (policy block, media validation).
	Dispatched bool `json:"dispatched"`
}

// StepResult is produced once per step execution and never mutated.
type StepResult struct {
	StepID           string        `json:"step_id"`
	Title            string        `json:"title"`
	State            StepState     `json:"state"`
	Invocations      []Invocation  `json:"invocations,omitempty"`
	Iterations       int           `json:"iterations"`
	Content          string        `json:"content"`
	PublishAttempted bool          `json:"publish_attempted,omitempty"`
	PublishSucceeded bool          `json:"publish_succeeded,omitempty"`
	BudgetExceeded   bool          `json:"budget_exceeded,omitempty"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
}

func (r StepResult) Success() bool {
	return r.State == StateDone
}

// Post is what was actually handed to the publish tool.
type Post struct {
	Title   string   `json:"title" mapstructure:"title"`
	Content string   `json:"content" mapstructure:"content"`
	Tags    []string `json:"tags" mapstructure:"tags"`
	Images  []string `json:"images" mapstructure:"images"`
}

// Outcome is the result of one topic's plan run.
type Outcome struct {
	JobID         string       `json:"job_id,omitempty"`
	Topic         string       `json:"topic"`
	Variant       Variant      `json:"variant"`
	Success       bool         `json:"success"`
	Post          *Post        `json:"post,omitempty"`
	PublishStatus string       `json:"publish_status,omitempty"`
	Error         string       `json:"error,omitempty"`
	Steps         []StepResult `json:"steps,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
}

// BatchJob is one topic within a batch run.
type BatchJob struct {
	ID      string  `json:"id"`
	BatchID string  `json:"batch_id,omitempty"`
	Topic   string  `json:"topic"`
	Variant Variant `json:"variant"`
	Outcome Outcome `json:"outcome"`
}

func (j BatchJob) Succeeded() bool {
	return j.Outcome.Success
}

type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Topic is a discovered candidate topic.
type Topic struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}
