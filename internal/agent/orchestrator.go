package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/observability"
)

const (
	PublishStatusPublished    = "published"
	PublishStatusFailed       = "failed"
	PublishStatusNotRequested = "not_requested"

	publishDetailLimit = 500
)

// StepRunner executes a single step. *StepExecutor implements it.
type StepRunner interface {
	Execute(ctx context.Context, topic string, step PlanStep, prior []StepResult) StepResult
}

// PlanExecutor runs a plan's steps strictly in the order given, feeding
// every finished step into the ones after it.
type PlanExecutor struct {
	steps       StepRunner
	publishTool string
	logger      *zap.Logger
	events      *observability.EventLog
	status      *observability.Status
	tracer      trace.Tracer
}

type PlanOption func(*PlanExecutor)

func WithPublishTool(name string) PlanOption {
	return func(p *PlanExecutor) { p.publishTool = name }
}

func WithPlanLogger(l *zap.Logger) PlanOption {
	return func(p *PlanExecutor) { p.logger = l }
}

func WithPlanEvents(l *observability.EventLog) PlanOption {
	return func(p *PlanExecutor) { p.events = l }
}

func WithStatus(s *observability.Status) PlanOption {
	return func(p *PlanExecutor) { p.status = s }
}

func NewPlanExecutor(steps StepRunner, opts ...PlanOption) *PlanExecutor {
	p := &PlanExecutor{
		steps:       steps,
		publishTool: DefaultStepConfig().PublishTool,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("plan")
	return p
}

// Run builds the plan for topic and executes it.
func (p *PlanExecutor) Run(ctx context.Context, topic string, variant Variant) Outcome {
	plan, err := BuildPlan(topic, variant)
	if err != nil {
		now := time.Now()
		return Outcome{Topic: topic, Variant: variant, Error: err.Error(), StartedAt: now, FinishedAt: now}
	}
	return p.Execute(ctx, plan)
}

func (p *PlanExecutor) Execute(ctx context.Context, plan Plan) Outcome {
	return p.Resume(ctx, plan, nil)
}

// Resume executes plan, reusing completed results. A step with a
// successful prior result is not run again, and a publish step whose prior
// result confirmed the publish is never dispatched twice. A publish step
// that finished without confirmation is retried.
func (p *PlanExecutor) Resume(ctx context.Context, plan Plan, completed []StepResult) (out Outcome) {
	out = Outcome{
		JobID:     observability.JobID(ctx),
		Topic:     plan.Topic,
		Variant:   plan.Variant,
		StartedAt: time.Now(),
	}
	ctx, span := p.tracer.Start(ctx, "plan.run", trace.WithAttributes(
		attribute.String("topic", plan.Topic),
		attribute.String("variant", string(plan.Variant)),
		attribute.Int("steps", len(plan.Steps)),
	))
	defer func() {
		out.FinishedAt = time.Now()
		if !out.Success {
			span.SetStatus(codes.Error, out.Error)
		}
		span.End()
		p.events.Log(ctx, observability.Event{
			Type: observability.EventTypePlan,
			Data: map[string]any{"topic": out.Topic, "success": out.Success, "error": out.Error},
		})
	}()

	prior := make(map[string]StepResult, len(completed))
	for _, r := range completed {
		if r.Success() {
			prior[r.StepID] = r
		}
	}

	var results []StepResult
	for _, step := range plan.Steps {
		if done, ok := prior[step.ID]; ok && (!step.Publish || done.PublishSucceeded) {
			p.logger.Info("reusing completed step", zap.String("topic", plan.Topic), zap.String("step", step.ID))
			results = append(results, done)
			continue
		}

		phase := observability.PhaseStep
		if step.Publish {
			phase = observability.PhasePublishing
		}
		p.status.Update(out.JobID, phase, step.ID)
		p.logger.Info("executing step", zap.String("topic", plan.Topic), zap.String("step", step.ID))

		res := p.steps.Execute(ctx, plan.Topic, step, results)
		results = append(results, res)

		if res.State == StateFailed {
			p.logger.Error("step failed", zap.String("topic", plan.Topic), zap.String("step", step.ID), zap.String("error", res.Error))
			out.Steps = results
			out.Error = fmt.Sprintf("step %s failed: %s", step.ID, orUnknown(res.Error))
			return out
		}
	}
	out.Steps = results

	publishStep, ok := plan.PublishStep()
	if !ok {
		out.Success = true
		out.PublishStatus = PublishStatusNotRequested
		out.Post = defaultPost(plan.Topic, lastContent(results))
		return out
	}

	pub := resultFor(results, publishStep.ID)
	if !pub.PublishSucceeded {
		out.PublishStatus = PublishStatusFailed
		out.Error = publishFailure(pub.Error)
		p.logger.Error("publish not confirmed", zap.String("topic", plan.Topic), zap.String("error", out.Error))
		return out
	}

	post, err := p.extractPost(plan.Topic, pub)
	if err != nil {
		p.logger.Warn("failed to decode publish arguments", zap.String("topic", plan.Topic), zap.Error(err))
	}
	out.Success = true
	out.Post = &post
	out.PublishStatus = PublishStatusPublished
	return out
}

// extractPost decodes the arguments of the last successful publish call.
func (p *PlanExecutor) extractPost(topic string, res StepResult) (Post, error) {
	post := *defaultPost(topic, "")
	for i := len(res.Invocations) - 1; i >= 0; i-- {
		inv := res.Invocations[i]
		if inv.Tool != p.publishTool || !inv.Dispatched || inv.Result.Failed() {
			continue
		}
		var decoded Post
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &decoded,
		})
		if err != nil {
			return post, err
		}
		if err := dec.Decode(inv.Arguments); err != nil {
			return post, err
		}
		if decoded.Title == "" {
			decoded.Title = post.Title
		}
		if len(decoded.Tags) == 0 {
			decoded.Tags = post.Tags
		}
		return decoded, nil
	}
	return post, nil
}

func defaultPost(topic, content string) *Post {
	return &Post{
		Title:   "about " + topic,
		Content: content,
		Tags:    []string{topic},
	}
}

func publishFailure(detail string) string {
	msg := "content generated but publish failed"
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return msg + "; check the publishing provider connection and retry"
	}
	return msg + ": " + Summarize(detail, publishDetailLimit)
}

func resultFor(results []StepResult, id string) StepResult {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].StepID == id {
			return results[i]
		}
	}
	return StepResult{StepID: id}
}

func lastContent(results []StepResult) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].Content
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}
