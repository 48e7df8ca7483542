package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/governance"
	"github.com/rahul/scribe/internal/llm"
	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/tools"
)

const tracerName = "github.com/rahul/scribe/internal/agent"

// ChatClient is the model surface a step needs.
type ChatClient interface {
	ProposeAction(ctx context.Context, conversation []llm.Message, catalog []tools.Descriptor) llm.Reply
	DecideContinueOrFinalize(ctx context.Context, conversation []llm.Message, catalog []tools.Descriptor) llm.Reply
}

// MediaChecker screens media references before a publish call.
type MediaChecker interface {
	Check(ctx context.Context, urls []string, perURLTimeout time.Duration) governance.MediaReport
}

type StepConfig struct {
	ContentMaxIterations  int
	ResearchMaxIterations int
	PublishTool           string
	MediaArgument         string
	SuccessMarkers        []string
	MediaTimeout          time.Duration
}

func DefaultStepConfig() StepConfig {
	return StepConfig{
		ContentMaxIterations:  10,
		ResearchMaxIterations: 5,
		PublishTool:           "publish_content",
		MediaArgument:         "images",
		SuccessMarkers:        []string{"success", "成功", "published"},
		MediaTimeout:          10 * time.Second,
	}
}

func (c StepConfig) withDefaults() StepConfig {
	d := DefaultStepConfig()
	if c.ContentMaxIterations <= 0 {
		c.ContentMaxIterations = d.ContentMaxIterations
	}
	if c.ResearchMaxIterations <= 0 {
		c.ResearchMaxIterations = d.ResearchMaxIterations
	}
	if c.PublishTool == "" {
		c.PublishTool = d.PublishTool
	}
	if c.MediaArgument == "" {
		c.MediaArgument = d.MediaArgument
	}
	if len(c.SuccessMarkers) == 0 {
		c.SuccessMarkers = d.SuccessMarkers
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = d.MediaTimeout
	}
	return c
}

// StepExecutor runs one plan step as an explicit state machine:
// INIT, then PROPOSE, then rounds of DISPATCH_TOOLS and DECIDE, ending in
// DONE or FAILED. It keeps no memory between runs; callers decide whether
// a step needs to run again.
type StepExecutor struct {
	chat    ChatClient
	tools   tools.Dispatcher
	media   MediaChecker
	policy  governance.PolicyEngine
	prompts *PromptManager
	cfg     StepConfig
	hidden  map[string]bool
	logger  *zap.Logger
	events  *observability.EventLog
	metrics *observability.Metrics
	tracer  trace.Tracer
}

type StepOption func(*StepExecutor)

func WithPolicy(p governance.PolicyEngine) StepOption {
	return func(e *StepExecutor) { e.policy = p }
}

func WithPrompts(pm *PromptManager) StepOption {
	return func(e *StepExecutor) { e.prompts = pm }
}

func WithStepConfig(c StepConfig) StepOption {
	return func(e *StepExecutor) { e.cfg = c }
}

func WithStepLogger(l *zap.Logger) StepOption {
	return func(e *StepExecutor) { e.logger = l }
}

func WithEventLog(l *observability.EventLog) StepOption {
	return func(e *StepExecutor) { e.events = l }
}

func WithMetrics(m *observability.Metrics) StepOption {
	return func(e *StepExecutor) { e.metrics = m }
}

func NewStepExecutor(chat ChatClient, dispatcher tools.Dispatcher, media MediaChecker, opts ...StepOption) *StepExecutor {
	e := &StepExecutor{
		chat:   chat,
		tools:  dispatcher,
		media:  media,
		cfg:    DefaultStepConfig(),
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.media == nil {
		e.media = governance.NewMediaValidator(governance.WithMediaRecorder(e.metrics))
	}
	if e.policy == nil {
		e.policy = governance.AllowAll{}
	}
	if e.prompts == nil {
		e.prompts = NewPromptManager("", 0, e.logger)
	}
	e.logger = e.logger.Named("step")
	return e
}

// Config returns the effective configuration.
func (e *StepExecutor) Config() StepConfig {
	return e.cfg
}

// Restricted returns a copy of e that hides the named tools from the model
// and refuses to dispatch them.
func (e *StepExecutor) Restricted(names ...string) *StepExecutor {
	c := *e
	c.hidden = make(map[string]bool, len(e.hidden)+len(names))
	for k := range e.hidden {
		c.hidden[k] = true
	}
	for _, n := range names {
		c.hidden[n] = true
	}
	return &c
}

func (e *StepExecutor) budget(step PlanStep) int {
	if step.Kind == KindResearch {
		return e.cfg.ResearchMaxIterations
	}
	return e.cfg.ContentMaxIterations
}

// Execute drives step to a terminal state. It never returns an error: tool
// failures are recorded in the invocation log, an exhausted budget ends in
// DONE with BudgetExceeded set, and panics end in FAILED.
func (e *StepExecutor) Execute(ctx context.Context, topic string, step PlanStep, prior []StepResult) (result StepResult) {
	started := time.Now()
	ctx = observability.WithStep(ctx, step.ID)
	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("topic", topic),
	))

	r := &stepRun{
		e:      e,
		topic:  topic,
		step:   step,
		prior:  prior,
		budget: e.budget(step),
		state:  StateInit,
		result: StepResult{StepID: step.ID, Title: step.Title},
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("step panicked", zap.String("step", step.ID), zap.Any("panic", p))
			r.fail(fmt.Errorf("panic: %v", p))
		}
		r.result.State = r.state
		r.result.Duration = time.Since(started)
		result = r.result

		e.metrics.StepFinished(step.ID, result.Duration)
		span.SetAttributes(
			attribute.String("step.state", string(result.State)),
			attribute.Int("step.iterations", result.Iterations),
			attribute.Bool("step.publish_succeeded", result.PublishSucceeded),
		)
		if result.State == StateFailed {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
		e.events.Log(ctx, observability.Event{
			Type: observability.EventTypeStep,
			Data: map[string]any{
				"state":             result.State,
				"iterations":        result.Iterations,
				"publish_succeeded": result.PublishSucceeded,
				"budget_exceeded":   result.BudgetExceeded,
				"error":             result.Error,
			},
		})
	}()

	r.run(ctx)
	return r.result
}

// stepRun is the mutable state of one Execute call.
type stepRun struct {
	e       *StepExecutor
	topic   string
	step    PlanStep
	prior   []StepResult
	budget  int
	state   StepState
	conv    []llm.Message
	catalog []tools.Descriptor
	pending llm.Reply
	last    string
	result  StepResult
}

func (r *stepRun) run(ctx context.Context) {
	for !r.state.Terminal() {
		from := r.state
		switch r.state {
		case StateInit:
			r.init(ctx)
		case StatePropose:
			r.propose(ctx)
		case StateDispatch:
			r.dispatch(ctx)
		case StateDecide:
			r.decide(ctx)
		default:
			r.fail(fmt.Errorf("%w: %s", tools.ErrInvalidState, r.state))
		}
		r.e.logger.Debug("transition",
			zap.String("step", r.step.ID),
			zap.String("from", string(from)),
			zap.String("to", string(r.state)),
			zap.Int("iteration", r.result.Iterations))
	}
}

func (r *stepRun) init(ctx context.Context) {
	for _, d := range r.e.tools.ListAllTools(ctx) {
		if !r.e.hidden[d.Name] {
			r.catalog = append(r.catalog, d)
		}
	}
	r.conv = []llm.Message{
		llm.System(r.e.prompts.StepPrompt(r.topic, r.step, r.prior, r.e.cfg.PublishTool)),
		llm.User(r.step.Instruction),
	}
	r.state = StatePropose
}

func (r *stepRun) propose(ctx context.Context) {
	reply := r.e.chat.ProposeAction(ctx, r.conv, r.catalog)
	r.warnOnError("propose", reply)
	if len(reply.ToolCalls) == 0 {
		r.finish(reply.Content)
		return
	}
	r.accept(reply)
}

func (r *stepRun) decide(ctx context.Context) {
	reply := r.e.chat.DecideContinueOrFinalize(ctx, r.conv, r.catalog)
	r.warnOnError("decide", reply)
	if len(reply.ToolCalls) == 0 {
		r.finish(reply.Content)
		return
	}
	r.accept(reply)
}

func (r *stepRun) accept(reply llm.Reply) {
	r.conv = append(r.conv, reply.Message())
	r.pending = reply
	if reply.Content != "" {
		r.last = reply.Content
	}
	r.state = StateDispatch
}

func (r *stepRun) dispatch(ctx context.Context) {
	if r.result.Iterations >= r.budget {
		r.result.BudgetExceeded = true
		content := r.last
		if content == "" {
			content = fmt.Sprintf("Stopped after exceeding the iteration budget of %d rounds.", r.budget)
		}
		r.e.logger.Warn("iteration budget exceeded", zap.String("step", r.step.ID), zap.Int("budget", r.budget))
		r.finish(content)
		return
	}
	r.result.Iterations++

	for _, call := range r.pending.ToolCalls {
		inv := r.invoke(ctx, call)
		r.result.Invocations = append(r.result.Invocations, inv)
		r.conv = append(r.conv, llm.ToolResult(call, inv.Result.String()))
	}

	if r.result.PublishSucceeded {
		r.finish("Content published successfully.")
		return
	}
	r.state = StateDecide
}

func (r *stepRun) invoke(ctx context.Context, call llm.ToolCall) Invocation {
	e := r.e
	inv := Invocation{
		Tool:      call.Name,
		CallID:    call.ID,
		Arguments: call.Args(),
		Iteration: r.result.Iterations,
	}
	publish := call.Name == e.cfg.PublishTool

	ctx, span := e.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.Int("iteration", inv.Iteration),
	))
	defer span.End()

	defer func() {
		if inv.Result.Failed() {
			span.SetStatus(codes.Error, inv.Result.Text)
		}
		e.events.LogToolCall(ctx, inv.Tool, inv.Arguments, inv.Result.String(), inv.Result.Failed())
		if publish {
			r.recordPublish(inv)
		}
	}()

	if e.hidden[call.Name] {
		inv.Result = tools.ErrorResult(fmt.Sprintf("blocked by policy: tool %s is not available in this step", call.Name))
		e.metrics.ToolCall(call.Name, "blocked")
		return inv
	}
	decision, err := e.policy.Evaluate(ctx, governance.Request{Tool: call.Name, Arguments: inv.Arguments, Topic: r.topic})
	if err != nil {
		inv.Result = tools.ErrorResult(fmt.Sprintf("policy evaluation failed: %v", err))
		return inv
	}
	if decision.Effect == governance.EffectDeny {
		e.events.LogPolicy(ctx, call.Name, string(decision.Effect), decision.Reason)
		e.metrics.ToolCall(call.Name, "blocked")
		inv.Result = tools.ErrorResult("blocked by policy: " + decision.Reason)
		return inv
	}

	if publish {
		r.result.PublishAttempted = true
		if blocked := r.screenMedia(ctx, &inv); blocked {
			return inv
		}
	}

	res, err := e.tools.Execute(ctx, call.Name, inv.Arguments)
	inv.Dispatched = true
	if err != nil {
		e.logger.Warn("tool dispatch failed", zap.String("tool", call.Name), zap.Error(err))
		inv.Result = tools.ErrorResult(err.Error())
		return inv
	}
	inv.Result = res
	return inv
}

// screenMedia validates the publish call's media argument and narrows it to
// the surviving references. It reports true when the call must not be
// dispatched.
func (r *stepRun) screenMedia(ctx context.Context, inv *Invocation) bool {
	e := r.e
	arg := e.cfg.MediaArgument
	urls := mediaList(inv.Arguments[arg])

	report := e.media.Check(ctx, urls, e.cfg.MediaTimeout)
	e.events.Log(ctx, observability.Event{
		Type: observability.EventTypeMedia,
		Data: map[string]any{"valid": report.Valid, "rejected": report.Rejected},
	})
	if len(report.Valid) == 0 {
		e.logger.Warn("publish blocked: no valid media", zap.String("step", r.step.ID), zap.Int("candidates", len(urls)))
		e.metrics.ToolCall(inv.Tool, "blocked")
		inv.Result = tools.ErrorResult(fmt.Sprintf(
			"Error: no valid media, publish was not attempted (%s). Provide reachable HTTPS image URLs.", report.Summary()))
		return true
	}
	if len(report.Rejected) > 0 {
		e.logger.Info("filtered media", zap.Int("kept", len(report.Valid)), zap.Int("rejected", len(report.Rejected)))
	}
	inv.Arguments[arg] = report.Valid
	return false
}

func (r *stepRun) recordPublish(inv Invocation) {
	if !inv.Result.Failed() && containsMarker(inv.Result.String(), r.e.cfg.SuccessMarkers) {
		r.result.PublishSucceeded = true
		r.result.Error = ""
		r.e.logger.Info("publish confirmed", zap.String("step", r.step.ID))
		return
	}
	if !r.result.PublishSucceeded {
		r.result.Error = inv.Result.String()
		r.e.logger.Warn("publish not confirmed", zap.String("step", r.step.ID), zap.String("result", Summarize(inv.Result.String(), 200)))
	}
}

func (r *stepRun) finish(content string) {
	r.result.Content = content
	r.state = StateDone
}

func (r *stepRun) fail(err error) {
	r.result.Error = err.Error()
	r.state = StateFailed
}

func (r *stepRun) warnOnError(mode string, reply llm.Reply) {
	if reply.Err != nil {
		r.e.logger.Warn("model call failed", zap.String("step", r.step.ID), zap.String("mode", mode), zap.Error(reply.Err))
	}
}

func containsMarker(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// mediaList accepts the shapes models produce for a list of URLs.
func mediaList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
