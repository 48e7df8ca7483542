package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request is a tool call about to be dispatched.
type Request struct {
	Tool      string
	Arguments map[string]any
	Topic     string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine decides whether a tool call may be dispatched.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies listed tools and calls whose JSON-encoded
// arguments match a denied pattern.
type DefaultPolicyEngine struct {
	mu          sync.RWMutex
	deniedTools map[string]string
	deniedRegex []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		deniedTools: make(map[string]string),
	}
}

// DenyTool blocks a tool. reason is reported to the model.
func (e *DefaultPolicyEngine) DenyTool(name, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason == "" {
		reason = fmt.Sprintf("Tool '%s' is restricted by system policy", name)
	}
	e.deniedTools[name] = reason
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deniedRegex = append(e.deniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if reason, ok := e.deniedTools[req.Tool]; ok {
		return Result{Effect: EffectDeny, Reason: reason}, nil
	}

	if len(e.deniedRegex) > 0 {
		args, err := json.Marshal(req.Arguments)
		if err != nil {
			return Result{}, fmt.Errorf("encode arguments: %w", err)
		}
		for _, re := range e.deniedRegex {
			if re.Match(args) {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
				}, nil
			}
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

// AllowAll approves every call.
type AllowAll struct{}

func (AllowAll) Evaluate(ctx context.Context, req Request) (Result, error) {
	return Result{Effect: EffectAllow}, nil
}

// NewPolicy builds the engine used by executors. In dry-run mode the
// publish tool is denied so a run exercises every step without a side
// effect.
func NewPolicy(denyTools []string, dryRun bool, publishTool string) *DefaultPolicyEngine {
	e := NewDefaultPolicyEngine()
	for _, name := range denyTools {
		e.DenyTool(name, "")
	}
	if dryRun && publishTool != "" {
		e.DenyTool(publishTool, "dry run: publishing is disabled")
	}
	return e
}
