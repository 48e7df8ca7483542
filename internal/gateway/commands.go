package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/store"
)

// Commands is what chat users may trigger. *agent.Service implements it.
type Commands interface {
	Generate(ctx context.Context, topic string, variant agent.Variant) agent.BatchJob
	Batch(ctx context.Context, topics []string, variant agent.Variant) ([]agent.BatchJob, agent.BatchSummary)
	Stats(ctx context.Context) (store.Stats, error)
}

const usage = `Commands:
/generate <topic> - write and publish one post
/paper <topic> - analyse recent papers on a topic and publish
/batch <topic 1>; <topic 2>; ... - run several topics
/stats - job statistics`

// CommandHandler turns chat messages into jobs. Generation runs in the
// background; results arrive through the notification messengers.
type CommandHandler struct {
	cmds   Commands
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewCommandHandler(cmds Commands, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{cmds: cmds, logger: logger.Named("commands")}
}

// Handle returns the immediate reply for text.
func (h *CommandHandler) Handle(ctx context.Context, text string) string {
	cmd, arg := parseCommand(text)
	switch cmd {
	case "/generate", "/paper":
		if arg == "" {
			return "Usage: " + cmd + " <topic>"
		}
		variant := agent.VariantGeneral
		if cmd == "/paper" {
			variant = agent.VariantPaperAnalysis
		}
		h.background(ctx, func(ctx context.Context) {
			h.cmds.Generate(ctx, arg, variant)
		})
		return fmt.Sprintf("⏳ Generating: %s", arg)
	case "/batch":
		topics := splitTopics(arg)
		if len(topics) == 0 {
			return "Usage: /batch <topic 1>; <topic 2>; ..."
		}
		h.background(ctx, func(ctx context.Context) {
			h.cmds.Batch(ctx, topics, agent.VariantGeneral)
		})
		return fmt.Sprintf("⏳ Batch of %d topics started", len(topics))
	case "/stats":
		st, err := h.cmds.Stats(ctx)
		if err != nil {
			h.logger.Warn("stats failed", zap.Error(err))
			return "Could not load statistics."
		}
		return fmt.Sprintf("📊 Jobs: %d total, %d succeeded, %d failed (%.0f%% success)",
			st.Total, st.Succeeded, st.Failed, st.SuccessRate*100)
	default:
		return usage
	}
}

// Wait blocks until background jobs started by Handle have finished.
func (h *CommandHandler) Wait() {
	h.wg.Wait()
}

func (h *CommandHandler) background(ctx context.Context, fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// parseCommand splits "/cmd@bot rest" into "/cmd" and "rest".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ := strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func splitTopics(arg string) []string {
	var out []string
	for _, t := range strings.FieldsFunc(arg, func(r rune) bool { return r == ';' || r == '\n' }) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
