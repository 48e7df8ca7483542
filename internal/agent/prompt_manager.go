package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const defaultIdentity = `You are a professional content creator researching and writing about a single topic.
Work step by step, choose tools deliberately and pass them precise arguments.
Only use facts and image URLs you actually obtained from tools.`

// PromptManager composes step system prompts from markdown fragments.
type PromptManager struct {
	Directory    string
	SummaryLimit int
	logger       *zap.Logger
}

func NewPromptManager(dir string, summaryLimit int, logger *zap.Logger) *PromptManager {
	if summaryLimit <= 0 {
		summaryLimit = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptManager{Directory: dir, SummaryLimit: summaryLimit, logger: logger.Named("prompts")}
}

var fragmentOrder = map[string]int{
	"identity.md":   1,
	"style.md":      2,
	"publishing.md": 3,
}

// Fragments joins the markdown files in Directory. The built-in identity is
// used when the directory is unset, missing or empty.
func (pm *PromptManager) Fragments() string {
	if pm.Directory == "" {
		return defaultIdentity
	}
	files, err := os.ReadDir(pm.Directory)
	if err != nil {
		pm.logger.Debug("prompt directory unavailable", zap.String("dir", pm.Directory), zap.Error(err))
		return defaultIdentity
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := fragmentOrder[files[i].Name()]
		oj, okJ := fragmentOrder[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	var contents []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			pm.logger.Warn("failed to read prompt file", zap.String("path", path), zap.Error(err))
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	if len(contents) == 0 {
		return defaultIdentity
	}
	return strings.Join(contents, "\n\n---\n\n")
}

// StepPrompt is the system prompt for one step: fragments, the topic, the
// step itself and a bounded summary of each earlier step.
func (pm *PromptManager) StepPrompt(topic string, step PlanStep, prior []StepResult, publishTool string) string {
	var b strings.Builder
	b.WriteString(pm.Fragments())
	fmt.Fprintf(&b, "\n\n## Topic\n%s\n", topic)
	fmt.Fprintf(&b, "\n## Current step\nID: %s\nTitle: %s\n", step.ID, step.Title)
	if step.Publish && publishTool != "" {
		fmt.Fprintf(&b, "Publish with the %q tool. Only reachable HTTPS image URLs are accepted.\n", publishTool)
	}

	var summaries []StepResult
	for _, r := range prior {
		if r.Content != "" {
			summaries = append(summaries, r)
		}
	}
	if len(summaries) == 0 {
		b.WriteString("\nThis step does not depend on earlier results. Follow the instruction exactly and gather complete, relevant information.\n")
		return b.String()
	}

	b.WriteString("\n## Results of earlier steps\n")
	for _, r := range summaries {
		fmt.Fprintf(&b, "- %s (%s):\n%s\n\n", r.StepID, r.Title, Summarize(r.Content, pm.SummaryLimit))
	}
	b.WriteString("Reuse what earlier steps found instead of repeating searches. Several tools may be called at once.\n")
	return b.String()
}

// Summarize truncates s to limit runes.
func Summarize(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
