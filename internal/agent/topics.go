package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxTopics = 20

var (
	ErrNoTopics   = errors.New("no topics found")
	ErrInvalidURL = errors.New("invalid url")
)

var domainFocus = map[string]struct {
	keywords []string
	focus    string
}{
	"ai": {
		keywords: []string{"AI", "artificial intelligence", "large language model", "deep learning", "AGI"},
		focus:    "AI breakthroughs, applications and company news",
	},
	"funding": {
		keywords: []string{"AI funding", "AI investment", "AI startup raises"},
		focus:    "funding rounds and investment activity in AI",
	},
	"papers": {
		keywords: []string{"arXiv AI", "arXiv machine learning", "arXiv deep learning", "new AI paper"},
		focus:    "new research papers and results on arXiv",
	},
	"robotics": {
		keywords: []string{"AI robots", "humanoid robot", "industrial robotics"},
		focus:    "AI-driven robotics technology, products and companies",
	},
}

// TopicScout discovers candidate topics with a single research step. The
// publish tool is never available to it.
type TopicScout struct {
	steps  StepRunner
	now    func() time.Time
	logger *zap.Logger
}

func NewTopicScout(steps *StepExecutor, logger *zap.Logger) *TopicScout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicScout{
		steps:  steps.Restricted(steps.Config().PublishTool),
		now:    time.Now,
		logger: logger.Named("topics"),
	}
}

// Trending asks for today's trending topics, optionally within a domain.
func (s *TopicScout) Trending(ctx context.Context, domain string) ([]Topic, error) {
	date := s.now().Format("January 2, 2006")
	var instruction string
	if domain = strings.TrimSpace(domain); domain != "" {
		focus, ok := domainFocus[strings.ToLower(domain)]
		if !ok {
			focus.keywords = []string{"AI " + domain, domain}
			focus.focus = "the latest developments in " + domain
		}
		instruction = fmt.Sprintf(
			"Today is %s. Search the web for today's trending news about %s. Use keywords such as: %s. "+
				"Only keep items from the last 24-48 hours.", date, focus.focus, strings.Join(focus.keywords, ", "))
	} else {
		instruction = fmt.Sprintf(
			"Today is %s. Search the web for today's trending technology and AI news across several sources. "+
				"Only keep items from the last 24-48 hours.", date)
	}
	return s.discover(ctx, "trending", instruction+topicFormat)
}

// FromURL extracts topics from the page at rawURL.
func (s *TopicScout) FromURL(ctx context.Context, rawURL string) ([]Topic, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	instruction := fmt.Sprintf(
		"Fetch the page at %s, read its content and extract the most valuable independent topics "+
			"that would work as social media posts.", u.String())
	return s.discover(ctx, "from_url", instruction+topicFormat)
}

const topicFormat = `

Return at most 20 topics. For each give a short title (a few words) and a one or two sentence summary.
Your final reply must be only JSON in this format:
` + "```json" + `
[
  {"title": "topic title", "summary": "topic summary"}
]
` + "```"

func (s *TopicScout) discover(ctx context.Context, id, instruction string) ([]Topic, error) {
	step := PlanStep{
		ID:          "topics_" + id,
		Title:       "Discover topics",
		Instruction: instruction,
		Kind:        KindResearch,
	}
	res := s.steps.Execute(ctx, "topic discovery", step, nil)
	if res.State == StateFailed {
		return nil, fmt.Errorf("topic discovery failed: %s", orUnknown(res.Error))
	}
	topics, err := ParseTopics(res.Content)
	if err != nil {
		s.logger.Warn("could not parse topics", zap.String("kind", id), zap.Error(err))
		return nil, err
	}
	s.logger.Info("discovered topics", zap.String("kind", id), zap.Int("count", len(topics)))
	return topics, nil
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareArray  = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
)

// ParseTopics reads a JSON array of {title, summary} from a fenced json
// block, the first bracketed array, or the whole text. Entries without a
// title are dropped and at most 20 are kept.
func ParseTopics(content string) ([]Topic, error) {
	raw := content
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		raw = m[1]
	} else if m := bareArray.FindString(content); m != "" {
		raw = m
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTopics, err)
	}

	var topics []Topic
	for _, it := range items {
		title, _ := it["title"].(string)
		if strings.TrimSpace(title) == "" {
			continue
		}
		summary, _ := it["summary"].(string)
		topics = append(topics, Topic{Title: strings.TrimSpace(title), Summary: strings.TrimSpace(summary)})
		if len(topics) == maxTopics {
			break
		}
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	return topics, nil
}
