package agent

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownVariant = errors.New("unknown content variant")

// ParseVariant maps user input to a Variant. Empty input selects general.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantGeneral:
		return VariantGeneral, nil
	case VariantPaperAnalysis, "paper":
		return VariantPaperAnalysis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// BuildPlan returns the step sequence for topic. Steps come back already in
// dependency order.
func BuildPlan(topic string, variant Variant) (Plan, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Plan{}, errors.New("topic is required")
	}
	var steps []PlanStep
	switch variant {
	case VariantGeneral, "":
		variant = VariantGeneral
		steps = generalPlan(topic)
	case VariantPaperAnalysis:
		steps = paperPlan(topic)
	default:
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return Plan{Topic: topic, Variant: variant, Steps: steps}, nil
}

func generalPlan(topic string) []PlanStep {
	return []PlanStep{
		{
			ID:    "research",
			Title: fmt.Sprintf("Research the latest on %q", topic),
			Kind:  KindContent,
			Instruction: lines(
				fmt.Sprintf("1. Use the web search tools to find recent information (past 7-30 days) about %q.", topic),
				"2. Cover key terms, the technology involved and what the main companies or groups are doing.",
				"3. Prefer authoritative sources: official announcements, engineering blogs, news and papers.",
				"4. For every item record title, summary, publication date, source link and any related image URLs.",
				"5. Keep the 5-8 most recent and most valuable items.",
				"6. Collect 3-4 real, publicly reachable HTTPS image URLs related to the topic.",
			),
		},
		{
			ID:        "write",
			Title:     fmt.Sprintf("Write an article about %q", topic),
			Kind:      KindContent,
			DependsOn: []string{"research"},
			Instruction: lines(
				fmt.Sprintf("1. Using the research so far, write an engaging article about %q:", topic),
				"   - a short, catchy title (at most 20 characters where possible)",
				"   - a hook in the opening lines",
				"   - a clear body: background, core technology, practical value, outlook",
				"   - concrete data, cases and expert opinions; plain language, no template phrasing",
				"2. Keep it between 800 and 1200 words.",
				"3. Pick 3-4 high quality images from the collected HTTPS image URLs.",
			),
		},
		publishStep(topic, []string{"research", "write"}),
	}
}

func paperPlan(topic string) []PlanStep {
	return []PlanStep{
		{
			ID:    "paper",
			Title: fmt.Sprintf("Find recent papers on %q", topic),
			Kind:  KindContent,
			Instruction: lines(
				fmt.Sprintf("1. Search for recent academic papers about %q, e.g. \"site:arxiv.org %s\".", topic, topic),
				"2. Focus on the last 1-2 years and on well cited or high impact venues.",
				"3. Select the 2-3 most representative papers.",
				"4. Record title, authors, date, abstract, key contributions, main results and the full-text link.",
				"5. Collect figure or architecture image URLs where available.",
			),
		},
		{
			ID:        "analysis",
			Title:     "Explain the papers",
			Kind:      KindContent,
			DependsOn: []string{"paper"},
			Instruction: lines(
				"1. Write an accessible analysis with these parts:",
				"   - Title: the paper's core value in plain words",
				"   - Summary: the problem and main finding in 2-3 sentences",
				"   - Contributions: three innovations",
				"   - Outlook: improvements, applications and likely impact",
				"   - Link to the original paper",
				"2. Stay accurate, avoid jargon and do not overstate results.",
				"3. Keep it between 800 and 1200 words.",
			),
		},
		publishStep(topic, []string{"paper", "analysis"}),
	}
}

func publishStep(topic string, deps []string) PlanStep {
	return PlanStep{
		ID:        "publish",
		Title:     "Format and publish",
		Kind:      KindContent,
		DependsOn: deps,
		Publish:   true,
		Instruction: lines(
			"1. Adapt the article for publishing:",
			"   - title of at most 20 characters highlighting the value",
			"   - body without '#' hashtags, at most 1000 words",
			fmt.Sprintf("   - exactly 5 precise tags in the tags list (include %q if it fits)", topic),
			"   - 3-4 images, every one a reachable HTTPS image URL taken from earlier steps",
			"2. Call the publishing tool once with title, content, images and tags.",
			"Earlier steps already gathered everything; do not search again, just format and publish.",
		),
	}
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n")
}
