package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const maxBodyBytes = 5 << 20

// Page is the extracted, sanitized view of a web page.
type Page struct {
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Excerpt string   `json:"excerpt,omitempty"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Report renders the page for a model.
func (p Page) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", p.Title)
	if p.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", p.Excerpt)
	}
	if len(p.Images) > 0 {
		fmt.Fprintf(&b, "IMAGES:\n")
		for _, img := range p.Images {
			fmt.Fprintf(&b, "- %s\n", img)
		}
	}
	b.WriteString("\n-- CONTENT --\n")
	b.WriteString(p.Content)
	return b.String()
}

func (p Page) Payload() map[string]any {
	images := make([]any, 0, len(p.Images))
	for _, img := range p.Images {
		images = append(images, img)
	}
	return map[string]any{
		"url":     p.URL,
		"title":   p.Title,
		"excerpt": p.Excerpt,
		"content": p.Content,
		"images":  images,
	}
}

type Fetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
	policy    *bluemonday.Policy
}

func NewFetcher(client *http.Client, userAgent string, maxChars int) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		maxChars:  maxChars,
		policy:    bluemonday.StrictPolicy(),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Host == "" {
		return Page{}, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("failed to read body: %w", err)
	}
	return f.extract(pageURL, body)
}

func (f *Fetcher) extract(pageURL *url.URL, html []byte) (Page, error) {
	article, err := readability.FromReader(bytes.NewReader(html), pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse article: %w", err)
	}

	content := strings.TrimSpace(f.policy.Sanitize(article.TextContent))
	if len(content) > f.maxChars {
		content = content[:f.maxChars] + "\n... (content truncated) ..."
	}
	return Page{
		URL:     pageURL.String(),
		Title:   f.policy.Sanitize(article.Title),
		Excerpt: f.policy.Sanitize(article.Excerpt),
		Content: content,
		Images:  imageURLs(pageURL, html, 10),
	}, nil
}

var (
	ogImageRe = regexp.MustCompile(`(?i)<meta[^>]+(?:property|name)=["'](?:og:image|twitter:image)["'][^>]+content=["']([^"']+)["']`)
	imgSrcRe  = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
)

// imageURLs collects absolute http(s) image references, social preview
// images first.
func imageURLs(base *url.URL, html []byte, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ref string) {
		if len(out) >= limit {
			return
		}
		u, err := base.Parse(strings.TrimSpace(ref))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		s := u.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, m := range ogImageRe.FindAllSubmatch(html, -1) {
		add(string(m[1]))
	}
	for _, m := range imgSrcRe.FindAllSubmatch(html, -1) {
		add(string(m[1]))
	}
	return out
}
