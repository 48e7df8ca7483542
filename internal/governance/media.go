package governance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Rejection reasons reported by MediaValidator.
const (
	ReasonMalformed   = "malformed"
	ReasonPlaceholder = "placeholder"
	ReasonUnreachable = "unreachable"
	ReasonStatus      = "status"
	ReasonContentType = "content_type"
)

// DefaultPlaceholders are substrings of URLs models invent when they have
// no real image to offer.
var DefaultPlaceholders = []string{
	"example.com",
	"placeholder",
	"image1.jpg",
	"image2.jpg",
	"image3.jpg",
	"test.jpg",
}

type Rejection struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// MediaReport splits candidate URLs into accepted and rejected, each in
// input order.
type MediaReport struct {
	Valid    []string    `json:"valid"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

func (r MediaReport) Summary() string {
	total := len(r.Valid) + len(r.Rejected)
	if len(r.Rejected) == 0 {
		return fmt.Sprintf("%d of %d media references valid", len(r.Valid), total)
	}
	parts := make([]string, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		parts = append(parts, fmt.Sprintf("%s (%s)", rej.URL, rej.Reason))
	}
	return fmt.Sprintf("%d of %d media references valid; rejected: %s", len(r.Valid), total, strings.Join(parts, ", "))
}

// MediaRecorder counts rejections, typically for metrics.
type MediaRecorder interface {
	MediaRejected(reason string)
}

// MediaValidator checks that media references point at live images before
// a publish call is allowed to use them.
type MediaValidator struct {
	client       *http.Client
	userAgent    string
	placeholders []string
	recorder     MediaRecorder
	logger       *zap.Logger
}

type MediaOption func(*MediaValidator)

func WithHTTPClient(c *http.Client) MediaOption {
	return func(v *MediaValidator) { v.client = c }
}

func WithPlaceholders(patterns []string) MediaOption {
	return func(v *MediaValidator) { v.placeholders = patterns }
}

func WithMediaRecorder(r MediaRecorder) MediaOption {
	return func(v *MediaValidator) { v.recorder = r }
}

func WithMediaLogger(l *zap.Logger) MediaOption {
	return func(v *MediaValidator) { v.logger = l }
}

func NewMediaValidator(opts ...MediaOption) *MediaValidator {
	v := &MediaValidator{
		client:       &http.Client{},
		userAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		placeholders: DefaultPlaceholders,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.Named("media")
	return v
}

// Validate returns the URLs that passed, in their original order.
func (v *MediaValidator) Validate(ctx context.Context, urls []string, perURLTimeout time.Duration) []string {
	return v.Check(ctx, urls, perURLTimeout).Valid
}

// Check fetches every URL concurrently. A failed fetch only removes its own URL.
func (v *MediaValidator) Check(ctx context.Context, urls []string, perURLTimeout time.Duration) MediaReport {
	if perURLTimeout <= 0 {
		perURLTimeout = 10 * time.Second
	}
	results := make([]*Rejection, len(urls))

	var g errgroup.Group
	for i, raw := range urls {
		if rej := v.precheck(raw); rej != nil {
			results[i] = rej
			continue
		}
		g.Go(func() error {
			results[i] = v.fetch(ctx, raw, perURLTimeout)
			return nil
		})
	}
	_ = g.Wait()

	var report MediaReport
	for i, raw := range urls {
		if results[i] == nil {
			report.Valid = append(report.Valid, raw)
			continue
		}
		report.Rejected = append(report.Rejected, *results[i])
		if v.recorder != nil {
			v.recorder.MediaRejected(results[i].Reason)
		}
		v.logger.Debug("media rejected",
			zap.String("url", raw),
			zap.String("reason", results[i].Reason),
			zap.String("detail", results[i].Detail))
	}
	return report
}

func (v *MediaValidator) precheck(raw string) *Rejection {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Rejection{URL: raw, Reason: ReasonMalformed}
	}
	lower := strings.ToLower(raw)
	for _, p := range v.placeholders {
		if strings.Contains(lower, p) {
			return &Rejection{URL: raw, Reason: ReasonPlaceholder, Detail: p}
		}
	}
	return nil
}

func (v *MediaValidator) fetch(ctx context.Context, raw string, timeout time.Duration) *Rejection {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := v.request(ctx, http.MethodHead, raw)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = v.request(ctx, http.MethodGet, raw)
	}
	if err != nil {
		return &Rejection{URL: raw, Reason: ReasonUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Rejection{URL: raw, Reason: ReasonStatus, Detail: resp.Status}
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "image/") {
		return &Rejection{URL: raw, Reason: ReasonContentType, Detail: ct}
	}
	return nil
}

func (v *MediaValidator) request(ctx context.Context, method, raw string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", v.userAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return v.client.Do(req)
}
