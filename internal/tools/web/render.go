package web

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// Renderer drives a shared headless Chrome for pages that need scripts to
// produce their content. The browser starts on first use.
type Renderer struct {
	userAgent string
	maxChars  int
	timeout   time.Duration
	extractor *Fetcher

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewRenderer(userAgent string, maxChars int, timeout time.Duration) *Renderer {
	return &Renderer{
		userAgent: userAgent,
		maxChars:  maxChars,
		timeout:   timeout,
		extractor: NewFetcher(nil, userAgent, maxChars),
	}
}

func (r *Renderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil {
		select {
		case <-r.browserCtx.Done():
			r.cleanup()
		default:
			return r.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Headless,
		chromedp.UserAgent(r.userAgent),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	r.browserCtx, r.browserCancel = chromedp.NewContext(r.allocCtx)

	if err := chromedp.Run(r.browserCtx); err != nil {
		r.cleanup()
		return nil, err
	}
	return r.browserCtx, nil
}

func (r *Renderer) cleanup() {
	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
	r.browserCtx = nil
	r.allocCtx = nil
}

func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup()
}

// Render loads rawURL in a fresh tab and extracts the resulting DOM.
func (r *Renderer) Render(ctx context.Context, rawURL, waitSelector string) (Page, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return Page{}, err
	}
	browserCtx, err := r.browser()
	if err != nil {
		return Page{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{chromedp.Navigate(rawURL)}
	if waitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}
	var html string
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return Page{}, err
	}
	return r.extractor.extract(pageURL, []byte(html))
}
