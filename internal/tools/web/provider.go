// Package web serves the builtin research tools over MCP so they are
// brokered exactly like external providers.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"go.uber.org/zap"
)

const (
	ServerName = "scribe-web"

	ToolSearch = "web_search"
	ToolFetch  = "fetch_page"
	ToolRender = "render_page"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Searcher runs a web query and returns a text digest of results.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

type Options struct {
	Version       string
	UserAgent     string
	MaxChars      int
	MaxResults    int
	Timeout       time.Duration
	HTTPClient    *http.Client
	Searcher      Searcher
	DisableRender bool
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.MaxChars <= 0 {
		o.MaxChars = 50000
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Provider owns the MCP server and the resources its handlers use.
type Provider struct {
	srv      *server.MCPServer
	search   Searcher
	fetcher  *Fetcher
	renderer *Renderer
	logger   *zap.Logger
}

func New(opts Options) (*Provider, error) {
	opts = opts.withDefaults()

	search := opts.Searcher
	if search == nil {
		ddg, err := duckduckgo.New(opts.MaxResults, opts.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("duckduckgo: %w", err)
		}
		search = ddg
	}

	p := &Provider{
		srv:     server.NewMCPServer(ServerName, opts.Version, server.WithToolCapabilities(false), server.WithRecovery()),
		search:  search,
		fetcher: NewFetcher(opts.HTTPClient, opts.UserAgent, opts.MaxChars),
		logger:  opts.Logger.Named("web"),
	}
	if !opts.DisableRender {
		p.renderer = NewRenderer(opts.UserAgent, opts.MaxChars, opts.Timeout)
	}

	if err := p.register(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Server() *server.MCPServer { return p.srv }

// ServeStdio blocks serving the tools on stdin/stdout.
func (p *Provider) ServeStdio() error {
	return server.ServeStdio(p.srv)
}

func (p *Provider) Close() error {
	if p.renderer != nil {
		p.renderer.Close()
	}
	return nil
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=The search query to look up"`
}

type pageArgs struct {
	URL string `json:"url" jsonschema:"required,description=The full URL of the page (e.g. https://site.org/article)"`
}

type renderArgs struct {
	URL          string `json:"url" jsonschema:"required,description=The full URL of the page to render"`
	WaitSelector string `json:"wait_selector,omitempty" jsonschema:"description=CSS selector to wait for before extracting content"`
}

type toolEntry struct {
	name, desc string
	args       any
	handler    server.ToolHandlerFunc
}

func (p *Provider) register() error {
	entries := []toolEntry{
		{ToolSearch, "Search the web using DuckDuckGo for real-time information.", &searchArgs{}, p.handleSearch},
		{ToolFetch, "Fetch a webpage URL and extract the main content as clean, sanitized text along with image URLs found on the page.", &pageArgs{}, p.handleFetch},
	}
	if p.renderer != nil {
		entries = append(entries, toolEntry{ToolRender, "Render a JavaScript-heavy page in a headless browser and extract its main content.", &renderArgs{}, p.handleRender})
	}

	for _, e := range entries {
		schema, err := schemaFor(e.args)
		if err != nil {
			return fmt.Errorf("schema for %s: %w", e.name, err)
		}
		p.srv.AddTool(mcp.NewToolWithRawSchema(e.name, e.desc, schema), e.handler)
	}
	return nil
}

func schemaFor(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := r.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	return json.Marshal(m)
}

func (p *Provider) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args searchArgs
	if err := req.BindArguments(&args); err != nil || args.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	res, err := p.search.Call(ctx, args.Query)
	if err != nil {
		p.logger.Warn("search failed", zap.String("query", args.Query), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return mcp.NewToolResultText(res), nil
}

func (p *Provider) handleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args pageArgs
	if err := req.BindArguments(&args); err != nil || args.URL == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	page, err := p.fetcher.Fetch(ctx, args.URL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructured(page.Payload(), page.Report()), nil
}

func (p *Provider) handleRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args renderArgs
	if err := req.BindArguments(&args); err != nil || args.URL == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	page, err := p.renderer.Render(ctx, args.URL, args.WaitSelector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return mcp.NewToolResultError("render timed out"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", err)), nil
	}
	return mcp.NewToolResultStructured(page.Payload(), page.Report()), nil
}
