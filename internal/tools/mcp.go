package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ClientName and ClientVersion are announced during the MCP handshake.
var (
	ClientName    = "scribe"
	ClientVersion = "dev"
)

// DialMCP opens stdio and streamable HTTP providers with mcp-go.
func DialMCP(ctx context.Context, spec ProviderSpec) (Session, error) {
	switch spec.Transport {
	case TransportStdio:
		command := spec.Command
		if p, err := exec.LookPath(command); err == nil {
			command = p
		}
		// The subprocess must outlive the dial context.
		stdio := transport.NewStdio(command, envList(spec.Env), spec.Args...)
		return handshake(ctx, client.NewClient(stdio))
	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}
		c, err := client.NewStreamableHttpClient(spec.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("streamable http client: %w", err)
		}
		return handshake(ctx, c)
	default:
		return nil, fmt.Errorf("unsupported transport %q for provider %s", spec.Transport, spec.Name)
	}
}

// InProcessDialer serves builtin providers from an in-process MCP server.
// Other transports fall through to next.
func InProcessDialer(srv *server.MCPServer, next Dialer) Dialer {
	return func(ctx context.Context, spec ProviderSpec) (Session, error) {
		if spec.Transport != TransportBuiltin {
			if next == nil {
				return nil, fmt.Errorf("unsupported transport %q for provider %s", spec.Transport, spec.Name)
			}
			return next(ctx, spec)
		}
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, fmt.Errorf("in-process client: %w", err)
		}
		return handshake(ctx, c)
	}
}

func handshake(ctx context.Context, c *client.Client) (Session, error) {
	if err := c.Start(context.Background()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &mcpSession{client: c}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

type mcpSession struct {
	client *client.Client
}

func (s *mcpSession) ListTools(ctx context.Context) ([]Descriptor, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, NewDescriptor("", t.Name, t.Description, schemaOf(t)))
	}
	return out, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return resultFrom(resp), nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

func schemaOf(t mcp.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func resultFrom(resp *mcp.CallToolResult) Result {
	var texts []string
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case *mcp.TextContent:
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return ErrorResult(text)
	}
	if payload, ok := resp.StructuredContent.(map[string]any); ok {
		return StructuredResult(payload, text)
	}
	return TextResult(text)
}
