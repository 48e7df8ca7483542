package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/tools"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	APIKey             string
	BaseURL            string
	Model              string
	Timeout            time.Duration
	MaxTokens          int
	ProposeTemperature float64
	DecideTemperature  float64
	Capabilities       *Capabilities
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ProposeTemperature == 0 {
		o.ProposeTemperature = 0.8
	}
	if o.DecideTemperature == 0 {
		o.DecideTemperature = 0.3
	}
	if o.Capabilities == nil {
		caps := DetectCapabilities(o.Model, o.BaseURL)
		o.Capabilities = &caps
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 32000
	}
	if o.Capabilities.ContentParts && o.MaxTokens > 4096 {
		o.MaxTokens = 4096
	}
	return o
}

// Client calls a chat-completion endpoint in the two modes used by the
// step loop. It never returns an error: transport failures become a
// synthetic reply with Reply.Err set.
type Client struct {
	model  llms.Model
	opts   Options
	logger *zap.Logger
	events *observability.EventLog
}

type ClientOption func(*Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithEventLog(l *observability.EventLog) ClientOption {
	return func(c *Client) { c.events = l }
}

// New builds a Client on an OpenAI-compatible endpoint.
func New(opts Options, extra ...ClientOption) (*Client, error) {
	opts = opts.withDefaults()

	baseURL := strings.TrimSuffix(strings.TrimRight(opts.BaseURL, "/"), "/chat/completions")
	httpClient := &http.Client{
		Timeout:   opts.Timeout + 5*time.Second,
		Transport: &normalizingTransport{base: http.DefaultTransport, caps: *opts.Capabilities},
	}
	model, err := openai.New(
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
		openai.WithBaseURL(baseURL),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewWithModel(model, opts, extra...), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, opts Options, extra ...ClientOption) *Client {
	c := &Client{
		model:  model,
		opts:   opts.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, o := range extra {
		o(c)
	}
	c.logger = c.logger.Named("llm")
	return c
}

func (c *Client) Capabilities() Capabilities {
	return *c.opts.Capabilities
}

// ProposeAction asks for the next action given the conversation and the
// available tools.
func (c *Client) ProposeAction(ctx context.Context, conversation []Message, catalog []tools.Descriptor) Reply {
	return c.complete(ctx, "propose", conversation, catalog, c.opts.ProposeTemperature)
}

// DecideContinueOrFinalize appends decision guidance and asks the model to
// either request more tools or write the closing synthesis.
func (c *Client) DecideContinueOrFinalize(ctx context.Context, conversation []Message, catalog []tools.Descriptor) Reply {
	conv := append(append([]Message(nil), conversation...), System(decisionPrompt(conversation)))
	return c.complete(ctx, "decide", conv, catalog, c.opts.DecideTemperature)
}

func decisionPrompt(conversation []Message) string {
	request := ""
	for _, m := range conversation {
		if m.Role == RoleUser {
			request = m.Content
			break
		}
	}
	return fmt.Sprintf(`Review the tool results above against the original request:
%q

Choose exactly one:
OPTION 1: information is still missing. Call the tools you need next.
OPTION 2: you have enough. Reply with the final result for this step and call no tools.`, request)
}

func (c *Client) complete(ctx context.Context, mode string, conversation []Message, catalog []tools.Descriptor, temperature float64) Reply {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	callOpts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(c.opts.MaxTokens),
	}
	if c.opts.Capabilities.Tools && len(catalog) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLLMTools(catalog)))
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, toMessageContent(conversation), callOpts...)
	if err == nil && (resp == nil || len(resp.Choices) == 0) {
		err = errors.New("empty response")
	}
	if err != nil {
		c.logger.Error("completion failed", zap.String("mode", mode), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		reply := Reply{
			Content: fmt.Sprintf("I encountered an error: Error getting LLM response: %v. Please try again or rephrase your request.", err),
			Err:     err,
		}
		c.events.LogLLM(ctx, mode, conversation, reply.Content, nil)
		return reply
	}

	choice := resp.Choices[0]
	reply := Reply{Content: choice.Content}
	for i, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        id,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	c.logger.Debug("completion",
		zap.String("mode", mode),
		zap.Int("tool_calls", len(reply.ToolCalls)),
		zap.Duration("elapsed", time.Since(start)))
	c.events.LogLLM(ctx, mode, conversation, reply.Content, reply.ToolCalls)
	return reply
}

func toLLMTools(catalog []tools.Descriptor) []llms.Tool {
	out := make([]llms.Tool, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func toMessageContent(conversation []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(conversation))
	for _, m := range conversation {
		switch m.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case RoleAssistant:
			var parts []llms.ContentPart
			if m.Content != "" {
				parts = append(parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, llms.TextContent{Text: ""})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: m.ToolCallID,
						Name:       m.Name,
						Content:    m.Content,
					},
				},
			})
		}
	}
	return out
}
