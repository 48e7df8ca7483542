package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rahul/scribe/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	mu       sync.Mutex
	resp     *llms.ContentResponse
	err      error
	messages [][]llms.MessageContent
	options  []llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var o llms.CallOptions
	for _, opt := range options {
		opt(&o)
	}
	m.messages = append(m.messages, messages)
	m.options = append(m.options, o)
	return m.resp, m.err
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", errors.New("not implemented")
}

var catalog = []tools.Descriptor{
	tools.NewDescriptor("p", "search", "web search", map[string]any{"type": "object"}),
}

func TestProposeActionParsesToolCalls(t *testing.T) {
	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: "",
		ToolCalls: []llms.ToolCall{{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"query":"edge computing"}`},
		}},
	}}}}
	c := NewWithModel(m, Options{Model: "gpt-4o"})

	reply := c.ProposeAction(context.Background(), []Message{System("sys"), User("write about edge computing")}, catalog)
	require.NoError(t, reply.Err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "search", reply.ToolCalls[0].Name)
	assert.Equal(t, "edge computing", reply.ToolCalls[0].Args()["query"])

	require.Len(t, m.options, 1)
	assert.Equal(t, 0.8, m.options[0].Temperature)
	require.Len(t, m.options[0].Tools, 1)
	assert.Equal(t, "search", m.options[0].Tools[0].Function.Name)
}

func TestDecideAppendsGuidance(t *testing.T) {
	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "final draft"}}}}
	c := NewWithModel(m, Options{Model: "gpt-4o"})
	conv := []Message{System("sys"), User("write about edge computing")}

	reply := c.DecideContinueOrFinalize(context.Background(), conv, catalog)
	assert.Equal(t, "final draft", reply.Content)
	assert.Empty(t, reply.ToolCalls)
	assert.Len(t, conv, 2, "caller conversation must not grow")

	sent := m.messages[0]
	require.Len(t, sent, 3)
	last := sent[2]
	assert.Equal(t, llms.ChatMessageTypeSystem, last.Role)
	text := last.Parts[0].(llms.TextContent).Text
	assert.Contains(t, text, "OPTION 1")
	assert.Contains(t, text, "write about edge computing")
	assert.Equal(t, 0.3, m.options[0].Temperature)
}

func TestTransportFailureBecomesSyntheticReply(t *testing.T) {
	m := &fakeModel{err: errors.New("dial tcp: connection refused")}
	c := NewWithModel(m, Options{Model: "gpt-4o"})

	reply := c.ProposeAction(context.Background(), []Message{User("hi")}, nil)
	require.Error(t, reply.Err)
	assert.Contains(t, reply.Content, "I encountered an error")
	assert.Contains(t, reply.Content, "connection refused")
	assert.Empty(t, reply.ToolCalls)
}

func TestToolsOmittedWithoutCapability(t *testing.T) {
	m := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ok"}}}}
	c := NewWithModel(m, Options{Model: "doubao-seed-1-6"})

	c.ProposeAction(context.Background(), []Message{User("hi")}, catalog)
	assert.Empty(t, m.options[0].Tools)
	assert.Equal(t, 4096, m.options[0].MaxTokens)
}

func TestToMessageContentRoundTrip(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "search", Arguments: `{"q":1}`}
	conv := []Message{
		System("s"),
		User("u"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
		ToolResult(call, "result"),
	}
	got := toMessageContent(conv)
	want := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, "s"),
		llms.TextParts(llms.ChatMessageTypeHuman, "u"),
		{Role: llms.ChatMessageTypeAI, Parts: []llms.ContentPart{llms.ToolCall{
			ID: "c1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"q":1}`},
		}}},
		{Role: llms.ChatMessageTypeTool, Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: "c1", Name: "search", Content: "result",
		}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message content mismatch (-want +got):\n%s", diff)
	}
}

func TestToolCallArgsMalformed(t *testing.T) {
	assert.Empty(t, ToolCall{Arguments: "{not json"}.Args())
	assert.Empty(t, ToolCall{Arguments: ""}.Args())
	assert.Empty(t, ToolCall{Arguments: "null"}.Args())
}

func TestDetectCapabilities(t *testing.T) {
	assert.Equal(t, Capabilities{Tools: true}, DetectCapabilities("gpt-4o", "https://api.openai.com/v1"))
	assert.Equal(t, Capabilities{ContentParts: true}, DetectCapabilities("Doubao-Pro", ""))
	assert.Equal(t, Capabilities{ContentParts: true}, DetectCapabilities("ep-123", "https://ark.cn-beijing.volces.com/api/v3"))
}

func TestNormalizeRequest(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"},{"role":"user","content":[{"type":"text","text":"x"}]}],"tools":[{"type":"function"}],"tool_choice":"auto"}`)

	out, err := NormalizeRequest(body, Capabilities{ContentParts: true})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(out, &req))
	assert.NotContains(t, req, "tools")
	assert.NotContains(t, req, "tool_choice")
	msgs := req["messages"].([]any)
	first := msgs[0].(map[string]any)["content"].([]any)
	assert.Equal(t, map[string]any{"type": "text", "text": "hi"}, first[0])

	same, err := NormalizeRequest(body, Capabilities{Tools: true})
	require.NoError(t, err)
	assert.Equal(t, body, same)
}

func TestClientAgainstCompatibleEndpoint(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/chat/completions", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "doubao-pro",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
		}`)
	}))
	defer srv.Close()

	c, err := New(Options{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v3/chat/completions",
		Model:   "doubao-pro",
	})
	require.NoError(t, err)

	reply := c.ProposeAction(context.Background(), []Message{System("sys"), User("hi")}, catalog)
	require.NoError(t, reply.Err)
	assert.Equal(t, "hello there", reply.Content)

	require.NotNil(t, gotBody)
	assert.NotContains(t, gotBody, "tools")
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	_, isParts := msgs[1].(map[string]any)["content"].([]any)
	assert.True(t, isParts, "content must be sent as typed parts")
}
