package llm

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Capabilities describes request shapes an endpoint accepts.
type Capabilities struct {
	// ContentParts requires message content as a list of typed parts.
	ContentParts bool
	// Tools reports support for function calling.
	Tools bool
}

// DetectCapabilities recognizes endpoints known to need typed content parts
// and to reject tool definitions.
func DetectCapabilities(model, baseURL string) Capabilities {
	m := strings.ToLower(model)
	u := strings.ToLower(baseURL)
	if strings.Contains(m, "doubao") || strings.Contains(u, "ark.cn-beijing.volces.com") {
		return Capabilities{ContentParts: true, Tools: false}
	}
	return Capabilities{Tools: true}
}

// NormalizeRequest rewrites a chat-completion request body for caps. String
// message content becomes a single text part when ContentParts is set, and
// tool definitions are dropped when Tools is not.
func NormalizeRequest(body []byte, caps Capabilities) ([]byte, error) {
	if !caps.ContentParts && caps.Tools {
		return body, nil
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if !caps.Tools {
		delete(req, "tools")
		delete(req, "tool_choice")
		delete(req, "parallel_tool_calls")
	}
	if caps.ContentParts {
		msgs, _ := req["messages"].([]any)
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := msg["content"].(string); ok {
				msg["content"] = []any{map[string]any{"type": "text", "text": s}}
			}
		}
	}
	return json.Marshal(req)
}

// normalizingTransport applies NormalizeRequest to every JSON POST body.
type normalizingTransport struct {
	base http.RoundTripper
	caps Capabilities
}

func (t *normalizingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	if out, err := NormalizeRequest(body, t.caps); err == nil {
		body = out
	}
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.Header.Set("Content-Length", strconv.Itoa(len(body)))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(clone)
}
