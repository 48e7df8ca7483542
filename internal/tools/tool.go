package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// Descriptor describes one callable tool advertised by a provider. Values
// are immutable: constructors copy the schema and callers must not mutate
// Parameters.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the tool's inputs
	Provider    string
}

// NewDescriptor copies schema and fills in an empty "properties" object for
// object schemas that omit it, which some completion endpoints reject.
func NewDescriptor(provider, name, description string, schema map[string]any) Descriptor {
	params := copyMap(schema)
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	if t, _ := params["type"].(string); t == "object" {
		if props, ok := params["properties"].(map[string]any); !ok || len(props) == 0 {
			params["properties"] = map[string]any{}
		}
	}
	return Descriptor{
		Name:        name,
		Description: description,
		Parameters:  params,
		Provider:    provider,
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ResultKind tags the variant held by a Result.
type ResultKind int

const (
	KindText ResultKind = iota
	KindStructured
	KindError
)

func (k ResultKind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindError:
		return "error"
	default:
		return "text"
	}
}

func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ResultKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "structured":
		*k = KindStructured
	case "error":
		*k = KindError
	default:
		*k = KindText
	}
	return nil
}

// Result is what a tool returned: opaque text, a structured payload, or an
// error message reported by the tool itself.
type Result struct {
	Kind    ResultKind     `json:"kind"`
	Text    string         `json:"text,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func TextResult(text string) Result {
	return Result{Kind: KindText, Text: text}
}

// StructuredResult keeps the payload and any accompanying text rendering.
func StructuredResult(payload map[string]any, text string) Result {
	return Result{Kind: KindStructured, Payload: payload, Text: text}
}

func ErrorResult(msg string) Result {
	return Result{Kind: KindError, Text: msg}
}

func (r Result) Failed() bool {
	return r.Kind == KindError
}

// String renders the result for the model conversation and the invocation log.
func (r Result) String() string {
	switch r.Kind {
	case KindStructured:
		if r.Text != "" {
			return r.Text
		}
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return ""
		}
		return string(data)
	case KindError:
		if strings.HasPrefix(r.Text, "Error") {
			return r.Text
		}
		return "Error: " + r.Text
	default:
		return r.Text
	}
}

// Dispatcher is the read surface of a Broker used by executors.
type Dispatcher interface {
	ListAllTools(ctx context.Context) []Descriptor
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
}
