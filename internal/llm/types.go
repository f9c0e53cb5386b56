// Package llm defines the model service boundary: conversation types,
// tagged results, and the provider abstraction the dispatch gateway
// routes through.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of model input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Request is one model invocation as a provider sees it: the routing
// decision (provider, model) has already been made by the gateway.
type Request struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	ForceJSON   bool      `json:"force_json,omitempty"`
}

// ResultKind tags what a provider actually returned.
type ResultKind int

const (
	ResultEmpty ResultKind = iota
	ResultText
	ResultStructured
)

func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a provider response. Structured carries a JSON payload when
// the provider produced one; Text carries prose output.
type Result struct {
	Kind       ResultKind      `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Usage      Usage           `json:"usage"`
}

// Normalize tags the result kind from its populated fields.
func (r *Result) Normalize() {
	switch {
	case len(r.Structured) > 0 && string(r.Structured) != "null":
		r.Kind = ResultStructured
	case strings.TrimSpace(r.Text) != "":
		r.Kind = ResultText
	default:
		r.Kind = ResultEmpty
	}
}

// Empty reports whether the provider produced no usable output.
func (r *Result) Empty() bool {
	return r == nil || r.Kind == ResultEmpty
}

// Decode unmarshals the structured payload into v, falling back to JSON
// embedded in text output (models often wrap JSON in prose or fences).
func (r *Result) Decode(v any) error {
	if r == nil {
		return errors.New("llm: nil result")
	}
	if len(r.Structured) > 0 && string(r.Structured) != "null" {
		return json.Unmarshal(r.Structured, v)
	}
	if raw, ok := ExtractJSON(r.Text); ok {
		return json.Unmarshal(raw, v)
	}
	return fmt.Errorf("llm: result carries no JSON payload")
}

// ExtractJSON pulls the first complete JSON object or array out of model
// text, tolerating markdown code fences and surrounding prose.
func ExtractJSON(text string) (json.RawMessage, bool) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[j+1:]
		}
		if k := strings.Index(rest, "```"); k >= 0 {
			s = strings.TrimSpace(rest[:k])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), true
				}
				return nil, false
			}
		}
	}
	return nil, false
}
