// Package llm abstracts the model providers behind a single blocking
// completion contract. Each call returns one decision: either a tool
// call or plain text. Streaming is deliberately out of scope; the
// agent loop consumes whole completions.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/aether/internal/retry"
)

// Message roles in a conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// callTimeout bounds a single provider round trip, including retries'
// individual attempts.
const callTimeout = 60 * time.Second

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// corresponding tool-result message.
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolSpec describes a tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Schema is a JSON Schema object describing the tool's arguments.
	Schema json.RawMessage
}

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
	// ToolCall is set on assistant turns that requested a tool.
	ToolCall *ToolCall
	// ToolCallID identifies which call a RoleTool result answers.
	ToolCallID string
}

// Request is a single completion request.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec
	// MaxTokens caps the response length. Zero means the provider
	// default.
	MaxTokens int
}

// Completion is the model's decision for one agent step. Exactly one
// of ToolCall and Text is meaningful; when the model emits both, the
// tool call wins and Text carries any accompanying reasoning.
type Completion struct {
	Text         string
	ToolCall     *ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider produces completions from a hosted model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// Config selects and authenticates a provider.
type Config struct {
	// Provider is "anthropic" or "openai".
	Provider string
	APIKey   string
	BaseURL  string
	// Model is the primary model driving agent loops.
	Model string
	// CheapModel handles summarization and reflection. Empty selects
	// the provider's default cheap model.
	CheapModel string
}

// Set pairs one provider with a primary and a cheap model. The agent
// loop thinks on the primary model; compaction summaries and
// reflections run on the cheap one.
type Set struct {
	provider   Provider
	model      string
	cheapModel string
}

// NewSet builds a provider set from config.
func NewSet(cfg Config, logger *slog.Logger) (*Set, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: provider %q requires an API key", cfg.Provider)
	}

	var provider Provider
	model := cfg.Model
	cheap := cfg.CheapModel
	switch cfg.Provider {
	case "anthropic":
		provider = NewAnthropic(cfg.APIKey, cfg.BaseURL, logger)
		if model == "" {
			model = DefaultAnthropicModel
		}
		if cheap == "" {
			cheap = DefaultAnthropicCheapModel
		}
	case "openai":
		provider = NewOpenAI(cfg.APIKey, cfg.BaseURL, logger)
		if model == "" {
			model = DefaultOpenAIModel
		}
		if cheap == "" {
			cheap = DefaultOpenAICheapModel
		}
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	return &Set{provider: provider, model: model, cheapModel: cheap}, nil
}

// NewSetWith wraps an existing provider, for tests and embedders.
func NewSetWith(provider Provider, model, cheapModel string) *Set {
	return &Set{provider: provider, model: model, cheapModel: cheapModel}
}

// Provider returns the underlying provider.
func (s *Set) Provider() Provider { return s.provider }

// Model returns the primary model name.
func (s *Set) Model() string { return s.model }

// CheapModel returns the cheap model name.
func (s *Set) CheapModel() string { return s.cheapModel }

// Complete runs req on the primary model unless req.Model is set.
func (s *Set) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if req.Model == "" {
		req.Model = s.model
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return s.provider.Complete(ctx, req)
}

// CompleteCheap runs req on the cheap model.
func (s *Set) CompleteCheap(ctx context.Context, req *Request) (*Completion, error) {
	req.Model = s.cheapModel
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return s.provider.Complete(ctx, req)
}

// classify wraps err for the retry loop: transient provider failures
// pass through and get retried, everything else is permanent.
func classify(err error, transientStatus bool) error {
	if err == nil {
		return nil
	}
	if transientStatus || transientMessage(err) {
		return err
	}
	return retry.Permanent(err)
}

// transientMessage is the fallback classification when the SDK error
// type carries no status code. Mirrors provider throttling and
// infrastructure failure modes.
func transientMessage(err error) bool {
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}
