package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/aether/internal/retry"
)

// Default Anthropic models.
const (
	DefaultAnthropicModel      = "claude-sonnet-4-20250514"
	DefaultAnthropicCheapModel = "claude-3-5-haiku-latest"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic is the Claude-backed Provider.
type Anthropic struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropic creates an Anthropic provider. baseURL overrides the
// API endpoint when non-empty.
func NewAnthropic(apiKey, baseURL string, logger *slog.Logger) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{
		client: anthropic.NewClient(options...),
		logger: logger.With("provider", "anthropic"),
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends one completion request and blocks for the full
// response. Transient API failures are retried with backoff.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := retry.DoWithValue(ctx, retry.LLMDefaults(), func() (*anthropic.Message, error) {
		m, callErr := p.client.Messages.New(ctx, params)
		if callErr != nil {
			p.logger.Warn("completion attempt failed", "model", req.Model, "error", callErr)
			return nil, classify(callErr, anthropicStatusTransient(callErr))
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: completion failed: %w", err)
	}

	return parseAnthropicMessage(msg), nil
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if tc := msg.ToolCall; tc != nil {
				var input map[string]any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &input); err != nil {
						return params, fmt.Errorf("anthropic: tool call %s has invalid args: %w", tc.Name, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
			}
		case RoleTool:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case RoleSystem:
			// System turns travel in params.System; mid-history system
			// text folds into a user turn.
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			return params, fmt.Errorf("anthropic: unknown message role %q", msg.Role)
		}
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return params, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return params, fmt.Errorf("anthropic: could not build tool param for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}

// parseAnthropicMessage reduces a response to one decision. The first
// tool_use block wins; text blocks concatenate into Text.
func parseAnthropicMessage(msg *anthropic.Message) *Completion {
	out := &Completion{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if out.ToolCall != nil {
				continue
			}
			out.ToolCall = &ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			}
		}
	}
	out.Text = text.String()
	return out
}

func anthropicStatusTransient(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retry.TransientStatus(apiErr.StatusCode)
	}
	return false
}
