package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/aether/internal/retry"
)

// Default OpenAI models.
const (
	DefaultOpenAIModel      = "gpt-4o"
	DefaultOpenAICheapModel = "gpt-4o-mini"
)

// OpenAI is the GPT-backed Provider.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI provider. baseURL overrides the API
// endpoint when non-empty, which also covers OpenAI-compatible local
// servers.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

func (p *OpenAI) Name() string { return "openai" }

// Complete sends one chat completion request and blocks for the full
// response. Transient API failures are retried with backoff.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Completion, error) {
	chatReq := p.buildRequest(req)

	resp, err := retry.DoWithValue(ctx, retry.LLMDefaults(), func() (openai.ChatCompletionResponse, error) {
		r, callErr := p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			p.logger.Warn("completion attempt failed", "model", req.Model, "error", callErr)
			return r, classify(callErr, openaiStatusTransient(callErr))
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: completion failed: %w", err)
	}

	return parseOpenAIResponse(&resp)
}

func (p *OpenAI) buildRequest(req *Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}

	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if tc := msg.ToolCall; tc != nil {
				m.ToolCalls = []openai.ToolCall{{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}}
			}
			chatReq.Messages = append(chatReq.Messages, m)
		case RoleTool:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case RoleSystem:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	return chatReq
}

// parseOpenAIResponse reduces a response to one decision. The first
// tool call wins.
func parseOpenAIResponse(resp *openai.ChatCompletionResponse) (*Completion, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response contains no choices")
	}
	choice := resp.Choices[0]

	out := &Completion{
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != openai.ToolTypeFunction {
			continue
		}
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCall = &ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		}
		break
	}

	return out, nil
}

func openaiStatusTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retry.TransientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retry.TransientStatus(reqErr.HTTPStatusCode)
	}
	return false
}
