package llm

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestAnthropicBuildParams(t *testing.T) {
	p := NewAnthropic("test-key", "", slog.Default())

	req := &Request{
		Model:  "claude-sonnet-4-20250514",
		System: "You are agent 42.",
		Messages: []Message{
			{Role: RoleUser, Content: "list the files"},
			{
				Role:    RoleAssistant,
				Content: "I will list them.",
				ToolCall: &ToolCall{
					ID:   "call_1",
					Name: "list_files",
					Args: json.RawMessage(`{"dir":"."}`),
				},
			},
			{Role: RoleTool, ToolCallID: "call_1", Content: "a.txt\nb.txt"},
		},
		Tools: []ToolSpec{{
			Name:        "list_files",
			Description: "List directory entries.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"dir":{"type":"string"}}}`),
		}},
		MaxTokens: 512,
	}

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are agent 42." {
		t.Errorf("system prompt not carried: %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(params.Tools))
	}
	if params.Tools[0].OfTool == nil || params.Tools[0].OfTool.Name != "list_files" {
		t.Errorf("tool param not built: %+v", params.Tools[0])
	}
}

func TestAnthropicBuildParamsRejectsBadSchema(t *testing.T) {
	p := NewAnthropic("test-key", "", slog.Default())
	_, err := p.buildParams(&Request{
		Model: "m",
		Tools: []ToolSpec{{Name: "broken", Schema: json.RawMessage(`not json`)}},
	})
	if err == nil {
		t.Fatal("expected error for invalid tool schema")
	}
}

func TestParseAnthropicMessageToolUseWins(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "tu_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
			{Type: "tool_use", ID: "tu_2", Name: "ignored", Input: json.RawMessage(`{}`)},
		},
		StopReason: anthropic.StopReasonToolUse,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 20},
	}

	got := parseAnthropicMessage(msg)
	if got.ToolCall == nil || got.ToolCall.Name != "read_file" || got.ToolCall.ID != "tu_1" {
		t.Fatalf("tool call = %+v, want first tool_use block", got.ToolCall)
	}
	if got.Text != "Let me check. " {
		t.Errorf("text = %q", got.Text)
	}
	if got.InputTokens != 100 || got.OutputTokens != 20 {
		t.Errorf("usage = %d/%d", got.InputTokens, got.OutputTokens)
	}
	if got.StopReason != string(anthropic.StopReasonToolUse) {
		t.Errorf("stop reason = %q", got.StopReason)
	}
}

func TestParseAnthropicMessageTextOnly(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "done"},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}
	got := parseAnthropicMessage(msg)
	if got.ToolCall != nil {
		t.Errorf("unexpected tool call: %+v", got.ToolCall)
	}
	if got.Text != "done" {
		t.Errorf("text = %q, want done", got.Text)
	}
}
