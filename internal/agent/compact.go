package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/aether/internal/llm"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/pkg/models"
)

// CompactionOptions bounds history growth.
type CompactionOptions struct {
	// StepInterval compacts every N steps regardless of size.
	StepInterval int
	// TokenThreshold compacts when the estimated history tokens
	// exceed it.
	TokenThreshold int
	// KeepRecent entries survive compaction verbatim.
	KeepRecent int
}

func (o *CompactionOptions) defaults() {
	if o.StepInterval <= 0 {
		o.StepInterval = 25
	}
	if o.TokenThreshold <= 0 {
		o.TokenThreshold = 32000
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 10
	}
}

// estimateTokens is the rough chars/4 heuristic used for the
// compaction trigger.
func estimateTokens(system string, history []llm.Message) int {
	chars := len(system)
	for _, msg := range history {
		chars += len(msg.Content)
		if msg.ToolCall != nil {
			chars += len(msg.ToolCall.Name) + len(msg.ToolCall.Args)
		}
	}
	return chars / 4
}

// maybeCompact folds old history into a one-paragraph summary when the
// step interval or token threshold fires. The most recent entries
// survive verbatim; the system prompt is never touched.
func (l *Loop) maybeCompact(ctx context.Context, p *proc.Process, system string, history []llm.Message) []llm.Message {
	opts := l.opts.Compaction
	step := p.Step()
	tokens := estimateTokens(system, history)

	due := (step > 0 && step%opts.StepInterval == 0) || tokens > opts.TokenThreshold
	if !due || len(history) <= opts.KeepRecent+1 {
		return history
	}

	cut := len(history) - opts.KeepRecent
	middle := history[:cut]
	recent := history[cut:]

	summary := l.summarize(ctx, middle)
	compacted := make([]llm.Message, 0, opts.KeepRecent+1)
	if summary != "" {
		compacted = append(compacted, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("[Previous work summary, steps 1..%d] %s", step, summary),
		})
	}
	compacted = append(compacted, recent...)

	l.bus.Publish(models.TopicAgentCompacted, models.CompactedEvent{
		PID:        p.PID(),
		Dropped:    len(middle),
		KeptRecent: len(recent),
		Tokens:     tokens,
	})
	l.logger.Debug("context compacted", "pid", p.PID(), "dropped", len(middle), "tokens", tokens)
	return compacted
}

// summarize condenses dropped history, preferring the cheap model,
// falling back to the primary, then to a bare marker.
func (l *Loop) summarize(ctx context.Context, middle []llm.Message) string {
	var transcript strings.Builder
	for _, msg := range middle {
		if msg.ToolCall != nil {
			fmt.Fprintf(&transcript, "%s: %s %s\n", msg.Role, msg.ToolCall.Name, msg.ToolCall.Args)
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	req := func() *llm.Request {
		return &llm.Request{
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: "Summarize this agent transcript in one paragraph, keeping file names, decisions, and results:\n\n" + transcript.String(),
			}},
			MaxTokens: 400,
		}
	}

	if completion, err := l.llms.CompleteCheap(ctx, req()); err == nil && strings.TrimSpace(completion.Text) != "" {
		return strings.TrimSpace(completion.Text)
	}
	if completion, err := l.llms.Complete(ctx, req()); err == nil && strings.TrimSpace(completion.Text) != "" {
		return strings.TrimSpace(completion.Text)
	}
	l.logger.Warn("compaction summary unavailable, dropping middle history")
	return "(summary unavailable; earlier steps elided)"
}
