package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/aether/internal/proc"
)

// systemPrompt assembles the deterministic system prompt: identity,
// environment, tool catalog, rules, then optional profile, recalled
// memories, and plan.
func (l *Loop) systemPrompt(ctx context.Context, p *proc.Process) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous agent process (PID %d) running on the Aether kernel.\n", p.Role(), p.PID())
	fmt.Fprintf(&b, "Your goal: %s\n\n", p.Goal())

	b.WriteString("## Environment\n")
	b.WriteString("You work in a think-act-observe loop: reason about the next step, invoke exactly one tool, then read its result before deciding again.\n")
	fmt.Fprintf(&b, "Your workspace is an isolated directory at %s. The operator can inspect everything you write there.\n", p.Sandbox().Workdir())
	b.WriteString("Messages from your user or from other agents may arrive between steps; address them when they do.\n\n")

	b.WriteString("## Tools\n")
	for _, tool := range l.registry.List() {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	b.WriteString("\n")

	b.WriteString("## Rules\n")
	b.WriteString("- Call one tool per step, always with complete JSON arguments.\n")
	b.WriteString("- Example: {\"tool\": \"write_file\", \"args\": {\"path\": \"notes.md\", \"content\": \"# Findings\"}}\n")
	b.WriteString("- Never call a tool with empty arguments when its schema requires fields.\n")
	b.WriteString("- Some tools pause for human approval; continue with other work is not possible while waiting, so request them deliberately.\n")
	b.WriteString("- When the goal is achieved, call complete with a result summary. That ends the session.\n")

	if l.memory != nil {
		if profile, err := l.memory.Profile(ctx, p.OwnerUID()); err == nil && profile.TotalTasks > 0 {
			b.WriteString("\n## Your track record\n")
			fmt.Fprintf(&b, "Completed tasks: %d (%d successful), total steps: %d.\n",
				profile.TotalTasks, profile.SuccessfulTasks, profile.TotalSteps)
			if len(profile.Expertise) > 0 {
				fmt.Fprintf(&b, "Expertise: %s.\n", strings.Join(profile.Expertise, ", "))
			}
		}

		if records, err := l.memory.ForContext(ctx, p.OwnerUID(), p.Goal(), l.opts.ContextMemories); err == nil && len(records) > 0 {
			b.WriteString("\n## Relevant memories\n")
			for _, rec := range records {
				fmt.Fprintf(&b, "- (%s) %s\n", rec.Layer, rec.Content)
			}
		}
	}

	if plan := p.Plan(); plan != "" {
		b.WriteString("\n## Active plan\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}

	return b.String()
}
