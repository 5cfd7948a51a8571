// Package agent drives the think-act-observe loop for one process:
// mailbox intake, LLM decisions, approval gating, injection guarding,
// tool execution, journaling, and completion.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/guard"
	"github.com/haasonsaas/aether/internal/llm"
	"github.com/haasonsaas/aether/internal/memory"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/internal/tools"
	"github.com/haasonsaas/aether/pkg/models"
)

// Loop timing and bounds.
const (
	DefaultStepInterval        = time.Second
	DefaultApprovalTimeout     = 300 * time.Second
	DefaultContinuationTimeout = 300 * time.Second
	DefaultObservationLimit    = 4096
)

// aliases maps tool names models commonly invent onto the canonical
// catalog.
var aliases = map[string]string{
	"finish":        "complete",
	"done":          "complete",
	"bash":          "run_command",
	"shell":         "run_command",
	"exec":          "run_command",
	"write":         "write_file",
	"read":          "read_file",
	"ls":            "list_files",
	"remember_fact": "remember",
}

// Options tunes the loop. Zero values select defaults.
type Options struct {
	StepInterval        time.Duration
	ApprovalTimeout     time.Duration
	ContinuationTimeout time.Duration
	// ObservationLimit truncates tool output fed back into history.
	ObservationLimit int
	// ContextMemories seeds the system prompt with top-K recalls.
	ContextMemories int
	Compaction      CompactionOptions
}

func (o *Options) defaults() {
	if o.StepInterval <= 0 {
		o.StepInterval = DefaultStepInterval
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = DefaultApprovalTimeout
	}
	if o.ContinuationTimeout <= 0 {
		o.ContinuationTimeout = DefaultContinuationTimeout
	}
	if o.ObservationLimit < DefaultObservationLimit {
		o.ObservationLimit = DefaultObservationLimit
	}
	if o.ContextMemories <= 0 {
		o.ContextMemories = 10
	}
	o.Compaction.defaults()
}

// Loop runs agent processes. One Loop serves all processes; per-run
// state lives on the stack of Run.
type Loop struct {
	mgr      *proc.Manager
	registry *tools.Registry
	llms     *llm.Set
	memory   *memory.Store
	bus      *bus.Bus
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options
}

// New wires a loop runner. memory may be nil; journaling and context
// recall are skipped without it.
func New(mgr *proc.Manager, registry *tools.Registry, llms *llm.Set, mem *memory.Store, eventBus *bus.Bus, clk clock.Clock, logger *slog.Logger, opts Options) *Loop {
	opts.defaults()
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		mgr:      mgr,
		registry: registry,
		llms:     llms,
		memory:   mem,
		bus:      eventBus,
		clock:    clk,
		logger:   logger.With("component", "agent"),
		opts:     opts,
	}
}

// Run drives p until completion, kill, or failure. Satisfies
// proc.Runner.
func (l *Loop) Run(ctx context.Context, p *proc.Process) {
	log := l.logger.With("pid", p.PID(), "owner_uid", p.OwnerUID())
	started := l.clock.Now()

	system := l.systemPrompt(ctx, p)
	var history []llm.Message
	history = append(history, llm.Message{
		Role:    llm.RoleUser,
		Content: "Begin working toward your goal. Think first, then act.",
	})

	for {
		// Abort check.
		if ctx.Err() != nil || p.State().Terminal() {
			l.finish(p, exitOutcome(p), 1, started, "")
			return
		}

		if err := p.WaitWhilePaused(ctx); err != nil {
			l.finish(p, exitOutcome(p), 1, started, "")
			return
		}

		history = append(history, l.drainMailbox(p)...)

		history = l.maybeCompact(ctx, p, system, history)

		// Think.
		p.SetPhase(models.PhaseThinking)
		completion, err := l.llms.Complete(ctx, &llm.Request{
			Model:    p.Model(),
			System:   system,
			Messages: history,
			Tools:    l.registry.Specs(),
		})
		if err != nil {
			if ctx.Err() != nil {
				l.finish(p, exitOutcome(p), 1, started, "")
				return
			}
			log.Error("completion failed", "error", err)
			p.AppendLog(models.LogSystem, "llm failure: "+err.Error(), l.clock.Now())
			l.finish(p, models.OutcomeFailed, 1, started, "llm failure: "+err.Error())
			return
		}

		call, native := l.decide(completion)

		thought := completion.Text
		if thought == "" {
			thought = fmt.Sprintf("calling %s", call.Name)
		}
		p.AppendLog(models.LogThought, thought, l.clock.Now())
		l.bus.Publish(models.TopicAgentThought, models.ThoughtEvent{
			PID: p.PID(), OwnerUID: p.OwnerUID(), Step: p.Step(), Thought: thought,
		})

		// Alias normalization, then existence check.
		name := call.Name
		if canonical, ok := aliases[name]; ok {
			name = canonical
		}
		tool, known := l.registry.Get(name)
		if !known {
			history = l.observe(p, history, call, native, fmt.Sprintf("Error: unknown tool %q. Choose one from the catalog.", call.Name), false)
			if l.advance(ctx, p, started) {
				continue
			}
			return
		}
		call.Name = name

		// Approval gate.
		if tool.RequiresApproval {
			approved, aborted := l.awaitApproval(ctx, p, call)
			if aborted {
				l.finish(p, exitOutcome(p), 1, started, "")
				return
			}
			if !approved {
				history = l.observe(p, history, call, native, "Approval denied for "+call.Name+". Pick a different course of action.", false)
				if l.advance(ctx, p, started) {
					continue
				}
				return
			}
		}

		// Injection guard.
		if verdict := guard.Check(call.Name, call.Args); !verdict.Safe {
			l.bus.Publish(models.TopicAgentInjection, models.InjectionEvent{
				PID: p.PID(), Tool: call.Name, Reason: verdict.Reason,
			})
			history = l.observe(p, history, call, native, "Injection blocked: "+verdict.Reason, false)
			if l.advance(ctx, p, started) {
				continue
			}
			return
		}

		// Act.
		p.SetPhase(models.PhaseExecuting)
		l.bus.Publish(models.TopicAgentAction, models.ActionEvent{
			PID: p.PID(), OwnerUID: p.OwnerUID(), Step: p.Step(), Tool: call.Name, Args: call.Args,
		})
		p.AppendLog(models.LogAction, call.Name+" "+string(call.Args), l.clock.Now())

		output, execErr := l.registry.Execute(ctx, call.Name, tools.Invocation{
			PID:      p.PID(),
			OwnerUID: p.OwnerUID(),
			Args:     call.Args,
			Sandbox:  p.Sandbox(),
		})
		if ctx.Err() != nil {
			l.finish(p, exitOutcome(p), 1, started, "")
			return
		}

		// Observe.
		success := execErr == nil
		observation := output
		if execErr != nil {
			observation = "Error: " + execErr.Error()
		}
		history = l.observe(p, history, call, native, observation, success)

		l.journal(p, call.Name, observation, success)

		if call.Name == "complete" && success {
			summary := output
			// The completing step never reaches advance, so count it
			// here.
			steps := p.IncStep()
			l.bus.Publish(models.TopicAgentCompleted, models.CompletedEvent{
				PID:      p.PID(),
				OwnerUID: p.OwnerUID(),
				Outcome:  models.OutcomeSuccess,
				Steps:    steps,
				Duration: l.clock.Now().Sub(started),
				Summary:  summary,
			})
			l.reflect(p, summary)
			l.mgr.Exit(p, models.OutcomeSuccess, 0)
			return
		}

		if l.advance(ctx, p, started) {
			continue
		}
		return
	}
}

// decide reduces a completion to one tool call. Native tool calls pass
// through; text is attempted as a JSON {tool, args, reasoning} object;
// anything else becomes a think call.
func (l *Loop) decide(completion *llm.Completion) (llm.ToolCall, bool) {
	if completion.ToolCall != nil {
		return *completion.ToolCall, true
	}

	text := strings.TrimSpace(completion.Text)
	var parsed struct {
		Tool      string          `json:"tool"`
		Args      json.RawMessage `json:"args"`
		Reasoning string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Tool != "" {
		args := parsed.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return llm.ToolCall{Name: parsed.Tool, Args: args}, false
	}

	thought, _ := json.Marshal(map[string]string{"thought": text})
	return llm.ToolCall{Name: "think", Args: thought}, false
}

// observe truncates and records a tool result, appends it to history,
// and emits agent.observation. Native calls round-trip through the
// provider's tool-result format; synthesized ones use plain turns.
func (l *Loop) observe(p *proc.Process, history []llm.Message, call llm.ToolCall, native bool, output string, success bool) []llm.Message {
	p.SetPhase(models.PhaseObserving)

	if len(output) > l.opts.ObservationLimit {
		output = output[:l.opts.ObservationLimit] + "\n[output truncated]"
	}

	if native {
		history = append(history,
			llm.Message{Role: llm.RoleAssistant, ToolCall: &call},
			llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: output},
		)
	} else {
		history = append(history,
			llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf(`{"tool":%q,"args":%s}`, call.Name, rawOrEmpty(call.Args))},
			llm.Message{Role: llm.RoleUser, Content: "[Observation] " + output},
		)
	}

	p.AppendLog(models.LogObservation, output, l.clock.Now())
	l.bus.Publish(models.TopicAgentObservation, models.ObservationEvent{
		PID: p.PID(), OwnerUID: p.OwnerUID(), Step: p.Step(), Tool: call.Name, Output: output, Success: success,
	})
	return history
}

func rawOrEmpty(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}

// awaitApproval blocks on a human decision for one tool call. Returns
// (approved, aborted).
func (l *Loop) awaitApproval(ctx context.Context, p *proc.Process, call llm.ToolCall) (bool, bool) {
	p.SetPhase(models.PhaseWaiting)
	decisions := p.BeginApproval()
	defer p.EndApproval()

	l.bus.Publish(models.TopicProcessApproval, models.ApprovalEvent{
		PID: p.PID(), OwnerUID: p.OwnerUID(), Tool: call.Name, Args: call.Args,
	})

	select {
	case d := <-decisions:
		topic := models.TopicAgentRejected
		if d.Approved {
			topic = models.TopicAgentApproved
		}
		l.bus.Publish(topic, models.ApprovalEvent{
			PID: p.PID(), OwnerUID: p.OwnerUID(), Tool: call.Name, By: d.By,
		})
		return d.Approved, false
	case <-time.After(l.opts.ApprovalTimeout):
		l.bus.Publish(models.TopicAgentRejected, models.ApprovalEvent{
			PID: p.PID(), OwnerUID: p.OwnerUID(), Tool: call.Name, By: "timeout",
		})
		return false, false
	case <-ctx.Done():
		return false, true
	}
}

// advance counts the step, handles the step limit, and sleeps the
// inter-step interval. Returns false when the loop must exit.
func (l *Loop) advance(ctx context.Context, p *proc.Process, started time.Time) bool {
	step := p.IncStep()
	l.bus.Publish(models.TopicAgentProgress, models.ProgressEvent{
		PID: p.PID(), OwnerUID: p.OwnerUID(), Step: step, MaxSteps: p.MaxSteps(),
	})

	if step >= p.MaxSteps() {
		if !l.awaitContinuation(ctx, p) {
			l.bus.Publish(models.TopicAgentCompleted, models.CompletedEvent{
				PID:      p.PID(),
				OwnerUID: p.OwnerUID(),
				Outcome:  models.OutcomeTimeout,
				Steps:    p.Step(),
				Duration: l.clock.Now().Sub(started),
			})
			l.mgr.Exit(p, models.OutcomeTimeout, 1)
			return false
		}
	}

	select {
	case <-time.After(l.opts.StepInterval):
		return true
	case <-ctx.Done():
		l.finish(p, exitOutcome(p), 1, started, "")
		return false
	}
}

// awaitContinuation parks a process at its step limit until a
// continuation arrives or the window closes. Returns true to keep
// looping.
func (l *Loop) awaitContinuation(ctx context.Context, p *proc.Process) bool {
	l.bus.Publish(models.TopicAgentStepLimit, models.StepLimitEvent{
		PID: p.PID(), MaxSteps: p.MaxSteps(),
	})
	if err := p.Transition(models.StateStopped); err != nil {
		return false
	}
	p.SetPhase(models.PhaseWaiting)

	continuations := p.BeginContinuation()
	defer p.EndContinuation()

	select {
	case extra := <-continuations:
		if extra <= 0 {
			extra = 10
		}
		p.ExtendSteps(extra)
		if err := p.Transition(models.StateRunning); err != nil {
			return false
		}
		p.SetPhase(models.PhaseThinking)
		l.bus.Publish(models.TopicAgentContinued, models.ContinuedEvent{
			PID: p.PID(), ExtraSteps: extra,
		})
		return true
	case <-time.After(l.opts.ContinuationTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// drainMailbox converts queued messages into user turns.
func (l *Loop) drainMailbox(p *proc.Process) []llm.Message {
	msgs := p.DrainMailbox()
	if len(msgs) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		text := msg.Text
		if text == "" && len(msg.Payload) > 0 {
			// IPC payloads are arbitrary JSON; bare strings read better
			// unquoted.
			var s string
			if err := json.Unmarshal(msg.Payload, &s); err == nil {
				text = s
			} else {
				text = string(msg.Payload)
			}
		}
		prefix := "[User Message] "
		if msg.FromPID != 0 {
			prefix = fmt.Sprintf("[Agent Message from PID %d] ", msg.FromPID)
			if msg.Channel != "" {
				prefix = fmt.Sprintf("[Agent Message from PID %d on %s] ", msg.FromPID, msg.Channel)
			}
		}
		out = append(out, llm.Message{Role: llm.RoleUser, Content: prefix + text})
	}
	return out
}

// journal records an episodic memory for a successful non-think step.
func (l *Loop) journal(p *proc.Process, tool, observation string, success bool) {
	if l.memory == nil || !success || tool == "think" {
		return
	}
	importance := 0.3
	if tool == "complete" {
		importance = 0.8
	}
	content := fmt.Sprintf("Step %d used %s: %s", p.Step(), tool, observation)
	if len(content) > 500 {
		content = content[:500]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.memory.Store(ctx, &models.MemoryRecord{
		AgentUID:   p.OwnerUID(),
		Layer:      models.LayerEpisodic,
		Content:    content,
		Tags:       []string{"auto-journal", tool},
		Importance: importance,
		SourcePID:  p.PID(),
	})
	if err != nil {
		l.logger.Warn("journal failed", "pid", p.PID(), "error", err)
	}
}

// reflect asks the cheap model for a short self-assessment and stores
// it. Fire-and-forget; failures never affect the finished run.
func (l *Loop) reflect(p *proc.Process, summary string) {
	if l.memory == nil {
		return
	}
	uid := p.OwnerUID()
	goal := p.Goal()
	steps := p.Step()
	pid := p.PID()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		if err := l.memory.RecordOutcome(ctx, uid, true, steps); err != nil {
			l.logger.Warn("profile update failed", "pid", pid, "error", err)
		}

		prompt := fmt.Sprintf(
			"You just finished an agent run.\nGoal: %s\nResult: %s\nSteps used: %d\n\nWrite a one-paragraph self-assessment: what worked, what to do differently next time.",
			goal, summary, steps,
		)
		completion, err := l.llms.CompleteCheap(ctx, &llm.Request{
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens: 300,
		})
		if err != nil {
			l.logger.Warn("reflection failed", "pid", pid, "error", err)
			return
		}
		if strings.TrimSpace(completion.Text) == "" {
			l.logger.Warn("reflection returned no text", "pid", pid)
			return
		}
		if _, err := l.memory.Store(ctx, &models.MemoryRecord{
			AgentUID:   uid,
			Layer:      models.LayerSemantic,
			Content:    completion.Text,
			Tags:       []string{"reflection"},
			Importance: 0.6,
			SourcePID:  pid,
		}); err != nil {
			l.logger.Warn("reflection store failed", "pid", pid, "error", err)
		}
	}()
}

// finish ends a run that did not complete through the complete tool.
func (l *Loop) finish(p *proc.Process, outcome string, code int, started time.Time, summary string) {
	if outcome == models.OutcomeFailed && summary != "" {
		l.bus.Publish(models.TopicAgentCompleted, models.CompletedEvent{
			PID:      p.PID(),
			OwnerUID: p.OwnerUID(),
			Outcome:  outcome,
			Steps:    p.Step(),
			Duration: l.clock.Now().Sub(started),
			Summary:  summary,
		})
	}
	if l.memory != nil && outcome != models.OutcomeSuccess {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.memory.RecordOutcome(ctx, p.OwnerUID(), false, p.Step()); err != nil {
			l.logger.Warn("profile update failed", "pid", p.PID(), "error", err)
		}
		cancel()
	}
	l.mgr.Exit(p, outcome, code)
}

// exitOutcome picks the outcome for an aborted run: a kill already
// stamped the process, anything else is a failure.
func exitOutcome(p *proc.Process) string {
	if o := p.Outcome(); o != "" {
		return o
	}
	return models.OutcomeFailed
}
