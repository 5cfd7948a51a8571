// Package proc implements the kernel's process table: spawn, signal,
// pause, resume, and reap agent processes. The think-act-observe loop
// itself lives in the agent package; proc owns lifecycle and state.
package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/pkg/models"
)

// Lifecycle errors.
var (
	ErrNotFound     = errors.New("proc: no such process")
	ErrInvalidState = errors.New("proc: invalid state transition")
	ErrQuota        = errors.New("proc: process quota exceeded")
	ErrNoApproval   = errors.New("proc: no approval pending")
	ErrNotStopped   = errors.New("proc: process is not stopped")
)

// logRingSize bounds the per-process log.
const logRingSize = 1000

// Decision resolves a pending approval.
type Decision struct {
	Approved bool
	By       string
}

// Process is one process table entry. All mutating access goes through
// methods; the manager and the agent loop share entries.
type Process struct {
	mu sync.Mutex

	pid      int
	ownerUID string
	role     string
	goal     string
	plan     string
	model    string

	state    models.ProcessState
	phase    models.ProcessPhase
	step     int
	maxSteps int

	createdAt time.Time
	exitedAt  time.Time
	outcome   string

	logs    *logRing
	userbox []models.MailboxMessage
	ipcbox  []models.MailboxMessage

	sandbox sandbox.Sandbox
	cancel  context.CancelFunc

	paused   chan struct{} // closed when not paused
	approval chan Decision // non-nil while an approval is pending
	cont     chan int      // non-nil while stopped at the step limit

	onStateChange func(p *Process, from, to models.ProcessState)
}

// PID returns the process identifier. PIDs are never reused.
func (p *Process) PID() int { return p.pid }

// OwnerUID returns the user the process runs for.
func (p *Process) OwnerUID() string { return p.ownerUID }

// Role returns the agent persona.
func (p *Process) Role() string { return p.role }

// Goal returns the objective.
func (p *Process) Goal() string { return p.goal }

// Plan returns the optional plan markdown.
func (p *Process) Plan() string { return p.plan }

// Model returns the pinned model, empty for router selection.
func (p *Process) Model() string { return p.model }

// Sandbox returns the process workspace.
func (p *Process) Sandbox() sandbox.Sandbox { return p.sandbox }

// Info snapshots the table entry.
func (p *Process) Info() models.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.ProcessInfo{
		PID:       p.pid,
		OwnerUID:  p.ownerUID,
		Role:      p.role,
		Goal:      p.goal,
		State:     p.state,
		Phase:     p.phase,
		Step:      p.step,
		MaxSteps:  p.maxSteps,
		CreatedAt: p.createdAt,
	}
}

// State returns the current scheduler state.
func (p *Process) State() models.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Outcome returns the exit outcome, empty while alive.
func (p *Process) Outcome() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Step returns the current loop step.
func (p *Process) Step() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// MaxSteps returns the step budget.
func (p *Process) MaxSteps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSteps
}

// IncStep advances the loop step counter and returns the new value.
func (p *Process) IncStep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.step++
	return p.step
}

// ExtendSteps raises the step budget by n.
func (p *Process) ExtendSteps(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSteps += n
}

// SetPhase updates the advisory loop phase.
func (p *Process) SetPhase(phase models.ProcessPhase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// validTransitions encodes the state machine. zombie → dead is handled
// by the reaper; dead is terminal.
var validTransitions = map[models.ProcessState][]models.ProcessState{
	models.StateRunning:  {models.StateSleeping, models.StateStopped, models.StatePaused, models.StateZombie},
	models.StateSleeping: {models.StateRunning, models.StateStopped, models.StatePaused, models.StateZombie},
	models.StateStopped:  {models.StateRunning, models.StateZombie},
	models.StatePaused:   {models.StateRunning, models.StateZombie},
	models.StateZombie:   {models.StateDead},
	models.StateDead:     {},
}

// transition moves the process to the target state, enforcing the
// state machine.
func (p *Process) transition(to models.ProcessState) error {
	p.mu.Lock()
	from := p.state
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (pid %d)", ErrInvalidState, from, to, p.pid)
	}
	p.state = to
	hook := p.onStateChange
	p.mu.Unlock()

	if hook != nil {
		hook(p, from, to)
	}
	return nil
}

// Transition moves the process between scheduler states, enforcing
// the state machine.
func (p *Process) Transition(to models.ProcessState) error { return p.transition(to) }

// AppendLog adds a line to the bounded log ring.
func (p *Process) AppendLog(kind models.LogType, message string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs.append(models.LogEntry{Timestamp: at, Type: kind, Message: message})
}

// Logs returns up to n most recent log entries, oldest first.
func (p *Process) Logs(n int) []models.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logs.tail(n)
}

// EnqueueUser appends a user message to the mailbox.
func (p *Process) EnqueueUser(msg models.MailboxMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userbox = append(p.userbox, msg)
}

// EnqueueIPC appends an agent-to-agent message to the mailbox.
func (p *Process) EnqueueIPC(msg models.MailboxMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ipcbox = append(p.ipcbox, msg)
}

// DrainMailbox returns and clears all queued messages, user messages
// before IPC messages, each queue in arrival order.
func (p *Process) DrainMailbox() []models.MailboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.userbox) == 0 && len(p.ipcbox) == 0 {
		return nil
	}
	out := make([]models.MailboxMessage, 0, len(p.userbox)+len(p.ipcbox))
	out = append(out, p.userbox...)
	out = append(out, p.ipcbox...)
	p.userbox = nil
	p.ipcbox = nil
	return out
}

// WaitWhilePaused blocks while the process is paused. Returns the
// context error if ctx ends first.
func (p *Process) WaitWhilePaused(ctx context.Context) error {
	for {
		p.mu.Lock()
		gate := p.paused
		p.mu.Unlock()
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BeginApproval registers a pending approval and returns the channel
// the decision arrives on.
func (p *Process) BeginApproval() <-chan Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approval = make(chan Decision, 1)
	return p.approval
}

// EndApproval clears the pending approval.
func (p *Process) EndApproval() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approval = nil
}

// Resolve delivers an approval decision. Fails when nothing is
// pending.
func (p *Process) Resolve(d Decision) error {
	p.mu.Lock()
	ch := p.approval
	p.approval = nil
	p.mu.Unlock()
	if ch == nil {
		return ErrNoApproval
	}
	ch <- d
	return nil
}

// BeginContinuation registers the step-limit wait and returns the
// channel extra steps arrive on.
func (p *Process) BeginContinuation() <-chan int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cont = make(chan int, 1)
	return p.cont
}

// EndContinuation clears the continuation wait.
func (p *Process) EndContinuation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cont = nil
}

// Continue delivers extra steps to a process stopped at its step
// limit.
func (p *Process) Continue(extraSteps int) error {
	p.mu.Lock()
	ch := p.cont
	p.cont = nil
	p.mu.Unlock()
	if ch == nil {
		return ErrNotStopped
	}
	ch <- extraSteps
	return nil
}
