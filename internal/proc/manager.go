package proc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/pkg/models"
)

// Defaults for manager limits.
const (
	DefaultMaxPerUser   = 8
	DefaultMaxGlobal    = 64
	DefaultMaxSteps     = 50
	DefaultReapGrace    = 60 * time.Second
	DefaultReapInterval = 60 * time.Second
)

// Runner drives one process's agent loop. Wired by the kernel at
// startup; Run returns when the process has exited.
type Runner interface {
	Run(ctx context.Context, p *Process)
}

// Options configures a Manager.
type Options struct {
	// MaxPerUser caps live processes per owner UID. Zero uses the
	// default.
	MaxPerUser int
	// MaxGlobal caps live processes kernel-wide. Zero uses the
	// default.
	MaxGlobal int
	// DefaultMaxSteps applies when SpawnConfig.MaxSteps is zero.
	DefaultMaxSteps int
	// ReapGrace is how long zombies linger before reaping.
	ReapGrace time.Duration
}

// Manager owns the process table.
type Manager struct {
	mu      sync.RWMutex
	table   map[int]*Process
	nextPID int

	runner    Runner
	sandboxes sandbox.Factory
	bus       *bus.Bus
	clock     clock.Clock
	logger    *slog.Logger
	opts      Options

	baseCtx   context.Context
	baseStop  context.CancelFunc
	loopsDone sync.WaitGroup
}

// NewManager creates an empty process table.
func NewManager(factory sandbox.Factory, eventBus *bus.Bus, clk clock.Clock, logger *slog.Logger, opts Options) *Manager {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = DefaultMaxPerUser
	}
	if opts.MaxGlobal <= 0 {
		opts.MaxGlobal = DefaultMaxGlobal
	}
	if opts.DefaultMaxSteps <= 0 {
		opts.DefaultMaxSteps = DefaultMaxSteps
	}
	if opts.ReapGrace <= 0 {
		opts.ReapGrace = DefaultReapGrace
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		table:     make(map[int]*Process),
		sandboxes: factory,
		bus:       eventBus,
		clock:     clk,
		logger:    logger.With("component", "proc"),
		opts:      opts,
		baseCtx:   ctx,
		baseStop:  stop,
	}
}

// SetRunner wires the agent loop. Must be called before Spawn.
func (m *Manager) SetRunner(r Runner) { m.runner = r }

// Spawn admits a new process, provisions its sandbox, and starts its
// loop. Returns the new table entry.
func (m *Manager) Spawn(ctx context.Context, cfg models.SpawnConfig) (*Process, error) {
	if strings.TrimSpace(cfg.OwnerUID) == "" {
		return nil, errors.New("proc: spawn requires an owner UID")
	}
	if strings.TrimSpace(cfg.Goal) == "" {
		return nil, errors.New("proc: spawn requires a goal")
	}
	if cfg.Role == "" {
		cfg.Role = "Assistant"
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = m.opts.DefaultMaxSteps
	}
	if m.runner == nil {
		return nil, errors.New("proc: no runner wired")
	}

	m.mu.Lock()
	live, userLive := 0, 0
	for _, p := range m.table {
		if p.State() == models.StateDead {
			continue
		}
		live++
		if p.ownerUID == cfg.OwnerUID {
			userLive++
		}
	}
	if userLive >= m.opts.MaxPerUser {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: user %s has %d live processes", ErrQuota, cfg.OwnerUID, userLive)
	}
	if live >= m.opts.MaxGlobal {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: kernel at capacity (%d)", ErrQuota, live)
	}
	m.nextPID++
	pid := m.nextPID
	m.mu.Unlock()

	sb, err := m.sandboxes.Acquire(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("proc: sandbox for pid %d: %w", pid, err)
	}

	loopCtx, cancel := context.WithCancel(m.baseCtx)
	p := &Process{
		pid:       pid,
		ownerUID:  cfg.OwnerUID,
		role:      cfg.Role,
		goal:      cfg.Goal,
		plan:      cfg.Plan,
		model:     cfg.Model,
		state:     models.StateRunning,
		phase:     models.PhaseBooting,
		maxSteps:  maxSteps,
		createdAt: m.clock.Now(),
		logs:      newLogRing(logRingSize),
		sandbox:   sb,
		cancel:    cancel,
	}
	p.onStateChange = m.publishStateChange

	m.mu.Lock()
	m.table[pid] = p
	m.mu.Unlock()

	m.bus.Publish(models.TopicProcessSpawned, models.ProcessEvent{
		PID:      pid,
		OwnerUID: cfg.OwnerUID,
		Role:     cfg.Role,
		Goal:     cfg.Goal,
		State:    models.StateRunning,
	})
	m.logger.Info("process spawned", "pid", pid, "owner_uid", cfg.OwnerUID, "role", cfg.Role)

	m.loopsDone.Add(1)
	go func() {
		defer m.loopsDone.Done()
		m.runner.Run(loopCtx, p)
	}()

	return p, nil
}

// Get returns a table entry.
func (m *Manager) Get(pid int) (*Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.table[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return p, nil
}

// List snapshots all table entries ordered by PID.
func (m *Manager) List() []models.ProcessInfo {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.table))
	for _, p := range m.table {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].pid < procs[j].pid })
	out := make([]models.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	return out
}

// Kill terminates a process. The loop observes the cancelled context
// and records the killed outcome.
func (m *Manager) Kill(pid int, by string) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("%w: pid %d already %s", ErrInvalidState, pid, p.state)
	}
	p.outcome = models.OutcomeKilled
	p.mu.Unlock()

	p.cancel()
	m.logger.Info("process killed", "pid", pid, "by", by)
	return nil
}

// Pause suspends a running or sleeping process.
func (m *Manager) Pause(pid int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.paused != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.transition(models.StatePaused); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// Resume lifts a pause.
func (m *Manager) Resume(pid int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	gate := p.paused
	p.mu.Unlock()
	if gate == nil {
		return fmt.Errorf("%w: pid %d is not paused", ErrInvalidState, pid)
	}
	if err := p.transition(models.StateRunning); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = nil
	p.mu.Unlock()
	close(gate)
	return nil
}

// SendUserMessage queues a user message for the process and announces
// it on the bus.
func (m *Manager) SendUserMessage(pid int, fromUID, text string) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if p.State().Terminal() {
		return fmt.Errorf("%w: pid %d has exited", ErrInvalidState, pid)
	}
	p.EnqueueUser(models.MailboxMessage{
		Text:      text,
		FromUID:   fromUID,
		Timestamp: m.clock.Now(),
	})
	m.bus.Publish(models.TopicAgentMessage, models.MessageEvent{PID: pid, FromUID: fromUID})
	return nil
}

// SendIPC queues an agent-to-agent message on the named channel.
func (m *Manager) SendIPC(_ context.Context, fromPID, toPID int, channel string, payload json.RawMessage) error {
	from, err := m.Get(fromPID)
	if err != nil {
		return err
	}
	to, err := m.Get(toPID)
	if err != nil {
		return err
	}
	if to.State().Terminal() {
		return fmt.Errorf("%w: pid %d has exited", ErrInvalidState, toPID)
	}
	to.EnqueueIPC(models.MailboxMessage{
		Payload:   payload,
		Channel:   channel,
		FromPID:   fromPID,
		FromUID:   from.ownerUID,
		Timestamp: m.clock.Now(),
	})
	m.bus.Publish(models.TopicAgentMessage, models.MessageEvent{PID: toPID, FromPID: fromPID, FromUID: from.ownerUID, Channel: channel})
	return nil
}

// ListAgents snapshots the table for the multi-agent tools.
func (m *Manager) ListAgents(_ context.Context) []models.ProcessInfo {
	return m.List()
}

// Delegate spawns a sub-agent on behalf of a running process.
func (m *Manager) Delegate(ctx context.Context, fromPID int, cfg models.SpawnConfig) (int, error) {
	if _, err := m.Get(fromPID); err != nil {
		return 0, err
	}
	p, err := m.Spawn(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return p.PID(), nil
}

// Exit marks a process as exited. Called by the agent loop on its way
// out. The sandbox is released here; the table entry lingers as a
// zombie until reaped.
func (m *Manager) Exit(p *Process, outcome string, code int) {
	p.mu.Lock()
	if p.state == models.StateZombie || p.state == models.StateDead {
		p.mu.Unlock()
		return
	}
	if p.outcome == "" {
		p.outcome = outcome
	}
	finalOutcome := p.outcome
	// A paused or stopped process can still be killed; clear the gate
	// so nothing blocks on it.
	if p.paused != nil {
		close(p.paused)
		p.paused = nil
	}
	p.exitedAt = m.clock.Now()
	p.mu.Unlock()

	_ = p.transition(models.StateZombie)
	p.SetPhase(phaseForOutcome(finalOutcome))
	if err := p.sandbox.Release(); err != nil {
		m.logger.Warn("sandbox release failed", "pid", p.pid, "error", err)
	}

	m.bus.Publish(models.TopicProcessExit, models.ProcessEvent{
		PID:      p.pid,
		OwnerUID: p.ownerUID,
		State:    models.StateZombie,
		ExitCode: code,
		Reason:   finalOutcome,
	})
	m.logger.Info("process exited", "pid", p.pid, "outcome", finalOutcome)
}

func phaseForOutcome(outcome string) models.ProcessPhase {
	if outcome == models.OutcomeSuccess {
		return models.PhaseCompleted
	}
	return models.PhaseFailed
}

// Reap transitions zombies past the grace period to dead and drops
// them from the table. Returns the number reaped.
func (m *Manager) Reap() int {
	cutoff := m.clock.Now().Add(-m.opts.ReapGrace)

	m.mu.RLock()
	var victims []*Process
	for _, p := range m.table {
		p.mu.Lock()
		if p.state == models.StateZombie && p.exitedAt.Before(cutoff) {
			victims = append(victims, p)
		}
		p.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, p := range victims {
		if err := p.transition(models.StateDead); err != nil {
			continue
		}
		m.mu.Lock()
		delete(m.table, p.pid)
		m.mu.Unlock()
		m.logger.Debug("process reaped", "pid", p.pid)
	}
	return len(victims)
}

// CountByState tallies live processes for metrics.
func (m *Manager) CountByState() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range m.table {
		out[string(p.State())]++
	}
	return out
}

// Shutdown cancels every loop and waits for them to unwind.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.baseStop()
	done := make(chan struct{})
	go func() {
		m.loopsDone.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publishStateChange(p *Process, from, to models.ProcessState) {
	m.bus.Publish(models.TopicProcessStateChange, models.ProcessEvent{
		PID:      p.pid,
		OwnerUID: p.ownerUID,
		State:    to,
		Reason:   string(from),
	})
}
