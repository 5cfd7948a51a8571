package proc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/pkg/models"
)

// nullSandbox satisfies sandbox.Sandbox without any backing resources.
type nullSandbox struct{}

func (nullSandbox) Workdir() string                                   { return "/dev/null" }
func (nullSandbox) ReadFile(context.Context, string) (string, error)  { return "", nil }
func (nullSandbox) WriteFile(context.Context, string, string) error   { return nil }
func (nullSandbox) ListDir(context.Context, string) ([]string, error) { return nil, nil }
func (nullSandbox) Mkdir(context.Context, string) error               { return nil }
func (nullSandbox) Exec(context.Context, string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (nullSandbox) Navigate(context.Context, string) error          { return nil }
func (nullSandbox) Click(context.Context, string) (string, error)   { return "", nil }
func (nullSandbox) PageText(context.Context) (string, error)        { return "", nil }
func (nullSandbox) Release() error                                  { return nil }

type nullFactory struct{ fail bool }

func (f nullFactory) Acquire(context.Context, int) (sandbox.Sandbox, error) {
	if f.fail {
		return nil, sandbox.ErrUnavailable
	}
	return nullSandbox{}, nil
}

// idleRunner parks until the context ends, then reports the exit.
type idleRunner struct {
	mgr  *Manager
	mu   sync.Mutex
	runs []int
}

func (r *idleRunner) Run(ctx context.Context, p *Process) {
	r.mu.Lock()
	r.runs = append(r.runs, p.PID())
	r.mu.Unlock()
	<-ctx.Done()
	r.mgr.Exit(p, models.OutcomeFailed, 1)
}

func newManager(t *testing.T, opts Options) (*Manager, *clock.Fake, *idleRunner) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(nullFactory{}, bus.New(slog.Default()), fake, slog.Default(), opts)
	runner := &idleRunner{mgr: m}
	m.SetRunner(runner)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, fake, runner
}

func spawn(t *testing.T, m *Manager, uid string) *Process {
	t.Helper()
	p, err := m.Spawn(context.Background(), models.SpawnConfig{
		OwnerUID: uid,
		Role:     "Researcher",
		Goal:     "find things",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return p
}

func TestSpawnAssignsMonotonicPIDs(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	first := spawn(t, m, "u1")
	second := spawn(t, m, "u1")
	if second.PID() != first.PID()+1 {
		t.Errorf("pids = %d, %d", first.PID(), second.PID())
	}

	// PIDs are not reused after exit and reap.
	if err := m.Kill(first.PID(), "test"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForState(t, first, models.StateZombie)
	third := spawn(t, m, "u1")
	if third.PID() != second.PID()+1 {
		t.Errorf("pid reused: %d", third.PID())
	}
}

func TestSpawnValidation(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	ctx := context.Background()

	if _, err := m.Spawn(ctx, models.SpawnConfig{Goal: "g"}); err == nil {
		t.Error("missing owner should fail")
	}
	if _, err := m.Spawn(ctx, models.SpawnConfig{OwnerUID: "u"}); err == nil {
		t.Error("missing goal should fail")
	}
}

func TestSpawnQuotas(t *testing.T) {
	m, _, _ := newManager(t, Options{MaxPerUser: 2, MaxGlobal: 3})
	ctx := context.Background()

	spawn(t, m, "u1")
	spawn(t, m, "u1")
	_, err := m.Spawn(ctx, models.SpawnConfig{OwnerUID: "u1", Goal: "g"})
	if !errors.Is(err, ErrQuota) {
		t.Fatalf("per-user quota: err = %v", err)
	}

	spawn(t, m, "u2")
	_, err = m.Spawn(ctx, models.SpawnConfig{OwnerUID: "u3", Goal: "g"})
	if !errors.Is(err, ErrQuota) {
		t.Fatalf("global quota: err = %v", err)
	}
}

func TestSpawnSandboxFailure(t *testing.T) {
	m := NewManager(nullFactory{fail: true}, bus.New(slog.Default()), clock.System(), slog.Default(), Options{})
	m.SetRunner(&idleRunner{mgr: m})
	_, err := m.Spawn(context.Background(), models.SpawnConfig{OwnerUID: "u", Goal: "g"})
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestPauseResume(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")

	if err := m.Pause(p.PID()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if p.State() != models.StatePaused {
		t.Errorf("state = %s", p.State())
	}

	// WaitWhilePaused blocks until Resume.
	released := make(chan struct{})
	go func() {
		_ = p.WaitWhilePaused(context.Background())
		close(released)
	}()
	select {
	case <-released:
		t.Fatal("WaitWhilePaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Resume(p.PID()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitWhilePaused did not release")
	}

	if err := m.Resume(p.PID()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume unpaused: err = %v", err)
	}
}

func TestKillTransitionsToZombieWithKilledOutcome(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")

	if err := m.Kill(p.PID(), "admin"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForState(t, p, models.StateZombie)
	if p.Outcome() != models.OutcomeKilled {
		t.Errorf("outcome = %s", p.Outcome())
	}

	if err := m.Kill(p.PID(), "admin"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double kill: err = %v", err)
	}
}

func TestReap(t *testing.T) {
	m, fake, _ := newManager(t, Options{ReapGrace: time.Minute})
	p := spawn(t, m, "u1")

	if err := m.Kill(p.PID(), "test"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForState(t, p, models.StateZombie)

	if n := m.Reap(); n != 0 {
		t.Fatalf("reaped %d inside grace period", n)
	}

	fake.Advance(2 * time.Minute)
	if n := m.Reap(); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if p.State() != models.StateDead {
		t.Errorf("state = %s", p.State())
	}
	if _, err := m.Get(p.PID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("reaped process still in table")
	}
}

func TestMailboxOrdering(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	a := spawn(t, m, "u1")
	b := spawn(t, m, "u1")

	if err := m.SendIPC(context.Background(), b.PID(), a.PID(), "tasks", json.RawMessage(`"from peer"`)); err != nil {
		t.Fatalf("SendIPC: %v", err)
	}
	if err := m.SendUserMessage(a.PID(), "u1", "from user"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	msgs := a.DrainMailbox()
	if len(msgs) != 2 {
		t.Fatalf("drained %d messages", len(msgs))
	}
	// User messages come first even when queued later.
	if msgs[0].Text != "from user" || msgs[0].FromUID != "u1" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if string(msgs[1].Payload) != `"from peer"` || msgs[1].FromPID != b.PID() || msgs[1].Channel != "tasks" {
		t.Errorf("second message = %+v", msgs[1])
	}

	if got := a.DrainMailbox(); got != nil {
		t.Errorf("second drain = %v, want nil", got)
	}
}

func TestSendToDeadProcessFails(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")
	if err := m.Kill(p.PID(), "test"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForState(t, p, models.StateZombie)

	if err := m.SendUserMessage(p.PID(), "u1", "hello?"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")

	if err := p.Resolve(Decision{Approved: true}); !errors.Is(err, ErrNoApproval) {
		t.Fatalf("Resolve without pending: %v", err)
	}

	ch := p.BeginApproval()
	if err := p.Resolve(Decision{Approved: true, By: "admin"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case d := <-ch:
		if !d.Approved || d.By != "admin" {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("decision not delivered")
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")

	if err := p.Continue(10); !errors.Is(err, ErrNotStopped) {
		t.Fatalf("Continue without pending: %v", err)
	}

	ch := p.BeginContinuation()
	if err := p.Continue(10); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	select {
	case n := <-ch:
		if n != 10 {
			t.Errorf("extra steps = %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation not delivered")
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	p := spawn(t, m, "u1")

	if err := p.Transition(models.StateDead); !errors.Is(err, ErrInvalidState) {
		t.Errorf("running -> dead allowed: %v", err)
	}
	if err := p.Transition(models.StateSleeping); err != nil {
		t.Fatalf("running -> sleeping: %v", err)
	}
	if err := p.Transition(models.StateRunning); err != nil {
		t.Fatalf("sleeping -> running: %v", err)
	}
}

func TestListOrderedByPID(t *testing.T) {
	m, _, _ := newManager(t, Options{})
	for i := 0; i < 3; i++ {
		spawn(t, m, fmt.Sprintf("u%d", i))
	}
	list := m.List()
	if len(list) != 3 {
		t.Fatalf("list = %d entries", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].PID <= list[i-1].PID {
			t.Fatalf("list not ordered: %v", list)
		}
	}
}

func TestLogRing(t *testing.T) {
	r := newLogRing(3)
	for i := 1; i <= 5; i++ {
		r.append(models.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}
	got := r.tail(0)
	if len(got) != 3 {
		t.Fatalf("tail = %d entries", len(got))
	}
	if got[0].Message != "line 3" || got[2].Message != "line 5" {
		t.Errorf("tail = %v", got)
	}
	if last := r.tail(1); len(last) != 1 || last[0].Message != "line 5" {
		t.Errorf("tail(1) = %v", last)
	}
}

func waitForState(t *testing.T, p *Process, want models.ProcessState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", p.State(), want)
}
