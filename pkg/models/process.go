// Package models defines the shared data types for the Aether kernel:
// processes, memory records, users, and the event payloads carried over
// the client protocol.
package models

import (
	"encoding/json"
	"time"
)

// ProcessState is the scheduler-visible state of an agent process.
type ProcessState string

const (
	// StateRunning means the process is eligible to execute loop steps.
	StateRunning ProcessState = "running"
	// StateSleeping means the process is idle between steps.
	StateSleeping ProcessState = "sleeping"
	// StateStopped means the loop is halted pending an external signal
	// (for example a continuation after the step limit).
	StateStopped ProcessState = "stopped"
	// StatePaused means an operator suspended the process.
	StatePaused ProcessState = "paused"
	// StateZombie means the process has exited but has not been reaped.
	StateZombie ProcessState = "zombie"
	// StateDead means the process has been reaped. Terminal.
	StateDead ProcessState = "dead"
)

// Terminal reports whether the state admits no further transitions
// other than zombie → dead.
func (s ProcessState) Terminal() bool {
	return s == StateZombie || s == StateDead
}

// ProcessPhase is the advisory phase of the think-act-observe loop.
// Phases are observable but never gate operations.
type ProcessPhase string

const (
	PhaseBooting   ProcessPhase = "booting"
	PhaseThinking  ProcessPhase = "thinking"
	PhaseExecuting ProcessPhase = "executing"
	PhaseObserving ProcessPhase = "observing"
	PhaseWaiting   ProcessPhase = "waiting"
	PhaseCompleted ProcessPhase = "completed"
	PhaseFailed    ProcessPhase = "failed"
)

// SpawnConfig describes a request to start a new agent process.
type SpawnConfig struct {
	// OwnerUID is the user the process runs on behalf of.
	OwnerUID string `json:"owner_uid"`

	// Role is the agent's persona (e.g. "Researcher").
	Role string `json:"role"`

	// Goal is the natural-language objective the loop drives toward.
	Goal string `json:"goal"`

	// MaxSteps bounds the number of loop steps. Zero uses the server default.
	MaxSteps int `json:"max_steps,omitempty"`

	// Model optionally pins an LLM model, bypassing router selection.
	Model string `json:"model,omitempty"`

	// Plan is optional markdown appended to the system prompt.
	Plan string `json:"plan,omitempty"`
}

// ProcessInfo is the read-only snapshot of a process table entry.
type ProcessInfo struct {
	PID       int          `json:"pid"`
	OwnerUID  string       `json:"owner_uid"`
	Role      string       `json:"role"`
	Goal      string       `json:"goal"`
	State     ProcessState `json:"state"`
	Phase     ProcessPhase `json:"phase"`
	Step      int          `json:"step"`
	MaxSteps  int          `json:"max_steps"`
	CreatedAt time.Time    `json:"created_at"`
	SandboxID string       `json:"sandbox_id,omitempty"`
}

// LogType classifies a process log entry.
type LogType string

const (
	LogThought     LogType = "thought"
	LogAction      LogType = "action"
	LogObservation LogType = "observation"
	LogSystem      LogType = "system"
)

// LogEntry is one line of a process's bounded log ring.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
}

// MailboxMessage is a message queued for an agent process. User messages
// carry only Text; IPC messages are stamped with the sender.
type MailboxMessage struct {
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FromPID   int             `json:"from_pid,omitempty"`
	FromUID   string          `json:"from_uid,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome values reported on agent.completed.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
	OutcomeKilled  = "killed"
)
