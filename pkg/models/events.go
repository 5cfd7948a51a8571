package models

import (
	"encoding/json"
	"time"
)

// Event topics published on the kernel bus. Topic names are hierarchical
// dotted strings; subscribers match by prefix on segment boundaries.
const (
	TopicProcessSpawned      = "process.spawned"
	TopicProcessStateChange  = "process.stateChange"
	TopicProcessExit         = "process.exit"
	TopicProcessApproval     = "process.approval_required"
	TopicAgentThought        = "agent.thought"
	TopicAgentAction         = "agent.action"
	TopicAgentObservation    = "agent.observation"
	TopicAgentProgress       = "agent.progress"
	TopicAgentCompleted      = "agent.completed"
	TopicAgentStepLimit      = "agent.stepLimitReached"
	TopicAgentCompacted      = "agent.contextCompacted"
	TopicAgentInjection      = "agent.injectionBlocked"
	TopicAgentMessage        = "agent.messageReceived"
	TopicAgentApproved       = "agent.approved"
	TopicAgentRejected       = "agent.rejected"
	TopicAgentContinued      = "agent.continued"
	TopicMemoryStored        = "memory.stored"
	TopicMemoryForgotten     = "memory.forgotten"
	TopicConnection          = "connection"
	TopicKernelReady         = "kernel.ready"
	TopicKernelMetrics       = "kernel.metrics"
	TopicSubscriberLagged    = "subscriber.lagged"
)

// ProcessEvent is the payload for process.* lifecycle topics.
type ProcessEvent struct {
	PID      int          `json:"pid"`
	OwnerUID string       `json:"owner_uid"`
	Role     string       `json:"role,omitempty"`
	Goal     string       `json:"goal,omitempty"`
	State    ProcessState `json:"state,omitempty"`
	Phase    ProcessPhase `json:"phase,omitempty"`
	ExitCode int          `json:"code,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// ThoughtEvent is the payload for agent.thought.
type ThoughtEvent struct {
	PID      int    `json:"pid"`
	OwnerUID string `json:"owner_uid"`
	Step     int    `json:"step"`
	Thought  string `json:"thought"`
}

// ActionEvent is the payload for agent.action.
type ActionEvent struct {
	PID      int             `json:"pid"`
	OwnerUID string          `json:"owner_uid"`
	Step     int             `json:"step"`
	Tool     string          `json:"tool"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ObservationEvent is the payload for agent.observation.
type ObservationEvent struct {
	PID      int    `json:"pid"`
	OwnerUID string `json:"owner_uid"`
	Step     int    `json:"step"`
	Tool     string `json:"tool"`
	Output   string `json:"output"`
	Success  bool   `json:"success"`
}

// ProgressEvent is the payload for agent.progress.
type ProgressEvent struct {
	PID      int    `json:"pid"`
	OwnerUID string `json:"owner_uid"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps"`
}

// CompletedEvent is the payload for agent.completed.
type CompletedEvent struct {
	PID      int           `json:"pid"`
	OwnerUID string        `json:"owner_uid"`
	Outcome  string        `json:"outcome"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration"`
	Summary  string        `json:"summary,omitempty"`
}

// ApprovalEvent is the payload for process.approval_required and the
// agent.approved / agent.rejected resolutions.
type ApprovalEvent struct {
	PID      int             `json:"pid"`
	OwnerUID string          `json:"owner_uid"`
	Tool     string          `json:"tool"`
	Args     json.RawMessage `json:"args,omitempty"`
	By       string          `json:"by,omitempty"`
}

// StepLimitEvent is the payload for agent.stepLimitReached.
type StepLimitEvent struct {
	PID      int `json:"pid"`
	MaxSteps int `json:"max_steps"`
}

// ContinuedEvent is the payload for agent.continued.
type ContinuedEvent struct {
	PID        int `json:"pid"`
	ExtraSteps int `json:"extra_steps"`
}

// CompactedEvent is the payload for agent.contextCompacted.
type CompactedEvent struct {
	PID        int `json:"pid"`
	Dropped    int `json:"dropped"`
	KeptRecent int `json:"kept_recent"`
	Tokens     int `json:"tokens"`
}

// InjectionEvent is the payload for agent.injectionBlocked.
type InjectionEvent struct {
	PID    int    `json:"pid"`
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// MessageEvent is the payload for agent.messageReceived.
type MessageEvent struct {
	PID     int    `json:"pid"`
	FromPID int    `json:"from_pid,omitempty"`
	FromUID string `json:"from_uid,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// MemoryEvent is the payload for memory.stored and memory.forgotten.
type MemoryEvent struct {
	ID       string      `json:"id"`
	AgentUID string      `json:"agent_uid"`
	Layer    MemoryLayer `json:"layer,omitempty"`
}

// LaggedEvent is delivered to a subscriber whose queue overflowed.
type LaggedEvent struct {
	Topic   string `json:"topic"`
	Dropped int64  `json:"dropped"`
}

// MetricsEvent is the payload for kernel.metrics.
type MetricsEvent struct {
	Processes     map[string]int `json:"processes"`
	Subscribers   int            `json:"subscribers"`
	DroppedEvents int64          `json:"dropped_events"`
	MemoryRecords int            `json:"memory_records"`
	Uptime        time.Duration  `json:"uptime"`
}

// ConnectionEvent is the payload for the connection topic.
type ConnectionEvent struct {
	SessionID string `json:"session_id"`
	UID       string `json:"uid"`
	Connected bool   `json:"connected"`
}
