package models

import "time"

// MemoryLayer partitions agent memory by kind.
type MemoryLayer string

const (
	// LayerEpisodic holds events: things that happened during runs.
	LayerEpisodic MemoryLayer = "episodic"
	// LayerSemantic holds facts.
	LayerSemantic MemoryLayer = "semantic"
	// LayerProcedural holds how-to knowledge.
	LayerProcedural MemoryLayer = "procedural"
	// LayerSocial holds knowledge about other agents.
	LayerSocial MemoryLayer = "social"
)

// ValidLayer reports whether l is one of the four defined layers.
func ValidLayer(l MemoryLayer) bool {
	switch l {
	case LayerEpisodic, LayerSemantic, LayerProcedural, LayerSocial:
		return true
	}
	return false
}

// MemoryRecord is one entry in an agent's knowledge base. Records handed
// to readers are copies; the store owns the originals.
type MemoryRecord struct {
	ID           string      `json:"id"`
	AgentUID     string      `json:"agent_uid"`
	Layer        MemoryLayer `json:"layer"`
	Content      string      `json:"content"`
	Tags         []string    `json:"tags,omitempty"`
	Importance   float64     `json:"importance"`
	AccessCount  int         `json:"access_count"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
	SourcePID    int         `json:"source_pid,omitempty"`
	RelatedIDs   []string    `json:"related_ids,omitempty"`
}

// Expired reports whether the record is past its expiry at the given time.
// Records with a zero ExpiresAt never expire.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// AgentProfile is the derived, recomputable aggregate for one agent UID.
// It is never authoritative.
type AgentProfile struct {
	AgentUID         string    `json:"agent_uid"`
	TotalTasks       int       `json:"total_tasks"`
	SuccessfulTasks  int       `json:"successful_tasks"`
	TotalSteps       int       `json:"total_steps"`
	AvgQualityRating float64   `json:"avg_quality_rating"`
	Expertise        []string  `json:"expertise,omitempty"`
	PersonalityTraits []string `json:"personality_traits,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastActive       time.Time `json:"last_active"`
}
