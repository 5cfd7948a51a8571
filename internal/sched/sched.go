// Package sched sits in front of the process table: it admits spawn
// requests, picks a model tier when the caller does not pin one, and
// answers role-based discovery queries for delegation.
package sched

import (
	"context"
	"log/slog"
	"strings"

	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/pkg/models"
)

// trivialKeywords mark goals cheap enough for the small model tier.
var trivialKeywords = []string{
	"summarize",
	"summarise",
	"rename",
	"list ",
	"count ",
	"translate",
	"reformat",
	"proofread",
	"spellcheck",
}

// heavyKeywords force the primary tier even for short goals.
var heavyKeywords = []string{
	"implement",
	"refactor",
	"debug",
	"design",
	"architect",
	"investigate",
	"research",
	"analyze",
	"analyse",
	"build",
	"write code",
}

// Scheduler routes spawn requests onto the process table.
type Scheduler struct {
	mgr        *proc.Manager
	model      string
	cheapModel string
	logger     *slog.Logger
}

// New wires a scheduler. model and cheapModel are the tier names handed
// to the LLM layer; either may be empty to defer to provider defaults.
func New(mgr *proc.Manager, model, cheapModel string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		mgr:        mgr,
		model:      model,
		cheapModel: cheapModel,
		logger:     logger.With("component", "sched"),
	}
}

// Schedule admits a spawn request. Quota enforcement lives in the
// manager; the scheduler only fills in the model tier.
func (s *Scheduler) Schedule(ctx context.Context, cfg models.SpawnConfig) (*proc.Process, error) {
	if cfg.Model == "" {
		cfg.Model = s.SelectModel(cfg)
		s.logger.Debug("model selected", "owner_uid", cfg.OwnerUID, "model", cfg.Model)
	}
	return s.mgr.Spawn(ctx, cfg)
}

// SelectModel picks a tier from the goal and role text. Pinned models
// pass through untouched.
func (s *Scheduler) SelectModel(cfg models.SpawnConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	text := strings.ToLower(cfg.Goal + " " + cfg.Role)

	for _, kw := range heavyKeywords {
		if strings.Contains(text, kw) {
			return s.model
		}
	}
	for _, kw := range trivialKeywords {
		if strings.Contains(text, kw) {
			return s.cheapModel
		}
	}
	// Short goals with no heavy markers are usually one-tool errands.
	if len(strings.Fields(cfg.Goal)) <= 4 {
		return s.cheapModel
	}
	return s.model
}

// FindByRole returns live processes whose role matches, case
// insensitively. Used for agent discovery before IPC or delegation.
func (s *Scheduler) FindByRole(role string) []models.ProcessInfo {
	want := strings.ToLower(strings.TrimSpace(role))
	var out []models.ProcessInfo
	for _, info := range s.mgr.List() {
		if info.State.Terminal() {
			continue
		}
		if want == "" || strings.ToLower(info.Role) == want {
			out = append(out, info)
		}
	}
	return out
}
