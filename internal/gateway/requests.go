package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/pkg/models"
)

// requestTimeout bounds one request handler.
const requestTimeout = 30 * time.Second

// envelope is the part of a request frame common to all types. The
// remaining fields are re-decoded per handler.
type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// dispatch routes one inbound frame to its handler and guarantees
// exactly one response per request id.
func (s *session) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.respondErr("", models.CodeInvalidArgument, "malformed frame: "+err.Error())
		return
	}
	if env.ID == "" {
		s.respondErr("", models.CodeInvalidArgument, "request id is required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	switch env.Type {
	case "process.spawn":
		s.handleSpawn(ctx, env.ID, raw)
	case "process.kill":
		s.handleKill(env.ID, raw)
	case "process.pause":
		s.handlePause(env.ID, raw)
	case "process.resume":
		s.handleResume(env.ID, raw)
	case "process.list":
		s.handleList(env.ID)
	case "process.logs":
		s.handleLogs(env.ID, raw)
	case "process.sendMessage":
		s.handleSendMessage(env.ID, raw)
	case "agent.approve":
		s.handleApproval(env.ID, raw, true)
	case "agent.reject":
		s.handleApproval(env.ID, raw, false)
	case "agent.continue":
		s.handleContinue(env.ID, raw)
	case "memory.store":
		s.handleMemoryStore(ctx, env.ID, raw)
	case "memory.recall":
		s.handleMemoryRecall(ctx, env.ID, raw)
	case "memory.forget":
		s.handleMemoryForget(ctx, env.ID, raw)
	case "memory.profile":
		s.handleMemoryProfile(ctx, env.ID, raw)
	case "app.list":
		s.handleAppList(ctx, env.ID)
	case "app.enable":
		s.handleAppEnable(ctx, env.ID, raw)
	case "subscribe":
		s.handleSubscribe(env.ID, raw, true)
	case "unsubscribe":
		s.handleSubscribe(env.ID, raw, false)
	case "kernel.status":
		s.handleStatus(env.ID)
	default:
		s.respondErr(env.ID, models.CodeInvalidArgument, "unknown request type "+env.Type)
	}
}

// requireProcess loads a PID and enforces the ownership rule.
func (s *session) requireProcess(id string, pid int) (*proc.Process, bool) {
	p, err := s.server.mgr.Get(pid)
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return nil, false
	}
	if !s.sess.CanAccess(p.OwnerUID()) {
		s.respondErr(id, models.CodeForbidden, "process belongs to another user")
		return nil, false
	}
	return p, true
}

// memoryUID resolves which agent's memory a request targets. Admins may
// name any agent; users are pinned to their own UID.
func (s *session) memoryUID(id, requested string) (string, bool) {
	if requested == "" || requested == s.sess.UID {
		return s.sess.UID, true
	}
	if !s.sess.Admin() {
		s.respondErr(id, models.CodeForbidden, "memory belongs to another agent")
		return "", false
	}
	return requested, true
}

func (s *session) handleSpawn(ctx context.Context, id string, raw []byte) {
	var params struct {
		Role     string `json:"role"`
		Goal     string `json:"goal"`
		Plan     string `json:"plan"`
		Model    string `json:"model"`
		MaxSteps int    `json:"max_steps"`
		OwnerUID string `json:"owner_uid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if strings.TrimSpace(params.Goal) == "" {
		s.respondErr(id, models.CodeInvalidArgument, "goal is required")
		return
	}

	owner := s.sess.UID
	if params.OwnerUID != "" && params.OwnerUID != s.sess.UID {
		if !s.sess.Admin() {
			s.respondErr(id, models.CodeForbidden, "cannot spawn for another user")
			return
		}
		owner = params.OwnerUID
	}

	p, err := s.server.sched.Schedule(ctx, models.SpawnConfig{
		OwnerUID: owner,
		Role:     params.Role,
		Goal:     params.Goal,
		Plan:     params.Plan,
		Model:    params.Model,
		MaxSteps: params.MaxSteps,
	})
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, p.Info())
}

func (s *session) handleKill(id string, raw []byte) {
	var params struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if _, ok := s.requireProcess(id, params.PID); !ok {
		return
	}
	if err := s.server.mgr.Kill(params.PID, s.sess.Username); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID})
}

func (s *session) handlePause(id string, raw []byte) {
	var params struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if _, ok := s.requireProcess(id, params.PID); !ok {
		return
	}
	if err := s.server.mgr.Pause(params.PID); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID})
}

func (s *session) handleResume(id string, raw []byte) {
	var params struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if _, ok := s.requireProcess(id, params.PID); !ok {
		return
	}
	if err := s.server.mgr.Resume(params.PID); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID})
}

func (s *session) handleList(id string) {
	all := s.server.mgr.List()
	if s.sess.Admin() {
		s.respondOK(id, map[string]any{"processes": all})
		return
	}
	own := make([]models.ProcessInfo, 0, len(all))
	for _, info := range all {
		if info.OwnerUID == s.sess.UID {
			own = append(own, info)
		}
	}
	s.respondOK(id, map[string]any{"processes": own})
}

func (s *session) handleLogs(id string, raw []byte) {
	var params struct {
		PID   int `json:"pid"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	p, ok := s.requireProcess(id, params.PID)
	if !ok {
		return
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}
	s.respondOK(id, map[string]any{
		"pid":  params.PID,
		"logs": p.Logs(params.Limit),
	})
}

func (s *session) handleSendMessage(id string, raw []byte) {
	var params struct {
		PID  int    `json:"pid"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if strings.TrimSpace(params.Text) == "" {
		s.respondErr(id, models.CodeInvalidArgument, "text is required")
		return
	}
	if _, ok := s.requireProcess(id, params.PID); !ok {
		return
	}
	if err := s.server.mgr.SendUserMessage(params.PID, s.sess.UID, params.Text); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID})
}

func (s *session) handleApproval(id string, raw []byte, approved bool) {
	var params struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	p, ok := s.requireProcess(id, params.PID)
	if !ok {
		return
	}
	if err := p.Resolve(proc.Decision{Approved: approved, By: s.sess.Username}); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID, "approved": approved})
}

func (s *session) handleContinue(id string, raw []byte) {
	var params struct {
		PID        int `json:"pid"`
		ExtraSteps int `json:"extra_steps"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	p, ok := s.requireProcess(id, params.PID)
	if !ok {
		return
	}
	if err := p.Continue(params.ExtraSteps); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"pid": params.PID})
}

func (s *session) handleMemoryStore(ctx context.Context, id string, raw []byte) {
	var params struct {
		AgentUID   string             `json:"agent_uid"`
		Layer      models.MemoryLayer `json:"layer"`
		Content    string             `json:"content"`
		Tags       []string           `json:"tags"`
		Importance float64            `json:"importance"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	uid, ok := s.memoryUID(id, params.AgentUID)
	if !ok {
		return
	}

	rec, err := s.server.memory.Store(ctx, &models.MemoryRecord{
		AgentUID:   uid,
		Layer:      params.Layer,
		Content:    params.Content,
		Tags:       params.Tags,
		Importance: params.Importance,
	})
	if err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	s.respondOK(id, rec)
}

func (s *session) handleMemoryRecall(ctx context.Context, id string, raw []byte) {
	var params struct {
		AgentUID string             `json:"agent_uid"`
		Query    string             `json:"query"`
		Layer    models.MemoryLayer `json:"layer"`
		Limit    int                `json:"limit"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	uid, ok := s.memoryUID(id, params.AgentUID)
	if !ok {
		return
	}

	records, err := s.server.memory.Recall(ctx, uid, params.Query, params.Layer, params.Limit)
	if err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	s.respondOK(id, map[string]any{"records": records})
}

func (s *session) handleMemoryForget(ctx context.Context, id string, raw []byte) {
	var params struct {
		AgentUID string `json:"agent_uid"`
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if params.MemoryID == "" {
		s.respondErr(id, models.CodeInvalidArgument, "memory_id is required")
		return
	}
	uid, ok := s.memoryUID(id, params.AgentUID)
	if !ok {
		return
	}

	if err := s.server.memory.Forget(ctx, uid, params.MemoryID); err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, map[string]any{"memory_id": params.MemoryID})
}

func (s *session) handleMemoryProfile(ctx context.Context, id string, raw []byte) {
	var params struct {
		AgentUID string `json:"agent_uid"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	uid, ok := s.memoryUID(id, params.AgentUID)
	if !ok {
		return
	}

	profile, err := s.server.memory.Profile(ctx, uid)
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, profile)
}

func (s *session) handleAppList(ctx context.Context, id string) {
	all, err := s.server.apps.List(ctx)
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	if s.sess.Admin() {
		s.respondOK(id, map[string]any{"apps": all})
		return
	}
	own := make([]*models.App, 0, len(all))
	for _, app := range all {
		if app.OwnerUID == s.sess.UID {
			own = append(own, app)
		}
	}
	s.respondOK(id, map[string]any{"apps": own})
}

func (s *session) handleAppEnable(ctx context.Context, id string, raw []byte) {
	var params struct {
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if params.Name == "" {
		s.respondErr(id, models.CodeInvalidArgument, "name is required")
		return
	}
	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	app, err := s.server.apps.Get(ctx, params.Name)
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	if !s.sess.CanAccess(app.OwnerUID) {
		s.respondErr(id, models.CodeForbidden, "app belongs to another user")
		return
	}

	updated, err := s.server.apps.SetEnabled(ctx, params.Name, enabled)
	if err != nil {
		s.respondErr(id, codeForError(err), err.Error())
		return
	}
	s.respondOK(id, updated)
}

func (s *session) handleSubscribe(id string, raw []byte, add bool) {
	var params struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondErr(id, models.CodeInvalidArgument, err.Error())
		return
	}
	if len(params.Topics) == 0 {
		s.respondErr(id, models.CodeInvalidArgument, "topics is required")
		return
	}
	for _, topic := range params.Topics {
		if add {
			s.subscribe(topic)
		} else {
			s.unsubscribe(topic)
		}
	}
	s.respondOK(id, map[string]any{"topics": params.Topics})
}

func (s *session) handleStatus(id string) {
	s.respondOK(id, map[string]any{
		"processes":      s.server.mgr.CountByState(),
		"subscribers":    s.server.bus.SubscriberCount(),
		"dropped_events": s.server.bus.Dropped(),
		"uptime_seconds": int(s.server.clock.Now().Sub(s.server.started).Seconds()),
	})
}
