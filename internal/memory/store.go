// Package memory implements the layered agent knowledge base: episodic,
// semantic, procedural, and social records with relevance-scored recall
// and time-based decay.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different agent.
var ErrNotFound = errors.New("memory: record not found")

// Relevance scoring weights. Overlap with the query dominates; the
// rest breaks ties between equally relevant records.
const (
	weightOverlap    = 0.50
	weightImportance = 0.25
	weightRecency    = 0.15
	weightAccess     = 0.10
)

// Recency half-lives by layer. Procedural knowledge ages slowest,
// episodic events fastest.
var halfLives = map[models.MemoryLayer]time.Duration{
	models.LayerProcedural: 90 * 24 * time.Hour,
	models.LayerSemantic:   30 * 24 * time.Hour,
	models.LayerSocial:     14 * 24 * time.Hour,
	models.LayerEpisodic:   7 * 24 * time.Hour,
}

// Store is the persistent memory manager. Records live in the KV layer
// under the memory bucket, indexed by agent UID and layer.
type Store struct {
	kv     kv.Store
	bus    *bus.Bus
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Store on top of the given KV backend.
func New(kvStore kv.Store, eventBus *bus.Bus, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kvStore, bus: eventBus, clock: clk, logger: logger.With("component", "memory")}
}

// Store persists a record, assigning ID and timestamps. Returns a copy
// of the stored record.
func (s *Store) Store(ctx context.Context, rec *models.MemoryRecord) (*models.MemoryRecord, error) {
	if rec.AgentUID == "" {
		return nil, errors.New("memory: record requires an agent UID")
	}
	if strings.TrimSpace(rec.Content) == "" {
		return nil, errors.New("memory: record requires content")
	}
	if rec.Layer == "" {
		rec.Layer = models.LayerSemantic
	}
	if !models.ValidLayer(rec.Layer) {
		return nil, fmt.Errorf("memory: invalid layer %q", rec.Layer)
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return nil, fmt.Errorf("memory: importance %v outside [0,1]", rec.Importance)
	}

	now := s.clock.Now()
	stored := *rec
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.LastAccessed = now
	stored.AccessCount = 0

	if err := s.put(ctx, &stored); err != nil {
		return nil, err
	}

	s.publish(models.TopicMemoryStored, models.MemoryEvent{
		ID:       stored.ID,
		AgentUID: stored.AgentUID,
		Layer:    stored.Layer,
	})
	s.logger.Debug("memory stored", "id", stored.ID, "agent_uid", stored.AgentUID, "layer", stored.Layer)

	out := stored
	return &out, nil
}

// Get returns one record by ID, scoped to the given agent.
func (s *Store) Get(ctx context.Context, uid, id string) (*models.MemoryRecord, error) {
	raw, err := s.kv.Get(ctx, kv.BucketMemory, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec models.MemoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("memory: corrupt record %s: %w", id, err)
	}
	if rec.AgentUID != uid {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Recall returns up to limit records for the agent, scored against the
// query. Empty layer searches all layers. Returned records have their
// access counters bumped.
func (s *Store) Recall(ctx context.Context, uid, query string, layer models.MemoryLayer, limit int) ([]*models.MemoryRecord, error) {
	if layer != "" && !models.ValidLayer(layer) {
		return nil, fmt.Errorf("memory: invalid layer %q", layer)
	}
	if limit <= 0 {
		limit = 5
	}

	records, err := s.forAgent(ctx, uid, layer)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	queryWords := tokenize(query)

	type scored struct {
		rec   *models.MemoryRecord
		score float64
	}
	candidates := make([]scored, 0, len(records))
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		candidates = append(candidates, scored{rec: rec, score: s.score(rec, queryWords, now)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.rec.LastAccessed.Equal(b.rec.LastAccessed) {
			return a.rec.LastAccessed.After(b.rec.LastAccessed)
		}
		return a.rec.ID < b.rec.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*models.MemoryRecord, 0, len(candidates))
	for _, c := range candidates {
		c.rec.AccessCount++
		c.rec.LastAccessed = now
		if err := s.put(ctx, c.rec); err != nil {
			s.logger.Warn("access bump failed", "id", c.rec.ID, "error", err)
		}
		copied := *c.rec
		out = append(out, &copied)
	}
	return out, nil
}

// Forget deletes one record, scoped to the given agent.
func (s *Store) Forget(ctx context.Context, uid, id string) error {
	rec, err := s.Get(ctx, uid, id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, kv.BucketMemory, id); err != nil {
		return err
	}
	s.publish(models.TopicMemoryForgotten, models.MemoryEvent{
		ID:       rec.ID,
		AgentUID: rec.AgentUID,
		Layer:    rec.Layer,
	})
	return nil
}

// ForContext returns the most relevant records to seed a new agent's
// system prompt: top records by goal relevance across all layers.
func (s *Store) ForContext(ctx context.Context, uid, goal string, limit int) ([]*models.MemoryRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.Recall(ctx, uid, goal, "", limit)
}

// Count returns the number of live records across all agents.
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := s.kv.List(ctx, kv.BucketMemory)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Decay removes expired records. Run periodically by the daemon.
func (s *Store) Decay(ctx context.Context) (int, error) {
	keys, err := s.kv.List(ctx, kv.BucketMemory)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	removed := 0
	for key, raw := range keys {
		var rec models.MemoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.Expired(now) {
			continue
		}
		if err := s.kv.Delete(ctx, kv.BucketMemory, key); err != nil {
			s.logger.Warn("decay delete failed", "id", key, "error", err)
			continue
		}
		removed++
		s.publish(models.TopicMemoryForgotten, models.MemoryEvent{
			ID:       rec.ID,
			AgentUID: rec.AgentUID,
			Layer:    rec.Layer,
		})
	}
	if removed > 0 {
		s.logger.Info("memory decay", "removed", removed)
	}
	return removed, nil
}

// score computes the relevance of one record.
func (s *Store) score(rec *models.MemoryRecord, queryWords map[string]struct{}, now time.Time) float64 {
	overlap := overlapScore(queryWords, rec)
	recency := recencyScore(rec, now)
	access := math.Log1p(float64(rec.AccessCount)) / math.Log1p(100)
	if access > 1 {
		access = 1
	}
	return weightOverlap*overlap +
		weightImportance*rec.Importance +
		weightRecency*recency +
		weightAccess*access
}

// overlapScore is the fraction of query words found in the record's
// content or tags.
func overlapScore(queryWords map[string]struct{}, rec *models.MemoryRecord) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	recWords := tokenize(rec.Content)
	for _, tag := range rec.Tags {
		for w := range tokenize(tag) {
			recWords[w] = struct{}{}
		}
	}
	matched := 0
	for w := range queryWords {
		if _, ok := recWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

// recencyScore decays exponentially from last access with the layer's
// half-life.
func recencyScore(rec *models.MemoryRecord, now time.Time) float64 {
	halfLife, ok := halfLives[rec.Layer]
	if !ok {
		halfLife = halfLives[models.LayerSemantic]
	}
	age := now.Sub(rec.LastAccessed)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

func tokenize(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 2 {
			words[w] = struct{}{}
		}
	}
	return words
}

func (s *Store) forAgent(ctx context.Context, uid string, layer models.MemoryLayer) ([]*models.MemoryRecord, error) {
	keys, err := s.kv.KeysByIndex(ctx, kv.BucketMemory, "agent_uid", uid)
	if err != nil {
		return nil, err
	}
	records := make([]*models.MemoryRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, kv.BucketMemory, key)
		if err != nil {
			continue
		}
		var rec models.MemoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("corrupt memory record", "id", key, "error", err)
			continue
		}
		if layer != "" && rec.Layer != layer {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (s *Store) put(ctx context.Context, rec *models.MemoryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	indexes := map[string][]string{
		"agent_uid": {rec.AgentUID},
		"layer":     {string(rec.Layer)},
	}
	if len(rec.Tags) > 0 {
		indexes["tag"] = rec.Tags
	}
	return s.kv.Put(ctx, kv.BucketMemory, rec.ID, raw, indexes)
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
