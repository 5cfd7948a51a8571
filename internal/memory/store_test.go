package memory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

func newStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(kv.NewMemory(), nil, fake, slog.Default())
	return s, fake
}

func mustStore(t *testing.T, s *Store, rec *models.MemoryRecord) *models.MemoryRecord {
	t.Helper()
	stored, err := s.Store(context.Background(), rec)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return stored
}

func TestStoreAssignsIDAndTimestamps(t *testing.T) {
	s, fake := newStore(t)
	rec := mustStore(t, s, &models.MemoryRecord{
		AgentUID:   "agent-1",
		Layer:      models.LayerSemantic,
		Content:    "the deploy script lives in scripts/deploy.sh",
		Importance: 0.6,
	})
	if rec.ID == "" {
		t.Error("ID not assigned")
	}
	if !rec.CreatedAt.Equal(fake.Now()) || !rec.LastAccessed.Equal(fake.Now()) {
		t.Error("timestamps not stamped from clock")
	}
}

func TestStoreValidation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, &models.MemoryRecord{Layer: models.LayerSemantic, Content: "x"}); err == nil {
		t.Error("missing UID should fail")
	}
	if _, err := s.Store(ctx, &models.MemoryRecord{AgentUID: "a", Content: "x", Layer: "imaginary"}); err == nil {
		t.Error("invalid layer should fail")
	}
	if _, err := s.Store(ctx, &models.MemoryRecord{AgentUID: "a", Content: "x", Importance: 1.5}); err == nil {
		t.Error("importance > 1 should fail")
	}
	if _, err := s.Store(ctx, &models.MemoryRecord{AgentUID: "a", Content: "  "}); err == nil {
		t.Error("blank content should fail")
	}
}

func TestStoreDefaultsToSemanticLayer(t *testing.T) {
	s, _ := newStore(t)
	rec := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "fact"})
	if rec.Layer != models.LayerSemantic {
		t.Errorf("layer = %s", rec.Layer)
	}
}

func TestRecallScoresOverlapFirst(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	mustStore(t, s, &models.MemoryRecord{
		AgentUID: "a", Content: "kubernetes cluster upgrade procedure", Importance: 0.3,
	})
	mustStore(t, s, &models.MemoryRecord{
		AgentUID: "a", Content: "favorite lunch spot is the taco truck", Importance: 0.9,
	})

	got, err := s.Recall(ctx, "a", "how to upgrade the kubernetes cluster", "", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 || got[0].Content != "kubernetes cluster upgrade procedure" {
		t.Fatalf("Recall picked %v", got)
	}
}

func TestRecallIsScopedToAgent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "secret alpha plan"})
	mustStore(t, s, &models.MemoryRecord{AgentUID: "b", Content: "secret alpha plan"})

	got, err := s.Recall(ctx, "a", "secret alpha plan", "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 || got[0].AgentUID != "a" {
		t.Fatalf("Recall crossed agents: %v", got)
	}
}

func TestRecallFiltersByLayer(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Layer: models.LayerEpisodic, Content: "ran the report job"})
	mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Layer: models.LayerProcedural, Content: "report job needs the flag"})

	got, err := s.Recall(ctx, "a", "report job", models.LayerProcedural, 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 || got[0].Layer != models.LayerProcedural {
		t.Fatalf("Recall layer filter broken: %v", got)
	}
}

func TestRecallBumpsAccess(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	rec := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "build uses make release"})
	fake.Advance(time.Hour)

	got, err := s.Recall(ctx, "a", "make release build", "", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recall: %v (%d)", err, len(got))
	}
	if got[0].AccessCount != 1 {
		t.Errorf("access count = %d, want 1", got[0].AccessCount)
	}
	if !got[0].LastAccessed.Equal(fake.Now()) {
		t.Error("last accessed not bumped")
	}

	stored, err := s.Get(ctx, "a", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.AccessCount != 1 {
		t.Errorf("persisted access count = %d", stored.AccessCount)
	}
}

func TestRecallSkipsExpired(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	mustStore(t, s, &models.MemoryRecord{
		AgentUID:  "a",
		Content:   "temporary session token hint",
		ExpiresAt: fake.Now().Add(time.Hour),
	})
	fake.Advance(2 * time.Hour)

	got, err := s.Recall(ctx, "a", "session token hint", "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expired record returned: %v", got)
	}
}

func TestRecallTieBreak(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	older := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "identical entry", Importance: 0.5})
	_ = older
	fake.Advance(time.Minute)
	newer := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "identical entry", Importance: 0.5})

	got, err := s.Recall(ctx, "a", "zzz no overlap zzz", "", 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("Recall: %v (%d)", err, len(got))
	}
	// Equal scores resolve by most recently accessed first.
	if got[0].ID != newer.ID {
		t.Errorf("tie-break order wrong: got %s first", got[0].ID)
	}
}

func TestForget(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	rec := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "to be removed"})

	if err := s.Forget(ctx, "b", rec.ID); err == nil {
		t.Error("Forget by wrong agent should fail")
	}
	if err := s.Forget(ctx, "a", rec.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := s.Get(ctx, "a", rec.ID); err == nil {
		t.Error("record survived Forget")
	}
}

func TestDecayRemovesOnlyExpired(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	keep := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "permanent fact"})
	gone := mustStore(t, s, &models.MemoryRecord{
		AgentUID:  "a",
		Content:   "short lived note",
		ExpiresAt: fake.Now().Add(time.Hour),
	})

	fake.Advance(2 * time.Hour)
	removed, err := s.Decay(ctx)
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, "a", keep.ID); err != nil {
		t.Errorf("unexpired record removed: %v", err)
	}
	if _, err := s.Get(ctx, "a", gone.ID); err == nil {
		t.Error("expired record survived Decay")
	}
	// The expired record is truly gone from the store, so a second
	// sweep finds nothing.
	if again, err := s.Decay(ctx); err != nil || again != 0 {
		t.Errorf("second Decay = %d, %v", again, err)
	}
}

func TestStoreAndForgetPublishEvents(t *testing.T) {
	fake := clock.NewFake(time.Now())
	eventBus := bus.New(slog.Default())
	s := New(kv.NewMemory(), eventBus, fake, slog.Default())

	sub := eventBus.Subscribe("memory")
	defer eventBus.Unsubscribe(sub)

	rec := mustStore(t, s, &models.MemoryRecord{AgentUID: "a", Content: "observed fact"})
	if err := s.Forget(context.Background(), "a", rec.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	want := []string{models.TopicMemoryStored, models.TopicMemoryForgotten}
	for _, topic := range want {
		select {
		case ev := <-sub.C():
			if ev.Topic != topic {
				t.Fatalf("topic = %s, want %s", ev.Topic, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", topic)
		}
	}
}

func TestRecencyScoreHalfLives(t *testing.T) {
	now := time.Now()
	epi := &models.MemoryRecord{Layer: models.LayerEpisodic, LastAccessed: now.Add(-7 * 24 * time.Hour)}
	pro := &models.MemoryRecord{Layer: models.LayerProcedural, LastAccessed: now.Add(-7 * 24 * time.Hour)}

	epiScore := recencyScore(epi, now)
	proScore := recencyScore(pro, now)
	if epiScore >= proScore {
		t.Errorf("episodic should decay faster: %v vs %v", epiScore, proScore)
	}
	if epiScore < 0.49 || epiScore > 0.51 {
		t.Errorf("episodic at one half-life = %v, want ~0.5", epiScore)
	}
}

func TestProfileLifecycle(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	profile, err := s.Profile(ctx, "fresh")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.TotalTasks != 0 {
		t.Errorf("fresh profile = %+v", profile)
	}

	if err := s.RecordOutcome(ctx, "a", true, 12); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := s.RecordOutcome(ctx, "a", false, 30); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	profile, err = s.Profile(ctx, "a")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.TotalTasks != 2 || profile.SuccessfulTasks != 1 || profile.TotalSteps != 42 {
		t.Errorf("profile = %+v", profile)
	}
}

func TestRebuildProfileDerivesExpertise(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustStore(t, s, &models.MemoryRecord{
			AgentUID: "a", Content: "worked on the ingest pipeline", Tags: []string{"etl", "pipelines"},
		})
	}
	mustStore(t, s, &models.MemoryRecord{
		AgentUID: "a", Content: "one-off frontend fix", Tags: []string{"frontend"},
	})

	profile, err := s.RebuildProfile(ctx, "a")
	if err != nil {
		t.Fatalf("RebuildProfile: %v", err)
	}
	if len(profile.Expertise) == 0 || profile.Expertise[0] != "etl" {
		t.Errorf("expertise = %v, want etl first", profile.Expertise)
	}
}
