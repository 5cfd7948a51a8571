package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

// Profile returns the derived aggregate for one agent UID. A missing
// profile returns a zero-valued profile, never an error.
func (s *Store) Profile(ctx context.Context, uid string) (*models.AgentProfile, error) {
	raw, err := s.kv.Get(ctx, kv.BucketProfiles, uid)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &models.AgentProfile{AgentUID: uid}, nil
		}
		return nil, err
	}
	var profile models.AgentProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// RecordOutcome folds one finished run into the agent's profile.
func (s *Store) RecordOutcome(ctx context.Context, uid string, success bool, steps int) error {
	profile, err := s.Profile(ctx, uid)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if profile.FirstSeen.IsZero() {
		profile.FirstSeen = now
	}
	profile.LastActive = now
	profile.TotalTasks++
	profile.TotalSteps += steps
	if success {
		profile.SuccessfulTasks++
	}
	return s.putProfile(ctx, profile)
}

// RebuildProfile recomputes the derived fields from the agent's
// memories. Expertise is the most frequent tags across all layers.
func (s *Store) RebuildProfile(ctx context.Context, uid string) (*models.AgentProfile, error) {
	profile, err := s.Profile(ctx, uid)
	if err != nil {
		return nil, err
	}

	records, err := s.forAgent(ctx, uid, "")
	if err != nil {
		return nil, err
	}

	tagCounts := make(map[string]int)
	for _, rec := range records {
		for _, tag := range rec.Tags {
			tagCounts[tag]++
		}
	}
	tags := make([]string, 0, len(tagCounts))
	for tag := range tagCounts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tagCounts[tags[i]] != tagCounts[tags[j]] {
			return tagCounts[tags[i]] > tagCounts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 10 {
		tags = tags[:10]
	}
	profile.Expertise = tags

	if err := s.putProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *Store) putProfile(ctx context.Context, profile *models.AgentProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, kv.BucketProfiles, profile.AgentUID, raw, nil)
}
