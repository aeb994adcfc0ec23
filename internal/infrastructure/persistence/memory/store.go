// Package memory provides an in-process learner store. It is used by replay
// and by tests; it honours the same version checks as the postgres store.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// Store implements learner.Store.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]profile.Profile
	ledgers   map[string]metrics.Ledger
	sequences map[string]progression.Sequence
	unlocked  map[string]learner.UnlockedRecord
}

var _ learner.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles:  make(map[string]profile.Profile),
		ledgers:   make(map[string]metrics.Ledger),
		sequences: make(map[string]progression.Sequence),
		unlocked:  make(map[string]learner.UnlockedRecord),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(op, key string) error {
	return shared.NewDomainError("store", op, shared.ErrNotFound, fmt.Sprintf("%s not found", key))
}

// checkVersion enforces the optimistic write rule shared by every record kind.
func checkVersion(op, key string, stored int64, exists bool, incoming int64) error {
	if (!exists && incoming != 0) || (exists && stored != incoming) {
		return shared.Conflict(op, key)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetProfile(_ context.Context, learnerID, moduleID string) (profile.Profile, error) {
	key := learner.ProfileKey(learnerID, moduleID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[key]
	if !ok {
		return profile.Profile{}, notFound("GetProfile", key)
	}
	return p.Clone(), nil
}

func (s *Store) PutProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	key := learner.ProfileKey(p.LearnerID, p.ModuleID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.profiles[key]
	if err := checkVersion("PutProfile", key, cur.Version, ok, p.Version); err != nil {
		return p, err
	}
	next := p.Clone()
	next.Version++
	s.profiles[key] = next
	return next.Clone(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetStats(_ context.Context, learnerID string) (metrics.Ledger, error) {
	key := learner.StatsKey(learnerID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[key]
	if !ok {
		return metrics.Ledger{}, notFound("GetStats", key)
	}
	return l.Clone(), nil
}

func (s *Store) PutStats(_ context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	key := learner.StatsKey(l.LearnerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.ledgers[key]
	if err := checkVersion("PutStats", key, cur.Version, ok, l.Version); err != nil {
		return l, err
	}
	next := l.Clone()
	next.Version++
	s.ledgers[key] = next
	return next.Clone(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sequences
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetSequence(_ context.Context, learnerID, moduleID string) (progression.Sequence, error) {
	key := learner.SequenceKey(learnerID, moduleID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.sequences[key]
	if !ok {
		return progression.Sequence{}, notFound("GetSequence", key)
	}
	return seq.Clone(), nil
}

func (s *Store) PutSequence(_ context.Context, seq progression.Sequence) (progression.Sequence, error) {
	key := learner.SequenceKey(seq.LearnerID, seq.ModuleID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sequences[key]
	if err := checkVersion("PutSequence", key, cur.Version, ok, seq.Version); err != nil {
		return seq, err
	}
	next := seq.Clone()
	next.Version++
	s.sequences[key] = next
	return next.Clone(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetUnlocked(_ context.Context, learnerID string) (learner.UnlockedRecord, error) {
	key := learner.UnlockedKey(learnerID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.unlocked[key]
	if !ok {
		return learner.UnlockedRecord{}, notFound("GetUnlocked", key)
	}
	r.Achievements = maps.Clone(r.Achievements)
	return r, nil
}

func (s *Store) PutUnlocked(_ context.Context, r learner.UnlockedRecord) (learner.UnlockedRecord, error) {
	key := learner.UnlockedKey(r.LearnerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.unlocked[key]
	if err := checkVersion("PutUnlocked", key, cur.Version, ok, r.Version); err != nil {
		return r, err
	}
	next := r
	next.Achievements = maps.Clone(r.Achievements)
	next.Version++
	s.unlocked[key] = next

	out := next
	out.Achievements = maps.Clone(next.Achievements)
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection (replay output)
// ─────────────────────────────────────────────────────────────────────────────

// LearnerIDs returns every learner with a stored ledger, sorted.
func (s *Store) LearnerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ids = append(ids, l.LearnerID)
	}
	slices.Sort(ids)
	return ids
}
