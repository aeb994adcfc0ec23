// Package guarded puts a circuit breaker in front of the durable learner store.
// While the circuit is open every call fails fast with ErrStoreUnavailable,
// which the lanes treat as retryable.
package guarded

import (
	"context"

	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/circuitbreaker"
)

// Store implements learner.Store.
type Store struct {
	next    learner.Store
	breaker *circuitbreaker.CircuitBreaker
}

var _ learner.Store = (*Store)(nil)

// New wraps next with breaker. Use circuitbreaker.StoreBreaker with
// shared.IsStoreUnavailable so only transport failures trip the circuit.
func New(next learner.Store, breaker *circuitbreaker.CircuitBreaker) *Store {
	return &Store{next: next, breaker: breaker}
}

// State exposes the breaker state for readiness checks.
func (s *Store) State() circuitbreaker.State {
	return s.breaker.State()
}

func call[T any](ctx context.Context, s *Store, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if circuitbreaker.IsRejection(err) {
		return out, shared.StoreUnavailable(op, err)
	}
	return out, err
}

// Ping goes through the breaker too: an open circuit reports not ready.
func (s *Store) Ping(ctx context.Context) error {
	_, err := call(ctx, s, "Ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Ping(ctx)
	})
	return err
}

func (s *Store) GetProfile(ctx context.Context, learnerID, moduleID string) (profile.Profile, error) {
	return call(ctx, s, "GetProfile", func(ctx context.Context) (profile.Profile, error) {
		return s.next.GetProfile(ctx, learnerID, moduleID)
	})
}

func (s *Store) PutProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	return call(ctx, s, "PutProfile", func(ctx context.Context) (profile.Profile, error) {
		return s.next.PutProfile(ctx, p)
	})
}

func (s *Store) GetStats(ctx context.Context, learnerID string) (metrics.Ledger, error) {
	return call(ctx, s, "GetStats", func(ctx context.Context) (metrics.Ledger, error) {
		return s.next.GetStats(ctx, learnerID)
	})
}

func (s *Store) PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	return call(ctx, s, "PutStats", func(ctx context.Context) (metrics.Ledger, error) {
		return s.next.PutStats(ctx, l)
	})
}

func (s *Store) GetSequence(ctx context.Context, learnerID, moduleID string) (progression.Sequence, error) {
	return call(ctx, s, "GetSequence", func(ctx context.Context) (progression.Sequence, error) {
		return s.next.GetSequence(ctx, learnerID, moduleID)
	})
}

func (s *Store) PutSequence(ctx context.Context, seq progression.Sequence) (progression.Sequence, error) {
	return call(ctx, s, "PutSequence", func(ctx context.Context) (progression.Sequence, error) {
		return s.next.PutSequence(ctx, seq)
	})
}

func (s *Store) GetUnlocked(ctx context.Context, learnerID string) (learner.UnlockedRecord, error) {
	return call(ctx, s, "GetUnlocked", func(ctx context.Context) (learner.UnlockedRecord, error) {
		return s.next.GetUnlocked(ctx, learnerID)
	})
}

func (s *Store) PutUnlocked(ctx context.Context, r learner.UnlockedRecord) (learner.UnlockedRecord, error) {
	return call(ctx, s, "PutUnlocked", func(ctx context.Context) (learner.UnlockedRecord, error) {
		return s.next.PutUnlocked(ctx, r)
	})
}
