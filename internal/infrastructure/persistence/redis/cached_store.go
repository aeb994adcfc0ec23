package redis

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHED STORE
// Read-through кэш профилей, статистики и достижений.
// Успешная запись кладёт новую версию в кэш, конфликт версий удаляет ключ,
// чтобы повторный цикл прочитал запись из базы. Ошибки Redis не выходят наружу:
// при недоступном кэше запросы идут прямо в хранилище.
// ══════════════════════════════════════════════════════════════════════════════

// CacheObserver counts hits and misses per record kind.
type CacheObserver interface {
	CacheHit(kind string)
	CacheMiss(kind string)
}

type nopCacheObserver struct{}

func (nopCacheObserver) CacheHit(string)  {}
func (nopCacheObserver) CacheMiss(string) {}

// CachedStore decorates a learner.Store.
type CachedStore struct {
	next     learner.Store
	cache    *Cache
	ttl      time.Duration
	log      *logger.Logger
	observer CacheObserver
}

var _ learner.Store = (*CachedStore)(nil)

// NewCachedStore wraps next. ttl <= 0 uses TTLLearnerState.
func NewCachedStore(next learner.Store, cache *Cache, ttl time.Duration, log *logger.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = TTLLearnerState
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedStore{
		next:     next,
		cache:    cache,
		ttl:      ttl,
		log:      log.With(logger.Component("cached_store")),
		observer: nopCacheObserver{},
	}
}

// WithObserver sets the hit/miss observer.
func (s *CachedStore) WithObserver(o CacheObserver) *CachedStore {
	if o != nil {
		s.observer = o
	}
	return s
}

// Ping checks the durable store only: the cache is optional.
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func readThrough[T any](ctx context.Context, s *CachedStore, kind, key string, load func() (T, error)) (T, error) {
	var v T
	err := s.cache.Get(ctx, key, &v)
	if err == nil {
		s.observer.CacheHit(kind)
		return v, nil
	}
	s.observer.CacheMiss(kind)
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn("cache read failed", logger.String("key", key), logger.Err(err))
	}

	v, err = load()
	if err != nil {
		return v, err
	}
	s.remember(ctx, key, v)
	return v, nil
}

// written updates the cache after a Put.
func (s *CachedStore) written(ctx context.Context, key string, v any, err error) {
	switch {
	case err == nil:
		s.remember(ctx, key, v)
	case shared.IsConflict(err):
		s.forget(ctx, key)
	}
}

func (s *CachedStore) remember(ctx context.Context, key string, v any) {
	if err := s.cache.Set(ctx, key, v, s.ttl); err != nil {
		s.log.Warn("cache write failed", logger.String("key", key), logger.Err(err))
	}
}

func (s *CachedStore) forget(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("cache invalidation failed", logger.String("key", key), logger.Err(err))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

func (s *CachedStore) GetProfile(ctx context.Context, learnerID, moduleID string) (profile.Profile, error) {
	return readThrough(ctx, s, "profile", learner.ProfileKey(learnerID, moduleID), func() (profile.Profile, error) {
		return s.next.GetProfile(ctx, learnerID, moduleID)
	})
}

func (s *CachedStore) PutProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	out, err := s.next.PutProfile(ctx, p)
	s.written(ctx, learner.ProfileKey(p.LearnerID, p.ModuleID), out, err)
	return out, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

func (s *CachedStore) GetStats(ctx context.Context, learnerID string) (metrics.Ledger, error) {
	return readThrough(ctx, s, "stats", learner.StatsKey(learnerID), func() (metrics.Ledger, error) {
		return s.next.GetStats(ctx, learnerID)
	})
}

func (s *CachedStore) PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	out, err := s.next.PutStats(ctx, l)
	s.written(ctx, learner.StatsKey(l.LearnerID), out, err)
	return out, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Sequences are not cached: every step completion rewrites them.
// ─────────────────────────────────────────────────────────────────────────────

func (s *CachedStore) GetSequence(ctx context.Context, learnerID, moduleID string) (progression.Sequence, error) {
	return s.next.GetSequence(ctx, learnerID, moduleID)
}

func (s *CachedStore) PutSequence(ctx context.Context, seq progression.Sequence) (progression.Sequence, error) {
	return s.next.PutSequence(ctx, seq)
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// ─────────────────────────────────────────────────────────────────────────────

func (s *CachedStore) GetUnlocked(ctx context.Context, learnerID string) (learner.UnlockedRecord, error) {
	return readThrough(ctx, s, "unlocked", learner.UnlockedKey(learnerID), func() (learner.UnlockedRecord, error) {
		return s.next.GetUnlocked(ctx, learnerID)
	})
}

func (s *CachedStore) PutUnlocked(ctx context.Context, r learner.UnlockedRecord) (learner.UnlockedRecord, error) {
	out, err := s.next.PutUnlocked(ctx, r)
	s.written(ctx, learner.UnlockedKey(r.LearnerID), out, err)
	return out, err
}
