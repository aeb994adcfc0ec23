// Package learner описывает порты долговременного хранилища состояния ученика:
// профили, статистику, прохождения модулей и разблокированные достижения.
package learner

import (
	"context"
	"time"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORDS
// ══════════════════════════════════════════════════════════════════════════════

// UnlockedRecord - множество разблокированных достижений ученика.
type UnlockedRecord struct {
	LearnerID    string               `json:"learnerId"`
	Achievements achievement.Unlocked `json:"achievements"`
	Version      int64                `json:"version"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// NewUnlockedRecord creates an empty set for a learner.
func NewUnlockedRecord(learnerID string) UnlockedRecord {
	return UnlockedRecord{LearnerID: learnerID, Achievements: achievement.Unlocked{}}
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Все записи версионированы. Put* принимает запись, прочитанную ранее:
//   - Version 0 означает "записи ещё нет";
//   - если в хранилище другая версия, возвращается ErrConcurrentModification;
//   - при успехе возвращается запись с Version+1.
// Сбой транспорта или драйвера возвращается как ErrStoreUnavailable.
// ══════════════════════════════════════════════════════════════════════════════

// ProfileRepository хранит профили по (learnerID, moduleID).
type ProfileRepository interface {
	// GetProfile возвращает ErrNotFound, если профиля нет.
	GetProfile(ctx context.Context, learnerID, moduleID string) (profile.Profile, error)
	PutProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
}

// StatsRepository хранит леджер статистики по learnerID.
type StatsRepository interface {
	// GetStats возвращает ErrNotFound для нового ученика.
	GetStats(ctx context.Context, learnerID string) (metrics.Ledger, error)
	PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error)
}

// SequenceRepository хранит прохождения модулей по (learnerID, moduleID).
type SequenceRepository interface {
	GetSequence(ctx context.Context, learnerID, moduleID string) (progression.Sequence, error)
	PutSequence(ctx context.Context, s progression.Sequence) (progression.Sequence, error)
}

// AchievementRepository хранит разблокированные достижения по learnerID.
type AchievementRepository interface {
	GetUnlocked(ctx context.Context, learnerID string) (UnlockedRecord, error)
	PutUnlocked(ctx context.Context, r UnlockedRecord) (UnlockedRecord, error)
}

// Store объединяет все репозитории.
type Store interface {
	ProfileRepository
	StatsRepository
	SequenceRepository
	AchievementRepository

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// LoadLedger returns the stored ledger or a fresh one for a new learner.
func LoadLedger(ctx context.Context, repo StatsRepository, learnerID string) (metrics.Ledger, error) {
	l, err := repo.GetStats(ctx, learnerID)
	if shared.IsNotFound(err) {
		return metrics.NewLedger(learnerID), nil
	}
	return l, err
}

// LoadUnlocked returns the stored unlocked set or an empty one.
func LoadUnlocked(ctx context.Context, repo AchievementRepository, learnerID string) (UnlockedRecord, error) {
	r, err := repo.GetUnlocked(ctx, learnerID)
	if shared.IsNotFound(err) {
		return NewUnlockedRecord(learnerID), nil
	}
	if err == nil && r.Achievements == nil {
		r.Achievements = achievement.Unlocked{}
	}
	return r, err
}

// ProfileKey and SequenceKey identify per-module records in key-value backends.
func ProfileKey(learnerID, moduleID string) string {
	return "profile:" + learnerID + ":" + moduleID
}

// SequenceKey - ключ прохождения модуля.
func SequenceKey(learnerID, moduleID string) string {
	return "sequence:" + learnerID + ":" + moduleID
}

// StatsKey - ключ статистики ученика.
func StatsKey(learnerID string) string {
	return "stats:" + learnerID
}

// UnlockedKey - ключ множества достижений ученика.
func UnlockedKey(learnerID string) string {
	return "unlocked:" + learnerID
}
