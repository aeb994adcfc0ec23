package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER STORE
// Version 0 во входящей записи означает INSERT, иначе UPDATE ... WHERE version = $n.
// Ноль затронутых строк - конфликт версий.
// ══════════════════════════════════════════════════════════════════════════════

// LearnerStore implements learner.Store on PostgreSQL.
type LearnerStore struct {
	conn *Connection
	now  func() time.Time
}

var _ learner.Store = (*LearnerStore)(nil)

// NewLearnerStore creates a store over an open connection.
func NewLearnerStore(conn *Connection) *LearnerStore {
	return &LearnerStore{conn: conn, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks the database.
func (s *LearnerStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return shared.StoreUnavailable("Ping", err)
	}
	return nil
}

// put runs insertSQL for a new record or updateSQL with the expected version
// appended as the last argument.
func put(ctx context.Context, q Querier, op, key string, version int64, insertSQL, updateSQL string, args ...any) error {
	sql := insertSQL
	if version != 0 {
		sql = updateSQL
		args = append(args, version)
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return classify(op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Conflict(op, key)
	}
	return nil
}

// getDocument reads (version, document) and decodes the document into dst.
func getDocument(ctx context.Context, q Querier, op, key string, dst any, sql string, args ...any) (int64, error) {
	var (
		version int64
		doc     []byte
	)
	if err := q.QueryRow(ctx, sql, args...).Scan(&version, &doc); err != nil {
		return 0, classify(op, key, err)
	}
	if err := json.Unmarshal(doc, dst); err != nil {
		return 0, shared.StoreUnavailable(op, fmt.Errorf("decode %s: %w", key, err))
	}
	return version, nil
}

func encode(op string, v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, shared.WrapError("store", op, shared.ErrValidation, "record cannot be encoded", err)
	}
	return doc, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

const (
	selectProfile = `SELECT version, document FROM learner_profiles WHERE learner_id = $1 AND module_id = $2`

	insertProfile = `
		INSERT INTO learner_profiles (
			learner_id, module_id, mastery_level, engagement_level,
			difficulty_mode, challenge_comfort, document, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (learner_id, module_id) DO NOTHING`

	updateProfile = `
		UPDATE learner_profiles SET
			mastery_level = $3, engagement_level = $4,
			difficulty_mode = $5, challenge_comfort = $6,
			document = $7, updated_at = $8, version = version + 1
		WHERE learner_id = $1 AND module_id = $2 AND version = $9`
)

func (s *LearnerStore) GetProfile(ctx context.Context, learnerID, moduleID string) (profile.Profile, error) {
	var p profile.Profile
	version, err := getDocument(ctx, s.conn, "GetProfile", learner.ProfileKey(learnerID, moduleID), &p,
		selectProfile, learnerID, moduleID)
	if err != nil {
		return profile.Profile{}, err
	}
	p.Version = version
	return p, nil
}

func (s *LearnerStore) PutProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	const op = "PutProfile"
	doc, err := encode(op, p)
	if err != nil {
		return p, err
	}

	err = put(ctx, s.conn, op, learner.ProfileKey(p.LearnerID, p.ModuleID), p.Version, insertProfile, updateProfile,
		p.LearnerID, p.ModuleID, p.Mastery, p.Engagement,
		string(p.DifficultyMode), string(p.ChallengeComfort), doc, s.now())
	if err != nil {
		return p, err
	}

	next := p.Clone()
	next.Version++
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

const (
	selectStats = `SELECT version, document FROM learner_stats WHERE learner_id = $1`

	insertStats = `
		INSERT INTO learner_stats (learner_id, modules_completed, streak_days, document, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (learner_id) DO NOTHING`

	updateStats = `
		UPDATE learner_stats SET
			modules_completed = $2, streak_days = $3, document = $4,
			updated_at = $5, version = version + 1
		WHERE learner_id = $1 AND version = $6`
)

func (s *LearnerStore) GetStats(ctx context.Context, learnerID string) (metrics.Ledger, error) {
	var l metrics.Ledger
	version, err := getDocument(ctx, s.conn, "GetStats", learner.StatsKey(learnerID), &l, selectStats, learnerID)
	if err != nil {
		return metrics.Ledger{}, err
	}
	if l.CompletedModules == nil {
		l.CompletedModules = make(map[string]time.Time)
	}
	l.Version = version
	return l, nil
}

func (s *LearnerStore) PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	const op = "PutStats"
	doc, err := encode(op, l)
	if err != nil {
		return l, err
	}

	err = put(ctx, s.conn, op, learner.StatsKey(l.LearnerID), l.Version, insertStats, updateStats,
		l.LearnerID, l.Stats.ModulesCompleted, l.Stats.StreakDays, doc, s.now())
	if err != nil {
		return l, err
	}

	next := l.Clone()
	next.Version++
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sequences
// ─────────────────────────────────────────────────────────────────────────────

const (
	selectSequence = `SELECT version, document FROM module_sequences WHERE learner_id = $1 AND module_id = $2`

	insertSequence = `
		INSERT INTO module_sequences (learner_id, module_id, completed_at, document, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (learner_id, module_id) DO NOTHING`

	updateSequence = `
		UPDATE module_sequences SET
			completed_at = $3, document = $4, updated_at = $5, version = version + 1
		WHERE learner_id = $1 AND module_id = $2 AND version = $6`
)

func (s *LearnerStore) GetSequence(ctx context.Context, learnerID, moduleID string) (progression.Sequence, error) {
	var seq progression.Sequence
	version, err := getDocument(ctx, s.conn, "GetSequence", learner.SequenceKey(learnerID, moduleID), &seq,
		selectSequence, learnerID, moduleID)
	if err != nil {
		return progression.Sequence{}, err
	}
	seq.Version = version
	return seq, nil
}

func (s *LearnerStore) PutSequence(ctx context.Context, seq progression.Sequence) (progression.Sequence, error) {
	const op = "PutSequence"
	doc, err := encode(op, seq)
	if err != nil {
		return seq, err
	}

	err = put(ctx, s.conn, op, learner.SequenceKey(seq.LearnerID, seq.ModuleID), seq.Version, insertSequence, updateSequence,
		seq.LearnerID, seq.ModuleID, seq.CompletedAt, doc, s.now())
	if err != nil {
		return seq, err
	}

	next := seq.Clone()
	next.Version++
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// Версия хранится в learner_unlock_sets, сами достижения - строками.
// Запись добавляет недостающие строки; удалённые из записи id не удаляются.
// ─────────────────────────────────────────────────────────────────────────────

const (
	selectUnlockSet = `SELECT version, updated_at FROM learner_unlock_sets WHERE learner_id = $1`

	selectUnlocked = `SELECT achievement_id, unlocked_at FROM unlocked_achievements WHERE learner_id = $1`

	insertUnlockSet = `
		INSERT INTO learner_unlock_sets (learner_id, updated_at, version) VALUES ($1, $2, 1)
		ON CONFLICT (learner_id) DO NOTHING`

	updateUnlockSet = `
		UPDATE learner_unlock_sets SET updated_at = $2, version = version + 1
		WHERE learner_id = $1 AND version = $3`

	insertUnlocked = `
		INSERT INTO unlocked_achievements (learner_id, achievement_id, unlocked_at) VALUES ($1, $2, $3)
		ON CONFLICT (learner_id, achievement_id) DO NOTHING`
)

func (s *LearnerStore) GetUnlocked(ctx context.Context, learnerID string) (learner.UnlockedRecord, error) {
	const op = "GetUnlocked"
	key := learner.UnlockedKey(learnerID)

	r := learner.NewUnlockedRecord(learnerID)
	if err := s.conn.QueryRow(ctx, selectUnlockSet, learnerID).Scan(&r.Version, &r.UpdatedAt); err != nil {
		return learner.UnlockedRecord{}, classify(op, key, err)
	}

	rows, err := s.conn.Query(ctx, selectUnlocked, learnerID)
	if err != nil {
		return learner.UnlockedRecord{}, classify(op, key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return learner.UnlockedRecord{}, classify(op, key, err)
		}
		r.Achievements[id] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return learner.UnlockedRecord{}, classify(op, key, err)
	}
	return r, nil
}

func (s *LearnerStore) PutUnlocked(ctx context.Context, r learner.UnlockedRecord) (learner.UnlockedRecord, error) {
	const op = "PutUnlocked"
	key := learner.UnlockedKey(r.LearnerID)
	at := s.now()

	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := put(ctx, tx, op, key, r.Version, insertUnlockSet, updateUnlockSet, r.LearnerID, at); err != nil {
			return err
		}
		for id, unlockedAt := range r.Achievements {
			if _, err := tx.Exec(ctx, insertUnlocked, r.LearnerID, id, unlockedAt); err != nil {
				return classify(op, key, err)
			}
		}
		return nil
	})
	if err != nil {
		if shared.IsConflict(err) || shared.IsStoreUnavailable(err) {
			return r, err
		}
		return r, shared.StoreUnavailable(op, err)
	}

	next := r
	next.Achievements = make(achievement.Unlocked, len(r.Achievements))
	for id, t := range r.Achievements {
		next.Achievements[id] = t
	}
	next.Version++
	next.UpdatedAt = at
	return next, nil
}
