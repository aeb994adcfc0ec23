package postgres

// Migrations returns the embedded schema migrations in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_learner_state", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_unlocked_achievements", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEARNER STATE
// Документ записи хранится в JSONB, рядом вынесены колонки для отчётов.
// version - счётчик оптимистической блокировки, растёт на 1 при каждой записи.
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS learner_profiles (
    learner_id TEXT NOT NULL,
    module_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    mastery_level DOUBLE PRECISION NOT NULL DEFAULT 0,
    engagement_level INTEGER NOT NULL DEFAULT 0,
    difficulty_mode TEXT NOT NULL,
    challenge_comfort TEXT NOT NULL,
    document JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (learner_id, module_id),
    CONSTRAINT valid_profile_version CHECK (version > 0),
    CONSTRAINT valid_mastery CHECK (mastery_level >= 0 AND mastery_level <= 100),
    CONSTRAINT valid_engagement CHECK (engagement_level >= 0 AND engagement_level <= 100)
);

CREATE TABLE IF NOT EXISTS learner_stats (
    learner_id TEXT PRIMARY KEY,
    version BIGINT NOT NULL,
    modules_completed INTEGER NOT NULL DEFAULT 0,
    streak_days INTEGER NOT NULL DEFAULT 0,
    document JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_stats_version CHECK (version > 0)
);

CREATE TABLE IF NOT EXISTS module_sequences (
    learner_id TEXT NOT NULL,
    module_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE,
    document JSONB NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (learner_id, module_id),
    CONSTRAINT valid_sequence_version CHECK (version > 0)
);

CREATE INDEX IF NOT EXISTS idx_module_sequences_completed
    ON module_sequences(module_id, completed_at) WHERE completed_at IS NOT NULL;
`

const migration001Down = `
DROP TABLE IF EXISTS module_sequences;
DROP TABLE IF EXISTS learner_stats;
DROP TABLE IF EXISTS learner_profiles;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: UNLOCKED ACHIEVEMENTS
// Множество разблокированных достижений только растёт: строки не удаляются.
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS learner_unlock_sets (
    learner_id TEXT PRIMARY KEY,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_unlock_version CHECK (version > 0)
);

CREATE TABLE IF NOT EXISTS unlocked_achievements (
    learner_id TEXT NOT NULL REFERENCES learner_unlock_sets(learner_id) ON DELETE CASCADE,
    achievement_id TEXT NOT NULL,
    unlocked_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (learner_id, achievement_id)
);

CREATE INDEX IF NOT EXISTS idx_unlocked_achievements_id ON unlocked_achievements(achievement_id);
`

const migration002Down = `
DROP TABLE IF EXISTS unlocked_achievements;
DROP TABLE IF EXISTS learner_unlock_sets;
`
