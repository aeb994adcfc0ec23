// Package profile содержит модель профиля ученика: стиль обучения, темп,
// предпочтения по сложности, вовлечённость, уровень освоения и
// сильные/слабые темы. Профиль ведётся отдельно для каждого модуля.
package profile

import (
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// LearningStyle определяет предпочитаемый способ подачи материала.
type LearningStyle string

const (
	StyleVisual      LearningStyle = "visual"
	StyleAuditory    LearningStyle = "auditory"
	StyleKinesthetic LearningStyle = "kinesthetic"
	StyleReading     LearningStyle = "reading"
)

// IsValid проверяет, что стиль известен.
func (s LearningStyle) IsValid() bool {
	switch s {
	case StyleVisual, StyleAuditory, StyleKinesthetic, StyleReading:
		return true
	default:
		return false
	}
}

// Pace - предпочитаемый темп.
type Pace string

const (
	PaceSlow   Pace = "slow"
	PaceMedium Pace = "medium"
	PaceFast   Pace = "fast"
)

// IsValid проверяет, что темп известен.
func (p Pace) IsValid() bool {
	return p == PaceSlow || p == PaceMedium || p == PaceFast
}

// DifficultyMode is the axis the adaptation selector reads.
type DifficultyMode string

const (
	ModeGradual   DifficultyMode = "gradual"
	ModeChallenge DifficultyMode = "challenge"
	ModeAdaptive  DifficultyMode = "adaptive"
)

// IsValid проверяет, что режим известен.
func (m DifficultyMode) IsValid() bool {
	return m == ModeGradual || m == ModeChallenge || m == ModeAdaptive
}

// ParseDifficultyMode maps an empty string to adaptive and rejects anything unknown.
func ParseDifficultyMode(s string) (DifficultyMode, error) {
	if s == "" {
		return ModeAdaptive, nil
	}
	m := DifficultyMode(s)
	if !m.IsValid() {
		return "", shared.Validationf("profile", "ParseDifficultyMode", "unknown difficulty mode %q", s)
	}
	return m, nil
}

// ChallengeComfort is a self-reported comfort level. It is stored and shown
// next to DifficultyMode but never converted into it.
type ChallengeComfort string

const (
	ComfortChallenging ChallengeComfort = "challenging"
	ComfortBalanced    ChallengeComfort = "balanced"
	ComfortComfortable ChallengeComfort = "comfortable"
)

// IsValid проверяет, что значение известно.
func (c ChallengeComfort) IsValid() bool {
	return c == ComfortChallenging || c == ComfortBalanced || c == ComfortComfortable
}

// ══════════════════════════════════════════════════════════════════════════════
// TOPIC ACCURACY
// ══════════════════════════════════════════════════════════════════════════════

// StrengthThreshold - точность (в процентах), начиная с которой тема считается сильной.
const StrengthThreshold = 70.0

// TopicTally - накопленные ответы по теме.
type TopicTally struct {
	Correct  int `json:"correct"`
	Attempts int `json:"attempts"`
}

// Accuracy returns correct/attempts in percent, 0 when there are no attempts.
func (t TopicTally) Accuracy() float64 {
	return shared.Percent(float64(t.Correct), float64(t.Attempts))
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: PROFILE
// ══════════════════════════════════════════════════════════════════════════════

const (
	// InitialEngagement - вовлечённость нового ученика.
	InitialEngagement = 50

	engagementPenalty = 10
	engagementBonus   = 5

	// Отношение фактического времени к ожидаемому.
	stalledRatio = 1.5
	rushedRatio  = 0.8

	// AppliedWindow - сколько последних ключей изменений помнит профиль.
	AppliedWindow = 64
)

// Profile - профиль ученика в рамках одного модуля.
// Все методы, меняющие состояние, возвращают новую копию.
type Profile struct {
	LearnerID string `json:"learnerId"`
	ModuleID  string `json:"moduleId"`

	LearningStyle    LearningStyle    `json:"learningStyle"`
	Pace             Pace             `json:"pacePreference"`
	DifficultyMode   DifficultyMode   `json:"difficultyPreference"`
	ChallengeComfort ChallengeComfort `json:"challengeComfort"`

	// Engagement в диапазоне 0..100.
	Engagement int `json:"engagementLevel"`
	// Mastery в диапазоне 0..100, не убывает до явного сброса.
	Mastery float64 `json:"masteryLevel"`

	Strengths     []string              `json:"strengths"`
	KnowledgeGaps []string              `json:"knowledgeGaps"`
	Topics        map[string]TopicTally `json:"topics"`

	// Applied holds keys of the newest AppliedWindow changes, oldest first.
	Applied []string `json:"applied,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Preferences are the learner-chosen fields of a profile. Empty fields keep defaults.
type Preferences struct {
	LearningStyle    LearningStyle
	Pace             Pace
	DifficultyMode   DifficultyMode
	ChallengeComfort ChallengeComfort
}

// New создаёт профиль с настройками по умолчанию при первом зачислении на модуль.
func New(learnerID, moduleID string, at time.Time) Profile {
	return Profile{
		LearnerID:        learnerID,
		ModuleID:         moduleID,
		LearningStyle:    StyleVisual,
		Pace:             PaceMedium,
		DifficultyMode:   ModeAdaptive,
		ChallengeComfort: ComfortBalanced,
		Engagement:       InitialEngagement,
		Strengths:        []string{},
		KnowledgeGaps:    []string{},
		Topics:           make(map[string]TopicTally),
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

// WithPreferences applies the non-empty fields of prefs after validating them.
func (p Profile) WithPreferences(prefs Preferences) (Profile, error) {
	const op = "WithPreferences"

	out := p.Clone()
	if prefs.LearningStyle != "" {
		if !prefs.LearningStyle.IsValid() {
			return p, shared.Validationf("profile", op, "unknown learning style %q", prefs.LearningStyle)
		}
		out.LearningStyle = prefs.LearningStyle
	}
	if prefs.Pace != "" {
		if !prefs.Pace.IsValid() {
			return p, shared.Validationf("profile", op, "unknown pace %q", prefs.Pace)
		}
		out.Pace = prefs.Pace
	}
	if prefs.DifficultyMode != "" {
		if !prefs.DifficultyMode.IsValid() {
			return p, shared.Validationf("profile", op, "unknown difficulty mode %q", prefs.DifficultyMode)
		}
		out.DifficultyMode = prefs.DifficultyMode
	}
	if prefs.ChallengeComfort != "" {
		if !prefs.ChallengeComfort.IsValid() {
			return p, shared.Validationf("profile", op, "unknown challenge comfort %q", prefs.ChallengeComfort)
		}
		out.ChallengeComfort = prefs.ChallengeComfort
	}
	return out, nil
}

// Clone возвращает глубокую копию.
func (p Profile) Clone() Profile {
	out := p
	out.Strengths = slices.Clone(p.Strengths)
	out.KnowledgeGaps = slices.Clone(p.KnowledgeGaps)
	out.Topics = maps.Clone(p.Topics)
	out.Applied = slices.Clone(p.Applied)
	if out.Topics == nil {
		out.Topics = make(map[string]TopicTally)
	}
	if out.Strengths == nil {
		out.Strengths = []string{}
	}
	if out.KnowledgeGaps == nil {
		out.KnowledgeGaps = []string{}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// ADAPT
// ══════════════════════════════════════════════════════════════════════════════

// StepOutcome - результат завершённого шага.
type StepOutcome struct {
	Score                   float64 `json:"score"`
	ExpectedDurationMinutes float64 `json:"expectedDurationMinutes"`
	ActualMinutes           float64 `json:"actualMinutes"`
}

// Adapt folds a step outcome into the profile. Inputs are clamped, never rejected.
//
// Mastery grows by score/10 up to 100. Engagement drops by 10 when the learner
// took more than 1.5x the estimate and rises by 5 below 0.8x. A zero duration on
// either side leaves the ratio undefined and engagement as it was.
func (p Profile) Adapt(o StepOutcome, at time.Time) Profile {
	out := p.Clone()

	score := shared.Clamp(o.Score, 0, 100)
	out.Mastery = shared.Clamp(out.Mastery+score/10, shared.MinLevel, shared.MaxLevel)

	if o.ExpectedDurationMinutes > 0 && o.ActualMinutes > 0 {
		switch ratio := o.ActualMinutes / o.ExpectedDurationMinutes; {
		case ratio > stalledRatio:
			out.Engagement = max(shared.MinLevel, out.Engagement-engagementPenalty)
		case ratio < rushedRatio:
			out.Engagement = min(shared.MaxLevel, out.Engagement+engagementBonus)
		}
	}
	out.Engagement = shared.ClampInt(out.Engagement, shared.MinLevel, shared.MaxLevel)

	if at.After(out.UpdatedAt) {
		out.UpdatedAt = at
	}
	return out
}

// RecordTopic adds a data point for topic and reclassifies that topic only.
// A zero-attempt tally is ignored.
func (p Profile) RecordTopic(topic string, correct, attempts int, at time.Time) Profile {
	if topic == "" || attempts <= 0 {
		return p
	}
	correct = shared.ClampInt(correct, 0, attempts)

	out := p.Clone()
	tally := out.Topics[topic]
	tally.Correct += correct
	tally.Attempts += attempts
	out.Topics[topic] = tally

	out.Strengths = lo.Without(out.Strengths, topic)
	out.KnowledgeGaps = lo.Without(out.KnowledgeGaps, topic)
	if tally.Accuracy() >= StrengthThreshold {
		out.Strengths = append(out.Strengths, topic)
		slices.Sort(out.Strengths)
	} else {
		out.KnowledgeGaps = append(out.KnowledgeGaps, topic)
		slices.Sort(out.KnowledgeGaps)
	}

	if at.After(out.UpdatedAt) {
		out.UpdatedAt = at
	}
	return out
}

// HasApplied reports whether a change with key is inside the remembered window.
func (p Profile) HasApplied(key string) bool {
	return key != "" && slices.Contains(p.Applied, key)
}

func (p *Profile) markApplied(key string) {
	if key == "" {
		return
	}
	p.Applied = append(p.Applied, key)
	if n := len(p.Applied) - AppliedWindow; n > 0 {
		p.Applied = slices.Delete(p.Applied, 0, n)
	}
}

// AdaptOnce is Adapt keyed by key. A key the profile already holds leaves it
// unchanged and returns false.
func (p Profile) AdaptOnce(key string, o StepOutcome, at time.Time) (Profile, bool) {
	if p.HasApplied(key) {
		return p, false
	}
	out := p.Adapt(o, at)
	out.markApplied(key)
	return out, true
}

// RecordTopicOnce is RecordTopic keyed by key, see AdaptOnce.
func (p Profile) RecordTopicOnce(key, topic string, correct, attempts int, at time.Time) (Profile, bool) {
	if p.HasApplied(key) {
		return p, false
	}
	out := p.RecordTopic(topic, correct, attempts, at).Clone()
	out.markApplied(key)
	return out, true
}

// ResetMastery is the explicit reset that lets mastery go down.
func (p Profile) ResetMastery(at time.Time) Profile {
	out := p.Clone()
	out.Mastery = 0
	out.UpdatedAt = at
	return out
}

// IsStrength reports whether topic is currently classified as a strength.
func (p Profile) IsStrength(topic string) bool {
	return lo.Contains(p.Strengths, topic)
}

// IsGap reports whether topic is currently classified as a knowledge gap.
func (p Profile) IsGap(topic string) bool {
	return lo.Contains(p.KnowledgeGaps, topic)
}
