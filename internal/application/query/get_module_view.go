// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/adaptation"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET MODULE VIEW QUERY
// Всё, что слой представления показывает на странице модуля: шаги и прогресс,
// профиль (обе оси сложности), рекомендации и достижения с прогрессом.
// Только чтение: ничего не пишет и ничего не публикует.
// ══════════════════════════════════════════════════════════════════════════════

// GetModuleViewQuery содержит параметры запроса.
type GetModuleViewQuery struct {
	LearnerID string
	ModuleID  string
}

// Validate проверяет корректность параметров запроса.
func (q GetModuleViewQuery) Validate() error {
	if err := shared.ValidateID("query", "GetModuleView", "learnerId", q.LearnerID); err != nil {
		return err
	}
	return shared.ValidateID("query", "GetModuleView", "moduleId", q.ModuleID)
}

// ProfileDTO - профиль в том виде, в каком его видит слой представления.
type ProfileDTO struct {
	LearningStyle        profile.LearningStyle    `json:"learningStyle"`
	PacePreference       profile.Pace             `json:"pacePreference"`
	DifficultyPreference profile.DifficultyMode   `json:"difficultyPreference"`
	ChallengeComfort     profile.ChallengeComfort `json:"challengeComfort"`
	EngagementLevel      int                      `json:"engagementLevel"`
	MasteryLevel         float64                  `json:"masteryLevel"`
	Strengths            []string                 `json:"strengths"`
	KnowledgeGaps        []string                 `json:"knowledgeGaps"`
}

// ModuleViewDTO - ответ запроса.
type ModuleViewDTO struct {
	LearnerID string `json:"learnerId"`
	ModuleID  string `json:"moduleId"`

	// ─────────────────────────────────────────────────────────────────────────
	// Прохождение
	// ─────────────────────────────────────────────────────────────────────────

	Steps           []progression.Step `json:"steps"`
	PercentComplete float64            `json:"percentComplete"`
	// CurrentStep is nil when the module is completed.
	CurrentStep *int `json:"currentStep"`
	Completed   bool `json:"completed"`

	// ─────────────────────────────────────────────────────────────────────────
	// Ученик
	// ─────────────────────────────────────────────────────────────────────────

	Profile         ProfileDTO                  `json:"profile"`
	Stats           metrics.Stats               `json:"stats"`
	BestStreak      int                         `json:"bestStreak"`
	Recommendations []adaptation.Recommendation `json:"recommendations"`
	Achievements    []achievement.Instance      `json:"achievements"`
	EarnedPoints    int                         `json:"earnedPoints"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// ViewStore is the read side of the learner store.
type ViewStore interface {
	learner.ProfileRepository
	learner.SequenceRepository
	learner.StatsRepository
	learner.AchievementRepository
}

// GetModuleViewHandler обрабатывает запрос.
type GetModuleViewHandler struct {
	store     ViewStore
	evaluator *achievement.Evaluator
	rules     *adaptation.RuleTable
	now       func() time.Time
}

// NewGetModuleViewHandler создаёт обработчик.
func NewGetModuleViewHandler(store ViewStore, evaluator *achievement.Evaluator, rules *adaptation.RuleTable) *GetModuleViewHandler {
	return &GetModuleViewHandler{
		store:     store,
		evaluator: evaluator,
		rules:     rules,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle выполняет запрос. Ученик, не начавший модуль, получает ErrNotFound.
func (h *GetModuleViewHandler) Handle(ctx context.Context, q GetModuleViewQuery) (*ModuleViewDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_module_view: %w", err)
	}

	var (
		seq      progression.Sequence
		prof     profile.Profile
		ledger   metrics.Ledger
		unlocked learner.UnlockedRecord
	)

	// Четыре независимых чтения
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		seq, err = h.store.GetSequence(gctx, q.LearnerID, q.ModuleID)
		return err
	})
	g.Go(func() (err error) {
		prof, err = h.store.GetProfile(gctx, q.LearnerID, q.ModuleID)
		return err
	})
	g.Go(func() (err error) {
		ledger, err = learner.LoadLedger(gctx, h.store, q.LearnerID)
		return err
	})
	g.Go(func() (err error) {
		unlocked, err = learner.LoadUnlocked(gctx, h.store, q.LearnerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("get_module_view: %w", err)
	}

	at := h.now()
	res, err := h.evaluator.Evaluate(ledger.Stats, unlocked.Achievements, at)
	if err != nil {
		return nil, fmt.Errorf("get_module_view: %w", err)
	}

	view := &ModuleViewDTO{
		LearnerID:       q.LearnerID,
		ModuleID:        q.ModuleID,
		Steps:           seq.Steps,
		PercentComplete: seq.Percent(),
		Completed:       seq.IsComplete(),
		Profile:         toProfileDTO(prof),
		Stats:           ledger.Stats,
		BestStreak:      ledger.Streak.Best,
		Recommendations: []adaptation.Recommendation{},
		Achievements:    res.Instances,
		GeneratedAt:     at,
	}
	if cur, ok := seq.Current(); ok {
		view.CurrentStep = &cur
	}
	if h.rules != nil {
		view.Recommendations = h.rules.Recommend(prof)
	}
	for _, inst := range res.Instances {
		if inst.IsUnlocked {
			view.EarnedPoints += inst.Points
		}
	}

	return view, nil
}

func toProfileDTO(p profile.Profile) ProfileDTO {
	return ProfileDTO{
		LearningStyle:        p.LearningStyle,
		PacePreference:       p.Pace,
		DifficultyPreference: p.DifficultyMode,
		ChallengeComfort:     p.ChallengeComfort,
		EngagementLevel:      p.Engagement,
		MasteryLevel:         p.Mastery,
		Strengths:            p.Strengths,
		KnowledgeGaps:        p.KnowledgeGaps,
	}
}
