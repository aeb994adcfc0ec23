package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/adaptation"
	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/memory"
)

var now = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*GetModuleViewHandler, *memory.Store, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.New(catalog.Document{
		Modules: []catalog.Module{{ID: "algebra", Steps: []catalog.StepDef{
			{ID: "intro", Type: catalog.StepContent},
			{ID: "quiz", Type: catalog.StepAssessment},
		}}},
		Achievements: []catalog.AchievementTemplate{
			{ID: "perfect_score", Rarity: catalog.RarityRare, Points: 50,
				Requirement: catalog.Requirement{Type: catalog.ReqPerfectQuizzes, Threshold: 1}},
			{ID: "quiz_master", Rarity: catalog.RarityEpic, Points: 100,
				Requirement: catalog.Requirement{Type: catalog.ReqPerfectQuizzes, Threshold: 5}},
		},
		Recommendations: catalog.RecommendationRules{
			Default: catalog.RecommendationTemplate{Title: "Review {topic}", Body: "Go back over {topic}."},
		},
	})
	require.NoError(t, err)
	ev, err := achievement.NewEvaluator(cat)
	require.NoError(t, err)

	store := memory.New()
	h := NewGetModuleViewHandler(store, ev, adaptation.NewRuleTable(cat.Recommendations()))
	h.now = func() time.Time { return now }
	return h, store, cat
}

func TestGetModuleView(t *testing.T) {
	ctx := context.Background()
	h, store, cat := setup(t)

	p := profile.New("learner-1", "algebra", now).RecordTopic("fractions", 1, 4, now)
	p.ChallengeComfort = profile.ComfortChallenging
	_, err := store.PutProfile(ctx, p)
	require.NoError(t, err)

	module, err := cat.Module("algebra")
	require.NoError(t, err)
	seq, err := progression.Generate(module, p, p.DifficultyMode, now)
	require.NoError(t, err)
	seq, _, err = seq.Complete(0, now)
	require.NoError(t, err)
	_, err = store.PutSequence(ctx, seq)
	require.NoError(t, err)

	l := metrics.NewLedger("learner-1")
	l.Stats.PerfectQuizzes = 2
	l.Stats.QuizzesPassed = 3
	_, err = store.PutStats(ctx, l)
	require.NoError(t, err)
	_, err = store.PutUnlocked(ctx, learner.UnlockedRecord{
		LearnerID:    "learner-1",
		Achievements: achievement.Unlocked{"perfect_score": now.Add(-time.Hour)},
	})
	require.NoError(t, err)

	view, err := h.Handle(ctx, GetModuleViewQuery{LearnerID: "learner-1", ModuleID: "algebra"})
	require.NoError(t, err)

	assert.InDelta(t, 50.0, view.PercentComplete, 1e-9)
	require.NotNil(t, view.CurrentStep)
	assert.Equal(t, 1, *view.CurrentStep)
	assert.False(t, view.Completed)

	assert.Equal(t, profile.ModeAdaptive, view.Profile.DifficultyPreference)
	assert.Equal(t, profile.ComfortChallenging, view.Profile.ChallengeComfort)
	assert.Equal(t, []string{"fractions"}, view.Profile.KnowledgeGaps)

	require.Len(t, view.Recommendations, 1)
	assert.Equal(t, "Review fractions", view.Recommendations[0].Title)

	require.Len(t, view.Achievements, 2)
	assert.True(t, view.Achievements[0].IsUnlocked)
	assert.InDelta(t, 40.0, view.Achievements[1].ProgressPercent, 1e-9)
	assert.Equal(t, 50, view.EarnedPoints)
}

func TestGetModuleView_NotEnrolled(t *testing.T) {
	h, _, _ := setup(t)

	_, err := h.Handle(context.Background(), GetModuleViewQuery{LearnerID: "learner-1", ModuleID: "algebra"})
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(context.Background(), GetModuleViewQuery{LearnerID: "learner-1"})
	assert.True(t, shared.IsValidation(err))
}
