package achievement

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

var now = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T, extra ...catalog.AchievementTemplate) *catalog.Catalog {
	t.Helper()

	doc := catalog.Document{
		Modules: []catalog.Module{
			{ID: "algebra", Steps: []catalog.StepDef{{ID: "a", Type: catalog.StepContent}}},
			{ID: "geometry", Steps: []catalog.StepDef{{ID: "g", Type: catalog.StepContent}}},
			{ID: "calculus", Steps: []catalog.StepDef{{ID: "c", Type: catalog.StepContent}}},
		},
		Achievements: append([]catalog.AchievementTemplate{
			{ID: "perfect_score", Rarity: catalog.RarityRare, Points: 50,
				Requirement: catalog.Requirement{Type: catalog.ReqPerfectQuizzes, Threshold: 1}},
			{ID: "quiz_master", Rarity: catalog.RarityEpic, Points: 100,
				Requirement: catalog.Requirement{Type: catalog.ReqPerfectQuizzes, Threshold: 5}},
			{ID: "first_steps", Rarity: catalog.RarityCommon, Points: 10,
				Requirement: catalog.Requirement{Type: catalog.ReqModulesCompleted, Threshold: 1}},
			{ID: "completionist", Rarity: catalog.RarityLegendary, Points: 500,
				Requirement: catalog.Requirement{Type: catalog.ReqAllModules}},
			{ID: "week_streak", Rarity: catalog.RarityRare, Points: 70,
				Requirement: catalog.Requirement{Type: catalog.ReqStreakDays, Threshold: 7}},
			{ID: "marathon", Rarity: catalog.RarityEpic, Points: 120,
				Requirement: catalog.Requirement{Type: catalog.ReqTotalTime, Threshold: 600}},
			{ID: "note_taker", Rarity: catalog.RarityCommon, Points: 20,
				Requirement: catalog.Requirement{Type: catalog.ReqExpression, Expression: "notes_count >= 3 && bookmarks_count >= 1"}},
		}, extra...),
	}

	cat, err := catalog.New(doc)
	require.NoError(t, err)
	return cat
}

func newEvaluator(t *testing.T, extra ...catalog.AchievementTemplate) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(testCatalog(t, extra...))
	require.NoError(t, err)
	return ev
}

func instance(t *testing.T, res Result, id string) Instance {
	t.Helper()
	for _, inst := range res.Instances {
		if inst.ID == id {
			return inst
		}
	}
	t.Fatalf("instance %q not found", id)
	return Instance{}
}

func TestEvaluate_UnlockedReportsFullProgressAfterStreakReset(t *testing.T) {
	ev := newEvaluator(t)
	prev := Unlocked{"week_streak": now.Add(-30 * 24 * time.Hour)}

	// серия сбросилась до 2 дней: разблокировка остаётся, прогресс 100
	res, err := ev.Evaluate(metrics.Stats{StreakDays: 2}, prev, now)
	require.NoError(t, err)

	streak := instance(t, res, "week_streak")
	assert.True(t, streak.IsUnlocked)
	assert.Equal(t, 100.0, streak.ProgressPercent)

	fresh, err := ev.Evaluate(metrics.Stats{StreakDays: 2}, Unlocked{}, now)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/7*100, instance(t, fresh, "week_streak").ProgressPercent, 1e-9)
}

func TestEvaluate_PerfectQuizScenario(t *testing.T) {
	ev := newEvaluator(t)
	earlier := now.Add(-48 * time.Hour)
	prev := Unlocked{"perfect_score": earlier}

	res, err := ev.Evaluate(metrics.Stats{QuizzesPassed: 3, PerfectQuizzes: 2}, prev, now)
	require.NoError(t, err)

	perfect := instance(t, res, "perfect_score")
	assert.True(t, perfect.IsUnlocked)
	require.NotNil(t, perfect.UnlockedAt)
	assert.Equal(t, earlier, *perfect.UnlockedAt)

	master := instance(t, res, "quiz_master")
	assert.False(t, master.IsUnlocked)
	assert.InDelta(t, 40.0, master.ProgressPercent, 1e-9)
	assert.Nil(t, master.UnlockedAt)

	assert.Empty(t, res.NewlyUnlocked)
}

func TestEvaluate_DeltaAndAtMostOnce(t *testing.T) {
	ev := newEvaluator(t)
	stats := metrics.Stats{ModulesCompleted: 1, PerfectQuizzes: 1}

	first, err := ev.Evaluate(stats, Unlocked{}, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"perfect_score", "first_steps"}, first.NewlyUnlockedIDs())
	assert.Equal(t, 60, first.Points())

	prev := Unlocked{}.Union(first.NewlyUnlocked)
	second, err := ev.Evaluate(stats, prev, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second.NewlyUnlocked)
	assert.Equal(t, now, *instance(t, second, "first_steps").UnlockedAt)
}

func TestEvaluate_IsRepeatable(t *testing.T) {
	ev := newEvaluator(t)
	stats := metrics.Stats{ModulesCompleted: 2, NotesCount: 4, BookmarksCount: 1}

	a, err := ev.Evaluate(stats, Unlocked{}, now)
	require.NoError(t, err)
	b, err := ev.Evaluate(stats, Unlocked{}, now)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEvaluate_AllModulesUsesCatalogSize(t *testing.T) {
	ev := newEvaluator(t)

	res, err := ev.Evaluate(metrics.Stats{ModulesCompleted: 2}, nil, now)
	require.NoError(t, err)
	c := instance(t, res, "completionist")
	assert.False(t, c.IsUnlocked)
	assert.InDelta(t, 200.0/3.0, c.ProgressPercent, 1e-9)

	res, err = ev.Evaluate(metrics.Stats{ModulesCompleted: 3}, nil, now)
	require.NoError(t, err)
	assert.True(t, instance(t, res, "completionist").IsUnlocked)
}

func TestEvaluate_ExpressionRequirement(t *testing.T) {
	ev := newEvaluator(t)

	res, err := ev.Evaluate(metrics.Stats{NotesCount: 3}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 0.0, instance(t, res, "note_taker").ProgressPercent)
	assert.False(t, instance(t, res, "note_taker").IsUnlocked)

	res, err = ev.Evaluate(metrics.Stats{NotesCount: 3, BookmarksCount: 1}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 100.0, instance(t, res, "note_taker").ProgressPercent)
	assert.Contains(t, res.NewlyUnlockedIDs(), "note_taker")
}

func TestEvaluate_ExpressionMixesIntAndDouble(t *testing.T) {
	ev := newEvaluator(t, catalog.AchievementTemplate{
		ID: "deep_dive", Rarity: catalog.RarityRare, Points: 30,
		Requirement: catalog.Requirement{Type: catalog.ReqExpression, Expression: "total_time_minutes >= 90.0 && modules_completed < catalog_modules"},
	})

	res, err := ev.Evaluate(metrics.Stats{TotalTimeSpentMinutes: 95.5, ModulesCompleted: 1}, nil, now)
	require.NoError(t, err)
	assert.True(t, instance(t, res, "deep_dive").IsUnlocked)
}

func TestNewEvaluator_RejectsBadExpressions(t *testing.T) {
	cases := map[string]string{
		"syntax":        "notes_count >=",
		"unknown var":   "xp > 100",
		"not a boolean": "notes_count + 1",
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			cat := testCatalog(t, catalog.AchievementTemplate{
				ID: "broken", Rarity: catalog.RarityCommon,
				Requirement: catalog.Requirement{Type: catalog.ReqExpression, Expression: expr},
			})
			_, err := NewEvaluator(cat)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestEvaluate_PreviouslyUnlockedSurvivesStreakReset(t *testing.T) {
	ev := newEvaluator(t)

	first, err := ev.Evaluate(metrics.Stats{StreakDays: 7}, nil, now)
	require.NoError(t, err)
	prev := Unlocked(nil).Union(first.NewlyUnlocked)
	require.True(t, prev.Has("week_streak"))

	after, err := ev.Evaluate(metrics.Stats{StreakDays: 1}, prev, now)
	require.NoError(t, err)
	assert.True(t, instance(t, after, "week_streak").IsUnlocked)
	assert.Empty(t, after.NewlyUnlocked)
}

func TestEvaluate_UnlockMonotonicity(t *testing.T) {
	ev := newEvaluator(t)
	rng := rand.New(rand.NewPCG(3, 5))

	for range 200 {
		s := metrics.Stats{
			ModulesCompleted:      rng.IntN(4),
			QuizzesPassed:         rng.IntN(10),
			PerfectQuizzes:        rng.IntN(7),
			StreakDays:            rng.IntN(10),
			TotalTimeSpentMinutes: rng.Float64() * 800,
			NotesCount:            rng.IntN(5),
			BookmarksCount:        rng.IntN(3),
		}
		bigger := s
		bigger.ModulesCompleted += rng.IntN(2)
		bigger.PerfectQuizzes += rng.IntN(3)
		bigger.StreakDays += rng.IntN(3)
		bigger.TotalTimeSpentMinutes += rng.Float64() * 100
		bigger.NotesCount += rng.IntN(2)
		require.True(t, bigger.Dominates(s))

		low, err := ev.Evaluate(s, nil, now)
		require.NoError(t, err)
		high, err := ev.Evaluate(bigger, nil, now)
		require.NoError(t, err)

		for i, inst := range low.Instances {
			if inst.IsUnlocked {
				require.True(t, high.Instances[i].IsUnlocked, "%s unlocked at %+v but not at %+v", inst.ID, s, bigger)
			}
		}
	}
}

func TestUnlocked_IDsSorted(t *testing.T) {
	u := Unlocked{"b": now, "a": now, "c": now}
	assert.Equal(t, []string{"a", "b", "c"}, u.IDs())
}
