package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

var day0 = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func quiz(at time.Time, q QuizAttempt) PerformanceEvent {
	return MustEvent("learner-1", "algebra", KindQuizAttempt, q, at)
}

func TestApply_QuizAttemptScenario(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")
	ledger.Stats = Stats{QuizzesPassed: 2, PerfectQuizzes: 1}

	out, err := agg.Apply(ledger, quiz(day0, QuizAttempt{Score: 100, IsPerfect: true, Passed: true, TimeTakenMinutes: 4}))
	require.NoError(t, err)

	assert.Equal(t, 3, out.Ledger.Stats.QuizzesPassed)
	assert.Equal(t, 2, out.Ledger.Stats.PerfectQuizzes)
	assert.Equal(t, 4.0, out.Ledger.Stats.TotalTimeSpentMinutes)
	// input untouched
	assert.Equal(t, 2, ledger.Stats.QuizzesPassed)
}

func TestApply_FailedQuizOnlyAddsTime(t *testing.T) {
	agg := NewAggregator(time.UTC)

	out, err := agg.Apply(NewLedger("learner-1"), quiz(day0, QuizAttempt{Score: 40, TimeTakenMinutes: 7.5}))
	require.NoError(t, err)

	assert.Equal(t, 0, out.Ledger.Stats.QuizzesPassed)
	assert.Equal(t, 0, out.Ledger.Stats.PerfectQuizzes)
	assert.Equal(t, 7.5, out.Ledger.Stats.TotalTimeSpentMinutes)
}

func TestApply_LessonCompleteIsIdempotentPerModule(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")

	ev := MustEvent("learner-1", "", KindLessonComplete, LessonComplete{ModuleID: "algebra", TimeSpentMinutes: 30}, day0)

	first, err := agg.Apply(ledger, ev)
	require.NoError(t, err)
	assert.True(t, first.ModuleNewlyCompleted)
	assert.Equal(t, 1, first.Ledger.Stats.ModulesCompleted)

	// другое событие про тот же модуль: время добавляется, модуль нет
	again := MustEvent("learner-1", "", KindLessonComplete, LessonComplete{ModuleID: "algebra", TimeSpentMinutes: 30}, day0)
	second, err := agg.Apply(first.Ledger, again)
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.False(t, second.ModuleNewlyCompleted)
	assert.Equal(t, 1, second.Ledger.Stats.ModulesCompleted)
	assert.Equal(t, 60.0, second.Ledger.Stats.TotalTimeSpentMinutes)

	other := MustEvent("learner-1", "geometry", KindLessonComplete, nil, day0)
	third, err := agg.Apply(second.Ledger, other)
	require.NoError(t, err)
	assert.Equal(t, 2, third.Ledger.Stats.ModulesCompleted)
	assert.True(t, third.Ledger.HasCompleted("geometry"))
	assert.False(t, first.Ledger.HasCompleted("geometry"), "clone must not share the module map")
}

func TestApply_SameEventIDIsAppliedOnce(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ev := quiz(day0, QuizAttempt{Score: 100, IsPerfect: true, Passed: true, TimeTakenMinutes: 4})

	first, err := agg.Apply(NewLedger("learner-1"), ev)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	assert.True(t, first.Ledger.HasApplied(ev.ID))

	second, err := agg.Apply(first.Ledger, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, Stats{QuizzesPassed: 1, PerfectQuizzes: 1, StreakDays: 1, TotalTimeSpentMinutes: 4}, second.Ledger.Stats)
	assert.Equal(t, first.Ledger.AppliedEvents, second.Ledger.AppliedEvents)
}

func TestApply_AppliedEventWindowIsBounded(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")

	var firstID string
	for i := range AppliedEventWindow + 10 {
		ev := MustEvent("learner-1", "", KindNoteCreated, NoteCreated{}, day0)
		if i == 0 {
			firstID = ev.ID
		}
		out, err := agg.Apply(ledger, ev)
		require.NoError(t, err)
		ledger = out.Ledger
	}

	assert.Len(t, ledger.AppliedEvents, AppliedEventWindow)
	assert.False(t, ledger.HasApplied(firstID), "oldest ids fall out of the window")
	assert.Equal(t, AppliedEventWindow+10, ledger.Stats.NotesCount)
}

func TestApply_CountersForNotesBookmarksAndTime(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")

	events := []PerformanceEvent{
		MustEvent("learner-1", "", KindNoteCreated, nil, day0),
		MustEvent("learner-1", "", KindNoteCreated, nil, day0),
		MustEvent("learner-1", "", KindBookmarkCreated, nil, day0),
		MustEvent("learner-1", "", KindTimeLog, TimeLog{Minutes: 12}, day0),
	}
	for _, ev := range events {
		out, err := agg.Apply(ledger, ev)
		require.NoError(t, err)
		ledger = out.Ledger
	}

	assert.Equal(t, 2, ledger.Stats.NotesCount)
	assert.Equal(t, 1, ledger.Stats.BookmarksCount)
	assert.Equal(t, 12.0, ledger.Stats.TotalTimeSpentMinutes)
}

func TestApply_RejectsMalformedEvents(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")

	one, three := 1, 3
	cases := map[string]PerformanceEvent{
		"unknown type":      {LearnerID: "learner-1", Type: "dance", Timestamp: day0},
		"missing learner":   {Type: KindNoteCreated, Timestamp: day0},
		"missing timestamp": {LearnerID: "learner-1", Type: KindNoteCreated},
		"score too high":    quiz(day0, QuizAttempt{Score: 140}),
		"negative minutes":  MustEvent("learner-1", "", KindTimeLog, TimeLog{Minutes: -1}, day0),
		"correct > attempts": quiz(day0, QuizAttempt{Score: 50, Topic: "fractions", Correct: &three, Attempts: &one}),
		"lesson without module": MustEvent("learner-1", "", KindLessonComplete, LessonComplete{}, day0),
		"broken payload": {
			LearnerID: "learner-1", Type: KindTimeLog, Timestamp: day0,
			Payload: json.RawMessage(`{"minutes":"lots"}`),
		},
	}

	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := agg.Apply(ledger, ev)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, Stats{}, ledger.Stats)
}

func TestApply_Streak(t *testing.T) {
	agg := NewAggregator(time.UTC)
	ledger := NewLedger("learner-1")

	apply := func(at time.Time) {
		out, err := agg.Apply(ledger, MustEvent("learner-1", "", KindNoteCreated, nil, at))
		require.NoError(t, err)
		ledger = out.Ledger
	}

	apply(day0)
	assert.Equal(t, 1, ledger.Stats.StreakDays)

	apply(day0.Add(3 * time.Hour)) // same day
	assert.Equal(t, 1, ledger.Stats.StreakDays)

	apply(day0.Add(24 * time.Hour))
	apply(day0.Add(48 * time.Hour))
	assert.Equal(t, 3, ledger.Stats.StreakDays)

	apply(day0.Add(-24 * time.Hour)) // late event for an earlier day
	assert.Equal(t, 3, ledger.Stats.StreakDays)

	apply(day0.Add(5 * 24 * time.Hour)) // gap
	assert.Equal(t, 1, ledger.Stats.StreakDays)
	assert.Equal(t, 3, ledger.Streak.Best)
}

func TestApply_StreakUsesConfiguredZone(t *testing.T) {
	plus5 := time.FixedZone("UTC+5", 5*60*60)
	agg := NewAggregator(plus5)
	ledger := NewLedger("learner-1")

	// 18:30 UTC on day 1 and 20:00 UTC on day 1 fall on two different local days.
	first := time.Date(2024, 9, 1, 18, 30, 0, 0, time.UTC)
	second := time.Date(2024, 9, 1, 20, 0, 0, 0, time.UTC)

	out, err := agg.Apply(ledger, MustEvent("learner-1", "", KindNoteCreated, nil, first))
	require.NoError(t, err)
	out, err = agg.Apply(out.Ledger, MustEvent("learner-1", "", KindNoteCreated, nil, second))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Ledger.Stats.StreakDays)
}

func TestQuizAttempt_TopicResult(t *testing.T) {
	two, five := 2, 5

	topic, c, n, ok := QuizAttempt{Topic: "fractions", Correct: &two, Attempts: &five}.TopicResult()
	assert.True(t, ok)
	assert.Equal(t, "fractions", topic)
	assert.Equal(t, 2, c)
	assert.Equal(t, 5, n)

	_, c, n, _ = QuizAttempt{Topic: "fractions", Passed: true}.TopicResult()
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, n)

	_, _, _, ok = QuizAttempt{}.TopicResult()
	assert.False(t, ok)
}

func TestLedger_Reset(t *testing.T) {
	l := NewLedger("learner-1")
	l.Stats.QuizzesPassed = 9
	l.CompletedModules["algebra"] = day0
	l.Version = 4

	r := l.Reset(day0)
	assert.Equal(t, Stats{}, r.Stats)
	assert.Empty(t, r.CompletedModules)
	assert.Equal(t, int64(4), r.Version)
}

func TestStats_Dominates(t *testing.T) {
	a := Stats{QuizzesPassed: 3, PerfectQuizzes: 1}
	b := Stats{QuizzesPassed: 2, PerfectQuizzes: 1}

	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
}
