package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/application/saga"
	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/mastery-engine/pkg/retry"
)

var now = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// racingStats lets another writer bump the ledger once before the first write.
type racingStats struct {
	*memory.Store
	once  sync.Once
	calls int
}

func (r *racingStats) PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	r.calls++
	r.once.Do(func() {
		other, _ := learner.LoadLedger(ctx, r.Store, l.LearnerID)
		other.Stats.NotesCount++
		_, _ = r.Store.PutStats(ctx, other)
	})
	return r.Store.PutStats(ctx, l)
}

// lostAckStats commits a write and then reports the store as unavailable,
// as when the reply is lost after the commit.
type lostAckStats struct {
	*memory.Store
	lostAcks int
	calls    int
}

func (s *lostAckStats) PutStats(ctx context.Context, l metrics.Ledger) (metrics.Ledger, error) {
	s.calls++
	saved, err := s.Store.PutStats(ctx, l)
	if err == nil && s.lostAcks > 0 {
		s.lostAcks--
		return metrics.Ledger{}, shared.StoreUnavailable("PutStats", errors.New("reply lost"))
	}
	return saved, err
}

// flakyProfiles fails every profile write while down is set.
type flakyProfiles struct {
	*memory.Store
	down bool
}

func (s *flakyProfiles) PutProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if s.down {
		return profile.Profile{}, shared.StoreUnavailable("PutProfile", errors.New("connection refused"))
	}
	return s.Store.PutProfile(ctx, p)
}

type failingAchievements struct{ err error }

func (f failingAchievements) Execute(context.Context, saga.AchievementCheckInput) (*saga.AchievementFlowResult, error) {
	return nil, f.err
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.Document{
		Version: "test",
		Modules: []catalog.Module{{
			ID: "algebra",
			Steps: []catalog.StepDef{
				{ID: "intro", Type: catalog.StepContent},
				{ID: "quiz", Type: catalog.StepAssessment, Topic: "fractions"},
				{ID: "final", Type: catalog.StepFinalAssessment},
			},
		}},
		Achievements: []catalog.AchievementTemplate{
			{ID: "first_steps", Rarity: catalog.RarityCommon, Points: 10,
				Requirement: catalog.Requirement{Type: catalog.ReqModulesCompleted, Threshold: 1}},
			{ID: "perfect_score", Rarity: catalog.RarityRare, Points: 50,
				Requirement: catalog.Requirement{Type: catalog.ReqPerfectQuizzes, Threshold: 1}},
		},
	})
	require.NoError(t, err)
	return cat
}

func testConfig() Config {
	return Config{
		StoreRetry: retry.New(
			retry.WithMaxAttempts(3),
			retry.WithInitialDelay(time.Millisecond),
			retry.WithMaxDelay(2*time.Millisecond),
		),
		MaxConflictRetries: 2,
		DefaultMode:        profile.ModeAdaptive,
	}
}

type fixture struct {
	store  *memory.Store
	pub    *recordingPublisher
	record *RecordEventHandler
	start  *StartModuleHandler
	step   *CompleteStepHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := testCatalog(t)
	ev, err := achievement.NewEvaluator(cat)
	require.NoError(t, err)

	f := &fixture{store: memory.New(), pub: &recordingPublisher{}}
	flow := saga.NewAchievementFlowSaga(f.store, ev, f.pub, nil, saga.AchievementFlowConfig{
		StoreRetry:         testConfig().StoreRetry,
		MaxConflictRetries: 2,
	}).WithClock(func() time.Time { return now })

	f.record = NewRecordEventHandler(f.store, f.store, metrics.NewAggregator(time.UTC), flow, nil, testConfig())
	f.start = NewStartModuleHandler(f.store, cat, nil, testConfig())
	f.step = NewCompleteStepHandler(f.store, cat, f.record, f.pub, nil, testConfig())
	return f
}

func intPtr(v int) *int { return &v }

// ══════════════════════════════════════════════════════════════════════════════
// RECORD EVENT
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordEvent_AppliesAndUnlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 100, Passed: true, IsPerfect: true, TimeTakenMinutes: 12}, now)

	res, err := f.record.Handle(ctx, RecordEventCommand{Event: ev})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.QuizzesPassed)
	assert.Equal(t, 1, res.Stats.PerfectQuizzes)
	assert.Equal(t, 1, res.Stats.StreakDays)
	assert.Equal(t, []string{"perfect_score"}, res.NewlyUnlocked())
	assert.Len(t, f.pub.ofType(shared.EventAchievementUnlocked), 1)

	stored, err := f.store.GetStats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, res.Stats, stored.Stats)
}

func TestRecordEvent_RejectsMalformedWithoutWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 140, Passed: true}, now)

	_, err := f.record.Handle(ctx, RecordEventCommand{Event: ev})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	_, err = f.store.GetStats(ctx, "learner-1")
	assert.True(t, shared.IsNotFound(err))
	assert.Empty(t, f.pub.events)
}

func TestRecordEvent_TopicUpdatesModuleProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	weak := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 40, Topic: "fractions", Correct: intPtr(2), Attempts: intPtr(5)}, now)
	res, err := f.record.Handle(ctx, RecordEventCommand{Event: weak})
	require.NoError(t, err)
	assert.Equal(t, "fractions", res.Topic)

	p, err := f.store.GetProfile(ctx, "learner-1", "algebra")
	require.NoError(t, err)
	assert.Equal(t, []string{"fractions"}, p.KnowledgeGaps)
	assert.Empty(t, p.Strengths)

	strong := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 100, Passed: true, Topic: "fractions", Correct: intPtr(10), Attempts: intPtr(10)}, now.Add(time.Hour))
	_, err = f.record.Handle(ctx, RecordEventCommand{Event: strong})
	require.NoError(t, err)

	p, err = f.store.GetProfile(ctx, "learner-1", "algebra")
	require.NoError(t, err)
	// 12 of 15 correct
	assert.Equal(t, []string{"fractions"}, p.Strengths)
	assert.Empty(t, p.KnowledgeGaps)
}

func TestRecordEvent_RerunsOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	racing := &racingStats{Store: f.store}
	h := NewRecordEventHandler(racing, f.store, nil, nil, nil, testConfig())

	ev := metrics.MustEvent("learner-1", "", metrics.KindNoteCreated, nil, now)
	res, err := h.Handle(ctx, RecordEventCommand{Event: ev})
	require.NoError(t, err)

	// both notes survive: the racing one and ours
	assert.Equal(t, 2, res.Stats.NotesCount)
	assert.Equal(t, 2, racing.calls)
}

func TestRecordEvent_RetryAfterCommitCountsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := shared.StoreUnavailable("PutUnlocked", errors.New("connection reset"))
	h := NewRecordEventHandler(f.store, f.store, nil, failingAchievements{err: boom}, nil, testConfig())

	ev := metrics.MustEvent("learner-1", "", metrics.KindBookmarkCreated, nil, now)
	res, err := h.Handle(ctx, RecordEventCommand{Event: ev})
	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err))
	assert.False(t, retry.IsPermanent(err))
	require.NotNil(t, res)

	// тот же event id ещё раз, saga уже в порядке
	res, err = f.record.Handle(ctx, RecordEventCommand{Event: ev})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	stored, err := f.store.GetStats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.BookmarksCount)
}

func TestRecordEvent_LostAckDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stats := &lostAckStats{Store: f.store, lostAcks: 1}
	h := NewRecordEventHandler(stats, f.store, nil, nil, nil, testConfig())

	ev := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 100, IsPerfect: true, Passed: true, TimeTakenMinutes: 4}, now)
	res, err := h.Handle(ctx, RecordEventCommand{Event: ev})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	stored, err := f.store.GetStats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.QuizzesPassed)
	assert.Equal(t, 1, stored.Stats.PerfectQuizzes)
	assert.Equal(t, 4.0, stored.Stats.TotalTimeSpentMinutes)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 2, stats.calls)
}

func TestRecordEvent_TopicCountedOncePerEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := metrics.MustEvent("learner-1", "algebra", metrics.KindQuizAttempt,
		metrics.QuizAttempt{Score: 40, Passed: false, Topic: "fractions", Correct: intPtr(2), Attempts: intPtr(5)}, now)
	for range 2 {
		_, err := f.record.Handle(ctx, RecordEventCommand{Event: ev})
		require.NoError(t, err)
	}

	p, err := f.store.GetProfile(ctx, "learner-1", "algebra")
	require.NoError(t, err)
	assert.Equal(t, profile.TopicTally{Correct: 2, Attempts: 5}, p.Topics["fractions"])
}

// ══════════════════════════════════════════════════════════════════════════════
// START MODULE
// ══════════════════════════════════════════════════════════════════════════════

func TestStartModule_CreatesThenResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "algebra", At: now})
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	assert.Equal(t, profile.InitialEngagement, first.Profile.Engagement)
	require.Len(t, first.Sequence.Steps, 3)
	cur, ok := first.Sequence.Current()
	require.True(t, ok)
	assert.Equal(t, 0, cur)

	again, err := f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "algebra", At: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, first.Sequence.Version, again.Sequence.Version)
}

func TestStartModule_PreferencesShapeSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.start.Handle(ctx, StartModuleCommand{
		LearnerID: "learner-1",
		ModuleID:  "algebra",
		Preferences: profile.Preferences{
			LearningStyle:    profile.StyleAuditory,
			DifficultyMode:   profile.ModeChallenge,
			ChallengeComfort: profile.ComfortComfortable,
		},
		At: now,
	})
	require.NoError(t, err)

	assert.Equal(t, profile.ModeChallenge, res.Sequence.Mode)
	assert.Equal(t, profile.ComfortComfortable, res.Profile.ChallengeComfort)
	assert.EqualValues(t, "audio", res.Sequence.Steps[0].Payload.ContentType)
	assert.InDelta(t, 2.0, res.Sequence.Steps[0].Payload.DifficultyLevel, 1e-9)
}

func TestStartModule_Restart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "algebra", At: now})
	require.NoError(t, err)
	_, err = f.step.Handle(ctx, CompleteStepCommand{LearnerID: "learner-1", ModuleID: "algebra", StepIndex: 0, At: now})
	require.NoError(t, err)

	res, err := f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "algebra", Restart: true, At: now})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, 0, res.Sequence.CompletedCount())
	assert.Equal(t, int64(3), res.Sequence.Version)
}

func TestStartModule_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "geometry"})
	assert.True(t, shared.IsNotFound(err))

	_, err = f.start.Handle(ctx, StartModuleCommand{LearnerID: "learner-1", ModuleID: "algebra",
		Preferences: profile.Preferences{LearningStyle: "telepathic"}})
	assert.True(t, shared.IsValidation(err))

	_, err = f.start.Handle(ctx, StartModuleCommand{ModuleID: "algebra"})
	assert.True(t, shared.IsValidation(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE STEP
// ══════════════════════════════════════════════════════════════════════════════

func TestCompleteStep_EnrollsOnFirstCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.step.Handle(ctx, CompleteStepCommand{
		LearnerID: "learner-1", ModuleID: "algebra", StepIndex: 0,
		Score: 90, ActualMinutes: 30, At: now,
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadyCompleted)
	assert.Equal(t, 1, res.Transition.NextIndex)

	// content step: score ignored, 30 min against a 15 min estimate
	assert.Zero(t, res.Profile.Mastery)
	assert.Equal(t, 40, res.Profile.Engagement)

	advanced := f.pub.ofType(shared.EventStepAdvanced)
	require.Len(t, advanced, 1)
	assert.Equal(t, 1, advanced[0].Payload()["stepIndex"])
}

func TestCompleteStep_AlreadyCompletedWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cmd := CompleteStepCommand{LearnerID: "learner-1", ModuleID: "algebra", StepIndex: 0, At: now}
	_, err := f.step.Handle(ctx, cmd)
	require.NoError(t, err)
	before, err := f.store.GetSequence(ctx, "learner-1", "algebra")
	require.NoError(t, err)

	res, err := f.step.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.AlreadyCompleted)

	after, err := f.store.GetSequence(ctx, "learner-1", "algebra")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.pub.ofType(shared.EventStepAdvanced), 1)
}

func TestCompleteStep_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.step.Handle(ctx, CompleteStepCommand{LearnerID: "learner-1", ModuleID: "algebra", StepIndex: 2, At: now})
	require.Error(t, err)
	assert.True(t, shared.IsOutOfOrder(err))
	assert.Empty(t, f.pub.events)

	_, err = f.step.Handle(ctx, CompleteStepCommand{LearnerID: "learner-1", ModuleID: "algebra", StepIndex: 7, At: now})
	assert.True(t, shared.IsValidation(err))
}

func TestCompleteStep_FinishingModuleFeedsStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var last *CompleteStepResult
	for i, score := range []float64{0, 80, 60} {
		res, err := f.step.Handle(ctx, CompleteStepCommand{
			LearnerID: "learner-1", ModuleID: "algebra", StepIndex: i,
			Score: score, At: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		last = res
	}

	assert.True(t, last.Transition.ModuleCompleted)
	assert.True(t, last.Sequence.IsComplete())
	assert.InDelta(t, 100.0, last.Sequence.Percent(), 1e-9)
	assert.InDelta(t, 14.0, last.Profile.Mastery, 1e-9)

	require.NotNil(t, last.Lesson)
	assert.Equal(t, 1, last.Lesson.Stats.ModulesCompleted)
	assert.Equal(t, []string{"first_steps"}, last.Lesson.NewlyUnlocked())

	advanced := f.pub.ofType(shared.EventStepAdvanced)
	require.Len(t, advanced, 3)
	assert.Equal(t, 2, advanced[2].Payload()["stepIndex"])
	assert.Equal(t, true, advanced[2].Payload()["moduleCompleted"])
	assert.Len(t, f.pub.ofType(shared.EventAchievementUnlocked), 1)
}

func TestCompleteStep_ProfileFailureKeepsModuleCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyProfiles{Store: f.store}
	step := NewCompleteStepHandler(flaky, testCatalog(t), f.record, f.pub, nil, testConfig())

	cmd := func(i int, score float64) CompleteStepCommand {
		return CompleteStepCommand{
			LearnerID: "learner-1", ModuleID: "algebra", StepIndex: i,
			Score: score, At: now.Add(time.Duration(i) * time.Minute),
		}
	}
	for i, score := range []float64{0, 80} {
		_, err := step.Handle(ctx, cmd(i, score))
		require.NoError(t, err)
	}

	flaky.down = true
	_, err := step.Handle(ctx, cmd(2, 60))
	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err), "the lane may re-run the command")

	// сам модуль уже засчитан
	stored, err := f.store.GetStats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.ModulesCompleted)

	// повторная доставка доводит профиль и ничего не считает дважды
	flaky.down = false
	for range 2 {
		res, err := step.Handle(ctx, cmd(2, 60))
		require.NoError(t, err)
		assert.True(t, res.AlreadyCompleted)
		assert.InDelta(t, 14.0, res.Profile.Mastery, 1e-9)
		require.NotNil(t, res.Lesson)
		assert.True(t, res.Lesson.Duplicate)
	}

	stored, err = f.store.GetStats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stats.ModulesCompleted)

	unlocked, err := f.store.GetUnlocked(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first_steps"}, unlocked.Achievements.IDs())
	assert.Len(t, f.pub.ofType(shared.EventAchievementUnlocked), 1)

	// step_advanced: шаги 0 и 1, затем один раз после починки профиля
	advanced := f.pub.ofType(shared.EventStepAdvanced)
	require.Len(t, advanced, 3)
	assert.Equal(t, true, advanced[2].Payload()["moduleCompleted"])
}
