// Package saga contains multi-step business processes whose side effects
// must happen in a fixed order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alem-hub/mastery-engine/internal/domain/achievement"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
	"github.com/alem-hub/mastery-engine/pkg/retry"
)

var tracer = otel.Tracer("github.com/alem-hub/mastery-engine/internal/application/saga")

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Flow: Load Unlocked → Evaluate → Persist unlocked ∪ delta → Notify
//
// Уведомление уходит только после того, как множество разблокированных
// достижений сохранено. Если запись так и не удалась, уведомлений нет,
// а ошибка возвращается вызывающему.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowStep names a saga step for error reporting.
type AchievementFlowStep string

const (
	StepLoadUnlocked AchievementFlowStep = "load_unlocked"
	StepEvaluate     AchievementFlowStep = "evaluate"
	StepPersist      AchievementFlowStep = "persist_unlocked"
	StepNotify       AchievementFlowStep = "notify"
	StepFlowComplete AchievementFlowStep = "complete"
)

// AchievementCheckInput contains the data needed to evaluate achievements.
type AchievementCheckInput struct {
	LearnerID     string
	Stats         metrics.Stats
	CorrelationID string
}

// Validate checks the input.
func (i AchievementCheckInput) Validate() error {
	return shared.ValidateID("saga", "AchievementFlow", "learnerId", i.LearnerID)
}

// AchievementFlowResult contains the outcome of one run.
type AchievementFlowResult struct {
	LearnerID string

	// Instances is every achievement with its progress.
	Instances []achievement.Instance

	// NewlyUnlocked is the delta that was persisted and announced.
	NewlyUnlocked []achievement.Instance

	NotificationsSent int
	ProcessedAt       time.Time
}

// HasNewAchievements returns true if anything was unlocked in this run.
func (r *AchievementFlowResult) HasNewAchievements() bool {
	return len(r.NewlyUnlocked) > 0
}

// Observer receives saga counters. monitoring.Metrics implements it.
type Observer interface {
	AchievementsUnlocked(n int)
	StoreRetry(op string)
	NotificationFailed(eventType string)
}

type nopObserver struct{}

func (nopObserver) AchievementsUnlocked(int)  {}
func (nopObserver) StoreRetry(string)         {}
func (nopObserver) NotificationFailed(string) {}

// AchievementFlowConfig contains configuration for the saga.
type AchievementFlowConfig struct {
	// StoreRetry is used for every store call; only StoreUnavailable is retried.
	StoreRetry *retry.Retrier
	// MaxConflictRetries bounds how often the cycle is re-run after a version conflict.
	MaxConflictRetries int
}

// DefaultAchievementFlowConfig returns default configuration.
func DefaultAchievementFlowConfig() AchievementFlowConfig {
	return AchievementFlowConfig{
		StoreRetry:         retry.StoreRetrier(),
		MaxConflictRetries: 3,
	}
}

// AchievementFlowSaga evaluates achievements after a stats change and
// announces new unlocks exactly once.
type AchievementFlowSaga struct {
	store     learner.AchievementRepository
	evaluator *achievement.Evaluator
	publisher shared.EventPublisher
	observer  Observer
	log       *logger.Logger
	now       func() time.Time

	storeRetry    *retry.Retrier
	conflictRetry *retry.Retrier
}

// NewAchievementFlowSaga creates the saga.
func NewAchievementFlowSaga(
	store learner.AchievementRepository,
	evaluator *achievement.Evaluator,
	publisher shared.EventPublisher,
	log *logger.Logger,
	config AchievementFlowConfig,
) *AchievementFlowSaga {
	if config.StoreRetry == nil {
		config.StoreRetry = retry.StoreRetrier()
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &AchievementFlowSaga{
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		observer:  nopObserver{},
		log:       log.With(logger.Component("achievement_flow")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.storeRetry = config.StoreRetry.With(
		retry.WithRetryIf(shared.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			s.observer.StoreRetry("achievements")
			s.log.Warn("store call failed, retrying",
				logger.Attempt(attempt), logger.Err(err), logger.Duration("delay", delay))
		}),
	)
	s.conflictRetry = retry.New(
		retry.WithMaxAttempts(config.MaxConflictRetries+1),
		retry.WithInitialDelay(5*time.Millisecond),
		retry.WithMaxDelay(100*time.Millisecond),
		retry.WithRetryIf(shared.IsConflict),
	)
	return s
}

// WithObserver sets the metrics observer.
func (s *AchievementFlowSaga) WithObserver(o Observer) *AchievementFlowSaga {
	if o != nil {
		s.observer = o
	}
	return s
}

// WithClock replaces the time source (tests, replay).
func (s *AchievementFlowSaga) WithClock(now func() time.Time) *AchievementFlowSaga {
	if now != nil {
		s.now = now
	}
	return s
}

// Execute runs the saga.
func (s *AchievementFlowSaga) Execute(ctx context.Context, input AchievementCheckInput) (*AchievementFlowResult, error) {
	ctx, span := tracer.Start(ctx, "saga.AchievementFlow")
	defer span.End()
	span.SetAttributes(attribute.String("learner.id", input.LearnerID))

	if err := input.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		return nil, s.wrapError(StepLoadUnlocked, input.LearnerID, err)
	}

	var (
		result *AchievementFlowResult
		step   AchievementFlowStep
	)
	err := s.conflictRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		result, step, err = s.run(ctx, input)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(step))
		return nil, s.wrapError(step, input.LearnerID, err)
	}

	// Step 4: notify. Only reached once the delta is durable.
	result.NotificationsSent = s.notify(input, result.NewlyUnlocked)
	s.observer.AchievementsUnlocked(len(result.NewlyUnlocked))
	span.SetAttributes(attribute.Int("achievements.unlocked", len(result.NewlyUnlocked)))

	return result, nil
}

// run is one read-evaluate-write cycle. It is repeated on version conflicts.
func (s *AchievementFlowSaga) run(ctx context.Context, input AchievementCheckInput) (*AchievementFlowResult, AchievementFlowStep, error) {
	// Step 1: load previously unlocked ids
	rec, err := retry.DoWithData(ctx, s.storeRetry, func(ctx context.Context) (learner.UnlockedRecord, error) {
		return learner.LoadUnlocked(ctx, s.store, input.LearnerID)
	})
	if err != nil {
		return nil, StepLoadUnlocked, err
	}

	// Step 2: evaluate (pure)
	at := s.now()
	res, err := s.evaluator.Evaluate(input.Stats, rec.Achievements, at)
	if err != nil {
		return nil, StepEvaluate, err
	}

	result := &AchievementFlowResult{
		LearnerID:     input.LearnerID,
		Instances:     res.Instances,
		NewlyUnlocked: res.NewlyUnlocked,
		ProcessedAt:   at,
	}
	if len(res.NewlyUnlocked) == 0 {
		return result, StepFlowComplete, nil
	}

	// Step 3: persist unlocked ∪ delta
	rec.Achievements = rec.Achievements.Union(res.NewlyUnlocked)
	rec.UpdatedAt = at
	_, err = retry.DoWithData(ctx, s.storeRetry, func(ctx context.Context) (learner.UnlockedRecord, error) {
		return s.store.PutUnlocked(ctx, rec)
	})
	if err != nil {
		return nil, StepPersist, err
	}

	return result, StepFlowComplete, nil
}

func (s *AchievementFlowSaga) notify(input AchievementCheckInput, delta []achievement.Instance) int {
	if s.publisher == nil {
		return 0
	}

	sent := 0
	for _, inst := range delta {
		at := s.now()
		if inst.UnlockedAt != nil {
			at = *inst.UnlockedAt
		}
		event := shared.NewAchievementUnlockedEvent(input.LearnerID, inst.ID, inst.Points, string(inst.Rarity), at)
		if input.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(input.CorrelationID)
		}

		if err := s.publisher.Publish(event); err != nil {
			// fire-and-forget: the unlock is already stored
			s.observer.NotificationFailed(string(shared.EventAchievementUnlocked))
			s.log.Warn("failed to publish unlock notification",
				logger.LearnerID(input.LearnerID), logger.AchievementID(inst.ID), logger.Err(err))
			continue
		}
		sent++
		s.log.Info("achievement unlocked",
			logger.LearnerID(input.LearnerID),
			logger.AchievementID(inst.ID),
			logger.Int("points", inst.Points))
	}
	return sent
}

func (s *AchievementFlowSaga) wrapError(step AchievementFlowStep, learnerID string, err error) error {
	return &AchievementFlowError{
		Step:      step,
		LearnerID: learnerID,
		Cause:     err,
		Message:   fmt.Sprintf("achievement flow failed at step '%s': %v", step, err),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowError represents an error during the achievement flow.
type AchievementFlowError struct {
	Step      AchievementFlowStep
	LearnerID string
	Cause     error
	Message   string
}

// Error implements the error interface.
func (e *AchievementFlowError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AchievementFlowError) Unwrap() error {
	return e.Cause
}

// FailedStep extracts the failed step from an error returned by Execute.
func FailedStep(err error) (AchievementFlowStep, bool) {
	var fe *AchievementFlowError
	if errors.As(err, &fe) {
		return fe.Step, true
	}
	return "", false
}
