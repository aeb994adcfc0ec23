package command

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE STEP COMMAND
// Flow: load/enroll → completeStep(i) → persist sequence →
//       (module done) lesson_complete в той же полосе → adapt profile →
//       notify step_advanced.
//
// Последовательность пишется первой. Повтор команды получает AlreadyCompleted
// и доводит недописанные фазы: lesson_complete и адаптация профиля помечены
// ключами и второй раз не применяются.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteStepCommand contains the data to complete a step.
type CompleteStepCommand struct {
	LearnerID string
	ModuleID  string
	StepIndex int

	// Score 0..100. Ignored for non-assessment steps.
	Score float64

	// ActualMinutes the learner spent on the step.
	ActualMinutes float64

	// At defaults to now.
	At time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c CompleteStepCommand) Validate() error {
	const op = "CompleteStep"
	if err := shared.ValidateID("command", op, "learnerId", c.LearnerID); err != nil {
		return err
	}
	if err := shared.ValidateID("command", op, "moduleId", c.ModuleID); err != nil {
		return err
	}
	if c.StepIndex < 0 {
		return shared.Validationf("command", op, "stepIndex %d is negative", c.StepIndex)
	}
	return nil
}

// CompleteStepResult contains the result of completing a step.
type CompleteStepResult struct {
	LearnerID string
	ModuleID  string
	StepIndex int

	// AlreadyCompleted means the step was done before. Nothing is written
	// unless an earlier attempt stopped before finishing every phase.
	AlreadyCompleted bool

	Transition progression.Transition
	Sequence   progression.Sequence
	Profile    profile.Profile

	// Lesson is the outcome of the lesson_complete fed in when the module finished.
	Lesson *RecordEventResult

	CompletedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// CompleteStepHandler handles the CompleteStepCommand.
type CompleteStepHandler struct {
	enroll    *enroller
	events    *RecordEventHandler
	publisher shared.EventPublisher
	*runner
}

// NewCompleteStepHandler creates a new CompleteStepHandler. events may be nil,
// in which case finishing a module does not touch stats.
func NewCompleteStepHandler(
	store ProgressStore,
	modules ModuleSource,
	events *RecordEventHandler,
	publisher shared.EventPublisher,
	log *logger.Logger,
	config Config,
) *CompleteStepHandler {
	r := newRunner(log, "complete_step", config)
	return &CompleteStepHandler{
		enroll:    &enroller{store: store, modules: modules, defaultMode: config.DefaultMode, r: r},
		events:    events,
		publisher: publisher,
		runner:    r,
	}
}

// WithObserver sets the metrics observer.
func (h *CompleteStepHandler) WithObserver(o Observer) *CompleteStepHandler {
	if o != nil {
		h.observer = o
	}
	return h
}

// Handle executes the complete step command.
//
// AlreadyCompleted is reported through the result, not as an error.
// OutOfOrder is returned as-is: the caller's view is stale.
func (h *CompleteStepHandler) Handle(ctx context.Context, cmd CompleteStepCommand) (*CompleteStepResult, error) {
	ctx, span := tracer.Start(ctx, "command.CompleteStep")
	defer span.End()
	span.SetAttributes(
		attribute.String("learner.id", cmd.LearnerID),
		attribute.String("module.id", cmd.ModuleID),
		attribute.Int("step.index", cmd.StepIndex),
	)

	if err := cmd.Validate(); err != nil {
		fail(span, err, "invalid command")
		return nil, fmt.Errorf("complete_step: %w", err)
	}

	at := cmd.At
	if at.IsZero() {
		at = h.now()
	}
	result := &CompleteStepResult{
		LearnerID:   cmd.LearnerID,
		ModuleID:    cmd.ModuleID,
		StepIndex:   cmd.StepIndex,
		CompletedAt: at,
	}

	// Phase 1: sequence
	var step progression.Step
	err := h.cycle(ctx, func(ctx context.Context) error {
		p, created, err := h.enroll.loadProfile(ctx, cmd.LearnerID, cmd.ModuleID, at)
		if err != nil {
			return err
		}
		if created {
			if p, err = h.enroll.putProfile(ctx, p); err != nil {
				return err
			}
		}

		seq, _, err := h.enroll.loadSequence(ctx, p, at)
		if err != nil {
			return err
		}

		next, tr, err := seq.Complete(cmd.StepIndex, at)
		if shared.IsAlreadyCompleted(err) {
			result.AlreadyCompleted = true
			result.Sequence = seq
			result.Profile = p
			step = seq.Steps[cmd.StepIndex]
			return nil
		}
		if err != nil {
			return err
		}

		saved, err := h.enroll.putSequence(ctx, next)
		if err != nil {
			return err
		}
		result.Sequence = saved
		result.Transition = tr
		step = saved.Steps[cmd.StepIndex]
		return nil
	})
	if err != nil {
		fail(span, err, "step completion failed")
		if shared.IsOutOfOrder(err) {
			h.log.Warn("step completed out of order",
				logger.LearnerID(cmd.LearnerID), logger.ModuleID(cmd.ModuleID), logger.StepIndex(cmd.StepIndex))
		}
		return nil, fmt.Errorf("complete_step: %w", err)
	}

	// Phase 2: module finished → stats. Runs before the profile so a profile
	// failure cannot hold the completion back; the event id is fixed per
	// sequence, so a repeat is a no-op in the ledger.
	if result.Sequence.IsComplete() && h.events != nil {
		lesson, err := h.recordLesson(ctx, cmd, result.Sequence, at)
		if err != nil {
			fail(span, err, "lesson_complete failed")
			return result, fmt.Errorf("complete_step: %w", err)
		}
		result.Lesson = lesson
	}

	// Phase 3: profile, keyed by step so it is adapted once per sequence
	outcome := profile.StepOutcome{
		Score:                   cmd.Score,
		ExpectedDurationMinutes: float64(step.Payload.EstimatedMinutes),
		ActualMinutes:           cmd.ActualMinutes,
	}
	if !step.Type.IsAssessment() {
		outcome.Score = 0
	}
	key := stepKey(result.Sequence, cmd.StepIndex)
	adapted := false
	err = h.cycle(ctx, func(ctx context.Context) error {
		p, _, err := h.enroll.loadProfile(ctx, cmd.LearnerID, cmd.ModuleID, at)
		if err != nil {
			return err
		}
		next, applied := p.AdaptOnce(key, outcome, at)
		if !applied {
			result.Profile = p
			return nil
		}
		saved, err := h.enroll.putProfile(ctx, next)
		if err != nil {
			return err
		}
		result.Profile = saved
		adapted = true
		return nil
	})
	if err != nil {
		fail(span, err, "profile update failed")
		return result, fmt.Errorf("complete_step: failed to adapt profile: %w", err)
	}

	if result.AlreadyCompleted && !adapted {
		h.log.Debug("step already completed",
			logger.LearnerID(cmd.LearnerID), logger.ModuleID(cmd.ModuleID), logger.StepIndex(cmd.StepIndex))
		return result, nil
	}
	if result.AlreadyCompleted {
		h.log.Info("completed step repaired",
			logger.LearnerID(cmd.LearnerID), logger.ModuleID(cmd.ModuleID), logger.StepIndex(cmd.StepIndex))
	} else {
		h.observer.StepCompleted(result.Transition.ModuleCompleted)
	}

	// Phase 4: notify
	h.notifyAdvanced(cmd, result)

	h.log.Info("step completed",
		logger.LearnerID(cmd.LearnerID),
		logger.ModuleID(cmd.ModuleID),
		logger.StepIndex(cmd.StepIndex),
		logger.Float64("mastery", result.Profile.Mastery),
		logger.Int("engagement", result.Profile.Engagement),
		logger.Bool("module_completed", result.Sequence.IsComplete()))

	return result, nil
}

// notifyAdvanced announces the current step; a finished module reports its last step.
func (h *CompleteStepHandler) notifyAdvanced(cmd CompleteStepCommand, result *CompleteStepResult) {
	if h.publisher == nil {
		return
	}
	index, ok := result.Sequence.Current()
	completed := !ok
	if completed {
		index = len(result.Sequence.Steps) - 1
	}
	event := shared.NewStepAdvancedEvent(cmd.LearnerID, cmd.ModuleID, index, completed, result.CompletedAt)
	if cmd.CorrelationID != "" {
		event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	if err := h.publisher.Publish(event); err != nil {
		// fire-and-forget: the sequence is already stored
		h.log.Warn("failed to publish step_advanced",
			logger.LearnerID(cmd.LearnerID), logger.ModuleID(cmd.ModuleID), logger.Err(err))
	}
}

// stepKey identifies one completion of step i in this run of the sequence.
// Restart starts a new run, so the same index gets a new key.
func stepKey(seq progression.Sequence, i int) string {
	return fmt.Sprintf("step:%d@%d", i, seq.StartedAt.UnixNano())
}

// recordLesson feeds lesson_complete through the stats handler inline. The
// command already runs in the learner's lane, so ordering is preserved.
func (h *CompleteStepHandler) recordLesson(ctx context.Context, cmd CompleteStepCommand, seq progression.Sequence, at time.Time) (*RecordEventResult, error) {
	if seq.CompletedAt != nil {
		at = *seq.CompletedAt
	}
	ev, err := metrics.NewEvent(cmd.LearnerID, cmd.ModuleID, metrics.KindLessonComplete,
		metrics.LessonComplete{ModuleID: cmd.ModuleID}, at)
	if err != nil {
		return nil, err
	}
	ev.ID = fmt.Sprintf("lesson:%s@%d", cmd.ModuleID, seq.StartedAt.UnixNano())
	return h.events.Handle(ctx, RecordEventCommand{Event: ev, CorrelationID: cmd.CorrelationID})
}
