package command

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/mastery-engine/internal/application/saga"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD EVENT COMMAND
// Применяет событие производительности к статистике ученика:
//   1. read-modify-write леджера через агрегатор;
//   2. точность по теме для quiz_attempt с topic (профиль модуля);
//   3. проверка достижений (saga.AchievementFlow).
// Некорректное событие отклоняется целиком, состояние не меняется.
// Повтор события с тем же id ничего не пересчитывает: леджер и профиль
// помнят последние применённые id.
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventCommand contains the event to apply.
type RecordEventCommand struct {
	Event metrics.PerformanceEvent

	// CorrelationID for tracing.
	CorrelationID string
}

// RecordEventResult contains the result of applying an event.
type RecordEventResult struct {
	LearnerID string

	// Stats after the event.
	Stats metrics.Stats

	// ModuleNewlyCompleted is true when a lesson_complete counted a new module.
	ModuleNewlyCompleted bool

	// Duplicate is true when the ledger had already applied this event id.
	Duplicate bool

	// Topic is the topic whose tally was updated, if any.
	Topic string

	// Achievements is the unlock saga outcome.
	Achievements *saga.AchievementFlowResult

	AppliedAt time.Time
}

// NewlyUnlocked returns the ids unlocked by this event.
func (r *RecordEventResult) NewlyUnlocked() []string {
	if r == nil || r.Achievements == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Achievements.NewlyUnlocked))
	for _, inst := range r.Achievements.NewlyUnlocked {
		ids = append(ids, inst.ID)
	}
	return ids
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// Achievements is the part of the unlock saga the handler depends on.
type Achievements interface {
	Execute(ctx context.Context, input saga.AchievementCheckInput) (*saga.AchievementFlowResult, error)
}

// RecordEventHandler handles the RecordEventCommand.
type RecordEventHandler struct {
	stats        learner.StatsRepository
	profiles     learner.ProfileRepository
	aggregator   *metrics.Aggregator
	achievements Achievements
	defaultMode  profile.DifficultyMode
	*runner
}

// NewRecordEventHandler creates a new RecordEventHandler.
func NewRecordEventHandler(
	stats learner.StatsRepository,
	profiles learner.ProfileRepository,
	aggregator *metrics.Aggregator,
	achievements Achievements,
	log *logger.Logger,
	config Config,
) *RecordEventHandler {
	if aggregator == nil {
		aggregator = metrics.NewAggregator(nil)
	}
	return &RecordEventHandler{
		stats:        stats,
		profiles:     profiles,
		aggregator:   aggregator,
		achievements: achievements,
		defaultMode:  config.DefaultMode,
		runner:       newRunner(log, "record_event", config),
	}
}

// WithObserver sets the metrics observer.
func (h *RecordEventHandler) WithObserver(o Observer) *RecordEventHandler {
	if o != nil {
		h.observer = o
	}
	return h
}

// Handle executes the record event command.
//
// Every step is keyed by the event id, so a failed call can be re-run with the
// same event: the ledger and the topic tally skip what already landed and the
// unlock saga evaluates the stored stats again.
func (h *RecordEventHandler) Handle(ctx context.Context, cmd RecordEventCommand) (*RecordEventResult, error) {
	ev := cmd.Event
	if ev.ID == "" {
		ev.ID = shared.NewID()
	}
	ctx, span := tracer.Start(ctx, "command.RecordEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("learner.id", ev.LearnerID),
		attribute.String("event.type", string(ev.Type)),
	)
	started := time.Now()

	// Validate up front so a malformed event never touches the store.
	payload, err := ev.Decode()
	if err != nil {
		h.observer.EventRejected(string(ev.Type))
		h.log.Warn("event rejected",
			logger.LearnerID(ev.LearnerID), logger.EventType(string(ev.Type)), logger.EventID(ev.ID), logger.Err(err))
		fail(span, err, "invalid event")
		return nil, fmt.Errorf("record_event: %w", err)
	}

	result := &RecordEventResult{LearnerID: ev.LearnerID, AppliedAt: h.now()}

	// Step 1: ledger
	err = h.cycle(ctx, func(ctx context.Context) error {
		ledger, err := withStore(ctx, h.runner, func(ctx context.Context) (metrics.Ledger, error) {
			return learner.LoadLedger(ctx, h.stats, ev.LearnerID)
		})
		if err != nil {
			return err
		}

		out, err := h.aggregator.Apply(ledger, ev)
		if err != nil {
			return err
		}
		if out.Duplicate {
			result.Stats = ledger.Stats
			result.Duplicate = true
			return nil
		}

		saved, err := withStore(ctx, h.runner, func(ctx context.Context) (metrics.Ledger, error) {
			return h.stats.PutStats(ctx, out.Ledger)
		})
		if err != nil {
			return err
		}
		result.Stats = saved.Stats
		result.ModuleNewlyCompleted = out.ModuleNewlyCompleted
		return nil
	})
	if err != nil {
		fail(span, err, "ledger write failed")
		return nil, fmt.Errorf("record_event: failed to update stats: %w", err)
	}
	if !result.Duplicate {
		h.observer.EventApplied(string(ev.Type), time.Since(started))
	}

	// Step 2: per-topic accuracy
	if quiz, ok := payload.(metrics.QuizAttempt); ok && ev.ModuleID != "" {
		if topic, correct, attempts, ok := quiz.TopicResult(); ok {
			if err := h.recordTopic(ctx, ev, topic, correct, attempts); err != nil {
				fail(span, err, "topic update failed")
				return result, fmt.Errorf("record_event: failed to update topic %q: %w", topic, err)
			}
			result.Topic = topic
		}
	}

	// Step 3: achievements
	if h.achievements != nil {
		flow, err := h.achievements.Execute(ctx, saga.AchievementCheckInput{
			LearnerID:     ev.LearnerID,
			Stats:         result.Stats,
			CorrelationID: cmd.CorrelationID,
		})
		if err != nil {
			fail(span, err, "achievement flow failed")
			return result, fmt.Errorf("record_event: %w", err)
		}
		result.Achievements = flow
	}

	h.log.Debug("event applied",
		logger.LearnerID(ev.LearnerID),
		logger.EventType(string(ev.Type)),
		logger.EventID(ev.ID),
		logger.Bool("duplicate", result.Duplicate),
		logger.Latency(time.Since(started)))

	return result, nil
}

func (h *RecordEventHandler) recordTopic(ctx context.Context, ev metrics.PerformanceEvent, topic string, correct, attempts int) error {
	return h.cycle(ctx, func(ctx context.Context) error {
		p, err := withStore(ctx, h.runner, func(ctx context.Context) (profile.Profile, error) {
			return h.profiles.GetProfile(ctx, ev.LearnerID, ev.ModuleID)
		})
		if shared.IsNotFound(err) {
			p = newProfile(ev.LearnerID, ev.ModuleID, h.defaultMode, ev.Timestamp)
		} else if err != nil {
			return err
		}

		next, applied := p.RecordTopicOnce("event:"+ev.ID, topic, correct, attempts, ev.Timestamp)
		if !applied {
			return nil
		}
		_, err = withStore(ctx, h.runner, func(ctx context.Context) (profile.Profile, error) {
			return h.profiles.PutProfile(ctx, next)
		})
		return err
	})
}

// newProfile creates a first-enrollment profile with the configured mode.
func newProfile(learnerID, moduleID string, mode profile.DifficultyMode, at time.Time) profile.Profile {
	p := profile.New(learnerID, moduleID, at)
	if mode.IsValid() {
		p.DifficultyMode = mode
	}
	return p
}
