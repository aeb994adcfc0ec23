// Package eventhandler содержит приём входящих событий от хоста.
package eventhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alem-hub/mastery-engine/internal/application/command"
	"github.com/alem-hub/mastery-engine/internal/domain/metrics"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// INTAKE ROUTER
// Принимает сообщение источника событий, проверяет его и ставит работу в
// полосу ученика. Все изменения одного ученика идут через одну полосу,
// поэтому применяются строго в порядке поступления.
//
// Типы сообщений:
//   - события производительности (lesson_complete, quiz_attempt, time_log,
//     note_created, bookmark_created) → RecordEvent;
//   - module_start → StartModule;
//   - step_complete → CompleteStep.
// ═══════════════════════════════════════════════════════════════════════════

// Типы сообщений, не являющиеся событиями производительности.
const (
	TypeModuleStart  = "module_start"
	TypeStepComplete = "step_complete"
)

// Inbound - сообщение, как оно приходит из источника событий.
type Inbound struct {
	ID            string          `json:"id,omitempty"`
	LearnerID     string          `json:"learnerId"`
	ModuleID      string          `json:"moduleId,omitempty"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ModuleStartPayload - данные module_start.
type ModuleStartPayload struct {
	LearningStyle        profile.LearningStyle    `json:"learningStyle,omitempty"`
	PacePreference       profile.Pace             `json:"pacePreference,omitempty"`
	DifficultyPreference profile.DifficultyMode   `json:"difficultyPreference,omitempty"`
	ChallengeComfort     profile.ChallengeComfort `json:"challengeComfort,omitempty"`
	Restart              bool                     `json:"restart,omitempty"`
}

// StepCompletePayload - данные step_complete.
type StepCompletePayload struct {
	StepIndex     *int    `json:"stepIndex"`
	Score         float64 `json:"score"`
	ActualMinutes float64 `json:"actualMinutes"`
}

// Lanes runs work for a key in order. messaging.Dispatcher implements it.
type Lanes interface {
	Submit(ctx context.Context, key, kind string, run func(ctx context.Context) error) error
}

// Handlers the router dispatches to.
type (
	EventRecorder interface {
		Handle(ctx context.Context, cmd command.RecordEventCommand) (*command.RecordEventResult, error)
	}
	ModuleStarter interface {
		Handle(ctx context.Context, cmd command.StartModuleCommand) (*command.StartModuleResult, error)
	}
	StepCompleter interface {
		Handle(ctx context.Context, cmd command.CompleteStepCommand) (*command.CompleteStepResult, error)
	}
)

// IntakeRouter maps inbound messages onto learner lanes.
type IntakeRouter struct {
	lanes  Lanes
	record EventRecorder
	start  ModuleStarter
	step   StepCompleter
	log    *logger.Logger

	onRejected func(kind string)
}

// NewIntakeRouter creates the router.
func NewIntakeRouter(lanes Lanes, record EventRecorder, start ModuleStarter, step StepCompleter, log *logger.Logger) *IntakeRouter {
	if log == nil {
		log = logger.Nop()
	}
	return &IntakeRouter{
		lanes:      lanes,
		record:     record,
		start:      start,
		step:       step,
		log:        log.With(logger.Component("intake")),
		onRejected: func(string) {},
	}
}

// OnRejected sets a hook called for every message rejected before queueing.
func (r *IntakeRouter) OnRejected(fn func(kind string)) *IntakeRouter {
	if fn != nil {
		r.onRejected = fn
	}
	return r
}

// Route validates msg and queues it on the learner's lane.
// A malformed message is rejected with a ValidationError and never queued.
func (r *IntakeRouter) Route(ctx context.Context, msg Inbound) error {
	run, err := r.prepare(msg)
	if err != nil {
		r.onRejected(msg.Type)
		r.log.Warn("message rejected",
			logger.LearnerID(msg.LearnerID), logger.EventType(msg.Type), logger.EventID(msg.ID), logger.Err(err))
		return err
	}
	if msg.CorrelationID != "" {
		inner := run
		run = func(ctx context.Context) error {
			return inner(logger.WithContext(ctx, r.log.With(logger.CorrelationID(msg.CorrelationID))))
		}
	}
	return r.lanes.Submit(ctx, msg.LearnerID, msg.Type, run)
}

// Decode parses one JSON message.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&msg); err != nil {
		return Inbound{}, shared.WrapError("intake", "Decode", shared.ErrValidation, "malformed message", err)
	}
	return msg, nil
}

func (r *IntakeRouter) prepare(msg Inbound) (func(context.Context) error, error) {
	const op = "Route"

	if err := shared.ValidateID("intake", op, "learnerId", msg.LearnerID); err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeModuleStart:
		var p ModuleStartPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		cmd := command.StartModuleCommand{
			LearnerID: msg.LearnerID,
			ModuleID:  msg.ModuleID,
			Preferences: profile.Preferences{
				LearningStyle:    p.LearningStyle,
				Pace:             p.PacePreference,
				DifficultyMode:   p.DifficultyPreference,
				ChallengeComfort: p.ChallengeComfort,
			},
			Restart: p.Restart,
			At:      msg.Timestamp,
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := r.start.Handle(ctx, cmd)
			return err
		}, nil

	case TypeStepComplete:
		var p StepCompletePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		if p.StepIndex == nil {
			return nil, shared.Validationf("intake", op, "step_complete without stepIndex")
		}
		cmd := command.CompleteStepCommand{
			LearnerID:     msg.LearnerID,
			ModuleID:      msg.ModuleID,
			StepIndex:     *p.StepIndex,
			Score:         p.Score,
			ActualMinutes: p.ActualMinutes,
			At:            msg.Timestamp,
			CorrelationID: msg.CorrelationID,
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := r.step.Handle(ctx, cmd)
			return err
		}, nil
	}

	ev := metrics.PerformanceEvent{
		ID:        msg.ID,
		LearnerID: msg.LearnerID,
		ModuleID:  msg.ModuleID,
		Type:      metrics.EventKind(msg.Type),
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	}
	if ev.ID == "" {
		ev.ID = shared.NewID()
	}
	if _, err := ev.Decode(); err != nil {
		return nil, err
	}
	cmd := command.RecordEventCommand{Event: ev, CorrelationID: msg.CorrelationID}
	return func(ctx context.Context) error {
		_, err := r.record.Handle(ctx, cmd)
		return err
	}, nil
}

func decodePayload(raw json.RawMessage, dest any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return shared.WrapError("intake", "Route", shared.ErrValidation, fmt.Sprintf("malformed %T payload", dest), err)
	}
	return nil
}
