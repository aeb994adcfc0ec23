package command

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/progression"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// START MODULE COMMAND
// Зачисление на модуль: создаёт профиль (или применяет новые предпочтения)
// и генерирует последовательность шагов. Повторный вызов продолжает уже
// начатое прохождение; Restart генерирует его заново, не трогая профиль.
// ══════════════════════════════════════════════════════════════════════════════

// ModuleSource resolves catalog modules. *catalog.Catalog implements it.
type ModuleSource interface {
	Module(id string) (catalog.Module, error)
}

// ProgressStore is the part of the learner store used for enrollment.
type ProgressStore interface {
	learner.ProfileRepository
	learner.SequenceRepository
}

// StartModuleCommand contains the data to start or resume a module.
type StartModuleCommand struct {
	LearnerID string
	ModuleID  string

	// Preferences are applied to the profile; empty fields keep what is stored.
	Preferences profile.Preferences

	// Restart regenerates the sequence even if one exists.
	Restart bool

	// At defaults to now.
	At time.Time
}

// Validate validates the command.
func (c StartModuleCommand) Validate() error {
	if err := shared.ValidateID("command", "StartModule", "learnerId", c.LearnerID); err != nil {
		return err
	}
	return shared.ValidateID("command", "StartModule", "moduleId", c.ModuleID)
}

// StartModuleResult contains the enrolled state.
type StartModuleResult struct {
	Profile  profile.Profile
	Sequence progression.Sequence

	// Resumed is true when an existing sequence was returned unchanged.
	Resumed bool
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENT (shared with CompleteStep)
// ══════════════════════════════════════════════════════════════════════════════

type enroller struct {
	store       ProgressStore
	modules     ModuleSource
	defaultMode profile.DifficultyMode
	r           *runner
}

// loadProfile returns the stored profile, or a new unsaved one with created=true.
func (e *enroller) loadProfile(ctx context.Context, learnerID, moduleID string, at time.Time) (profile.Profile, bool, error) {
	p, err := withStore(ctx, e.r, func(ctx context.Context) (profile.Profile, error) {
		return e.store.GetProfile(ctx, learnerID, moduleID)
	})
	if shared.IsNotFound(err) {
		return newProfile(learnerID, moduleID, e.defaultMode, at), true, nil
	}
	return p, false, err
}

// loadSequence returns the stored sequence, or a freshly generated unsaved one
// with created=true. A stored sequence in an impossible shape is an error.
func (e *enroller) loadSequence(ctx context.Context, p profile.Profile, at time.Time) (progression.Sequence, bool, error) {
	seq, err := withStore(ctx, e.r, func(ctx context.Context) (progression.Sequence, error) {
		return e.store.GetSequence(ctx, p.LearnerID, p.ModuleID)
	})
	switch {
	case err == nil:
		if verr := seq.Validate(); verr != nil {
			return seq, false, verr
		}
		return seq, false, nil
	case !shared.IsNotFound(err):
		return seq, false, err
	}

	seq, err = e.generate(p, at)
	return seq, true, err
}

func (e *enroller) generate(p profile.Profile, at time.Time) (progression.Sequence, error) {
	module, err := e.modules.Module(p.ModuleID)
	if err != nil {
		return progression.Sequence{}, err
	}
	return progression.Generate(module, p, p.DifficultyMode, at)
}

func (e *enroller) putProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	return withStore(ctx, e.r, func(ctx context.Context) (profile.Profile, error) {
		return e.store.PutProfile(ctx, p)
	})
}

func (e *enroller) putSequence(ctx context.Context, s progression.Sequence) (progression.Sequence, error) {
	return withStore(ctx, e.r, func(ctx context.Context) (progression.Sequence, error) {
		return e.store.PutSequence(ctx, s)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// StartModuleHandler handles the StartModuleCommand.
type StartModuleHandler struct {
	enroll *enroller
	*runner
}

// NewStartModuleHandler creates a new StartModuleHandler.
func NewStartModuleHandler(store ProgressStore, modules ModuleSource, log *logger.Logger, config Config) *StartModuleHandler {
	r := newRunner(log, "start_module", config)
	return &StartModuleHandler{
		enroll: &enroller{store: store, modules: modules, defaultMode: config.DefaultMode, r: r},
		runner: r,
	}
}

// WithObserver sets the metrics observer.
func (h *StartModuleHandler) WithObserver(o Observer) *StartModuleHandler {
	if o != nil {
		h.observer = o
	}
	return h
}

// Handle executes the start module command.
func (h *StartModuleHandler) Handle(ctx context.Context, cmd StartModuleCommand) (*StartModuleResult, error) {
	ctx, span := tracer.Start(ctx, "command.StartModule")
	defer span.End()
	span.SetAttributes(
		attribute.String("learner.id", cmd.LearnerID),
		attribute.String("module.id", cmd.ModuleID),
	)

	if err := cmd.Validate(); err != nil {
		fail(span, err, "invalid command")
		return nil, fmt.Errorf("start_module: %w", err)
	}
	if _, err := h.enroll.modules.Module(cmd.ModuleID); err != nil {
		fail(span, err, "unknown module")
		return nil, fmt.Errorf("start_module: %w", err)
	}

	at := cmd.At
	if at.IsZero() {
		at = h.now()
	}

	var result *StartModuleResult
	err := h.cycle(ctx, func(ctx context.Context) error {
		p, created, err := h.enroll.loadProfile(ctx, cmd.LearnerID, cmd.ModuleID, at)
		if err != nil {
			return err
		}

		next, err := p.WithPreferences(cmd.Preferences)
		if err != nil {
			return err
		}
		if created || preferencesChanged(p, next) {
			next.UpdatedAt = at
			if next, err = h.enroll.putProfile(ctx, next); err != nil {
				return err
			}
		}

		seq, seqCreated, err := h.enroll.loadSequence(ctx, next, at)
		if err != nil && !(cmd.Restart && shared.IsInvalidState(err)) {
			return err
		}
		if !seqCreated && !cmd.Restart {
			result = &StartModuleResult{Profile: next, Sequence: seq, Resumed: true}
			return nil
		}

		if !seqCreated {
			// restart keeps the stored version so the write stays optimistic
			version := seq.Version
			if seq, err = h.enroll.generate(next, at); err != nil {
				return err
			}
			seq.Version = version
		}
		saved, err := h.enroll.putSequence(ctx, seq)
		if err != nil {
			return err
		}
		result = &StartModuleResult{Profile: next, Sequence: saved}
		return nil
	})
	if err != nil {
		fail(span, err, "enrollment failed")
		return nil, fmt.Errorf("start_module: %w", err)
	}

	h.log.Info("module started",
		logger.LearnerID(cmd.LearnerID),
		logger.ModuleID(cmd.ModuleID),
		logger.Bool("resumed", result.Resumed),
		logger.String("mode", string(result.Sequence.Mode)))

	return result, nil
}

func preferencesChanged(before, after profile.Profile) bool {
	return before.LearningStyle != after.LearningStyle ||
		before.Pace != after.Pace ||
		before.DifficultyMode != after.DifficultyMode ||
		before.ChallengeComfort != after.ChallengeComfort
}
