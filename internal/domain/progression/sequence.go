// Package progression содержит машину состояний прохождения модуля:
// упорядоченные шаги со статусами locked/current/completed.
package progression

import (
	"fmt"
	"slices"
	"time"

	"github.com/alem-hub/mastery-engine/internal/domain/adaptation"
	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// StepStatus - статус шага.
type StepStatus string

const (
	StatusLocked    StepStatus = "locked"
	StatusCurrent   StepStatus = "current"
	StatusCompleted StepStatus = "completed"
)

// StepPayload - то, что подобрал селектор, плюс содержимое из каталога.
type StepPayload struct {
	adaptation.Selection
	Content map[string]any `json:"content,omitempty"`
}

// Step - один шаг в последовательности.
type Step struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Type    catalog.StepType `json:"type"`
	Topic   string           `json:"topic,omitempty"`
	Status  StepStatus       `json:"status"`
	Payload StepPayload      `json:"payload"`
}

// Sequence - прохождение одного модуля одним учеником.
// Ровно один шаг current, либо ни одного, если модуль пройден.
type Sequence struct {
	LearnerID   string                 `json:"learnerId"`
	ModuleID    string                 `json:"moduleId"`
	Mode        profile.DifficultyMode `json:"mode"`
	Steps       []Step                 `json:"steps"`
	Version     int64                  `json:"version"`
	StartedAt   time.Time              `json:"startedAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Transition describes a successful completeStep.
type Transition struct {
	CompletedIndex int
	// NextIndex is the new current step, -1 when the module is done.
	NextIndex       int
	ModuleCompleted bool
}

// Generate builds the sequence for a module. Step i carries Select(profile, i, mode).
// The result depends only on its arguments.
func Generate(module catalog.Module, p profile.Profile, mode profile.DifficultyMode, at time.Time) (Sequence, error) {
	if len(module.Steps) == 0 {
		return Sequence{}, shared.Validationf("progression", "Generate", "module %q has no steps", module.ID)
	}

	steps := make([]Step, len(module.Steps))
	for i, def := range module.Steps {
		sel, err := adaptation.Select(p, i, mode)
		if err != nil {
			return Sequence{}, err
		}
		status := StatusLocked
		if i == 0 {
			status = StatusCurrent
		}
		steps[i] = Step{
			ID:     def.ID,
			Title:  def.Title,
			Type:   def.Type,
			Topic:  def.Topic,
			Status: status,
			Payload: StepPayload{
				Selection: sel,
				Content:   def.Payload,
			},
		}
	}

	return Sequence{
		LearnerID: p.LearnerID,
		ModuleID:  module.ID,
		Mode:      mode,
		Steps:     steps,
		StartedAt: at,
		UpdatedAt: at,
	}, nil
}

// Clone returns a copy whose step slice can be changed freely.
func (s Sequence) Clone() Sequence {
	out := s
	out.Steps = slices.Clone(s.Steps)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Complete marks step i completed and unlocks i+1 in one update.
//
//   - i is current: success
//   - i already completed: AlreadyCompleted, sequence unchanged
//   - i locked: OutOfOrder
func (s Sequence) Complete(i int, at time.Time) (Sequence, Transition, error) {
	const op = "Complete"

	if i < 0 || i >= len(s.Steps) {
		return s, Transition{}, shared.Validationf("progression", op, "step index %d outside 0..%d", i, len(s.Steps)-1)
	}

	switch s.Steps[i].Status {
	case StatusCompleted:
		return s, Transition{}, shared.NewDomainError("progression", op, shared.ErrAlreadyCompleted,
			fmt.Sprintf("step %d of %q is already completed", i, s.ModuleID))
	case StatusLocked:
		return s, Transition{}, shared.NewDomainError("progression", op, shared.ErrOutOfOrder,
			fmt.Sprintf("step %d of %q is locked", i, s.ModuleID))
	}

	out := s.Clone()
	out.Steps[i].Status = StatusCompleted
	tr := Transition{CompletedIndex: i, NextIndex: -1}

	if i+1 < len(out.Steps) {
		out.Steps[i+1].Status = StatusCurrent
		tr.NextIndex = i + 1
	} else {
		tr.ModuleCompleted = true
		out.CompletedAt = &at
	}
	out.UpdatedAt = at

	return out, tr, nil
}

// Current returns the index of the current step, false when the module is complete.
func (s Sequence) Current() (int, bool) {
	idx := slices.IndexFunc(s.Steps, func(st Step) bool { return st.Status == StatusCurrent })
	return idx, idx >= 0
}

// CompletedCount returns the number of completed steps.
func (s Sequence) CompletedCount() int {
	n := 0
	for _, st := range s.Steps {
		if st.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// Percent is derived on every call and never stored.
func (s Sequence) Percent() float64 {
	return shared.Percent(float64(s.CompletedCount()), float64(len(s.Steps)))
}

// IsComplete reports whether every step is completed.
func (s Sequence) IsComplete() bool {
	return len(s.Steps) > 0 && s.CompletedCount() == len(s.Steps)
}

// Validate checks the shape a loaded record must have: a completed prefix,
// at most one current step directly after it, and locked steps after that.
// A record failing this needs a resync.
func (s Sequence) Validate() error {
	const op = "Validate"

	if len(s.Steps) == 0 {
		return shared.Validationf("progression", op, "sequence %q has no steps", s.ModuleID)
	}

	i := 0
	for i < len(s.Steps) && s.Steps[i].Status == StatusCompleted {
		i++
	}
	if i < len(s.Steps) {
		if s.Steps[i].Status != StatusCurrent {
			return shared.NewDomainError("progression", op, shared.ErrInvalidState,
				fmt.Sprintf("sequence %q: step %d should be current, is %s", s.ModuleID, i, s.Steps[i].Status))
		}
		for j := i + 1; j < len(s.Steps); j++ {
			if s.Steps[j].Status != StatusLocked {
				return shared.NewDomainError("progression", op, shared.ErrInvalidState,
					fmt.Sprintf("sequence %q: step %d should be locked, is %s", s.ModuleID, j, s.Steps[j].Status))
			}
		}
	}
	return nil
}
