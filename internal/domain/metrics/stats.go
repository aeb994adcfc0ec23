package metrics

import (
	"maps"
	"slices"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CUMULATIVE STATS
// ══════════════════════════════════════════════════════════════════════════════

// Stats - накопительные счётчики ученика. Только растут; уменьшить их может
// лишь явный административный сброс (Reset).
type Stats struct {
	ModulesCompleted      int     `json:"modulesCompleted"`
	QuizzesPassed         int     `json:"quizzesPassed"`
	PerfectQuizzes        int     `json:"perfectQuizzes"`
	StreakDays            int     `json:"streakDays"`
	TotalTimeSpentMinutes float64 `json:"totalTimeSpentMinutes"`
	NotesCount            int     `json:"notesCount"`
	BookmarksCount        int     `json:"bookmarksCount"`
}

// Dominates reports whether every counter in s is at least the one in other.
func (s Stats) Dominates(other Stats) bool {
	return s.ModulesCompleted >= other.ModulesCompleted &&
		s.QuizzesPassed >= other.QuizzesPassed &&
		s.PerfectQuizzes >= other.PerfectQuizzes &&
		s.StreakDays >= other.StreakDays &&
		s.TotalTimeSpentMinutes >= other.TotalTimeSpentMinutes &&
		s.NotesCount >= other.NotesCount &&
		s.BookmarksCount >= other.BookmarksCount
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// AppliedEventWindow - сколько последних id событий помнит леджер.
const AppliedEventWindow = 256

// Ledger - запись статистики в хранилище: счётчики плюс то, что нужно
// агрегатору для идемпотентности (завершённые модули, последние id событий)
// и подсчёта серии. Version используется для оптимистичной блокировки.
type Ledger struct {
	LearnerID        string               `json:"learnerId"`
	Stats            Stats                `json:"stats"`
	CompletedModules map[string]time.Time `json:"completedModules"`
	Streak           Streak               `json:"streak"`
	// AppliedEvents holds the newest AppliedEventWindow event ids, oldest first.
	AppliedEvents []string  `json:"appliedEvents,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewLedger создаёт пустой леджер для нового ученика.
func NewLedger(learnerID string) Ledger {
	return Ledger{
		LearnerID:        learnerID,
		CompletedModules: make(map[string]time.Time),
	}
}

// HasCompleted reports whether the module was already counted.
func (l Ledger) HasCompleted(moduleID string) bool {
	_, ok := l.CompletedModules[moduleID]
	return ok
}

// HasApplied reports whether the event id is inside the remembered window.
func (l Ledger) HasApplied(eventID string) bool {
	return eventID != "" && slices.Contains(l.AppliedEvents, eventID)
}

func (l *Ledger) markApplied(eventID string) {
	if eventID == "" {
		return
	}
	l.AppliedEvents = append(l.AppliedEvents, eventID)
	if n := len(l.AppliedEvents) - AppliedEventWindow; n > 0 {
		l.AppliedEvents = slices.Delete(l.AppliedEvents, 0, n)
	}
}

// Clone returns a deep copy so pure transforms never alias the caller's map.
func (l Ledger) Clone() Ledger {
	out := l
	out.CompletedModules = maps.Clone(l.CompletedModules)
	if out.CompletedModules == nil {
		out.CompletedModules = make(map[string]time.Time)
	}
	out.AppliedEvents = slices.Clone(l.AppliedEvents)
	return out
}

// Reset is the explicit administrative reset: zeroes all counters and history
// while keeping identity and version so the write still goes through the
// optimistic check.
func (l Ledger) Reset(at time.Time) Ledger {
	out := NewLedger(l.LearnerID)
	out.Version = l.Version
	out.UpdatedAt = at
	return out
}
