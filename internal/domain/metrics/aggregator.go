package metrics

import (
	"time"

	"github.com/alem-hub/mastery-engine/pkg/timeutil"
)

// Aggregator folds performance events into a learner's ledger.
// It is pure: Apply never mutates its input and performs no I/O.
type Aggregator struct {
	loc *time.Location
}

// NewAggregator creates an aggregator that counts streak days in loc.
func NewAggregator(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = timeutil.DefaultZone
	}
	return &Aggregator{loc: loc}
}

// Outcome describes what an applied event changed.
type Outcome struct {
	Ledger Ledger
	// Payload is the decoded event payload, for callers that need topic data.
	Payload any
	// ModuleNewlyCompleted is true when a lesson_complete counted a new module.
	ModuleNewlyCompleted bool
	// Duplicate is true when the event id was already applied; Ledger is unchanged.
	Duplicate bool
}

// Apply validates the event and returns the next ledger.
// A malformed event yields a ValidationError and the input is left as it was.
// An event whose id the ledger already holds is a no-op with Duplicate set.
func (a *Aggregator) Apply(ledger Ledger, ev PerformanceEvent) (Outcome, error) {
	payload, err := ev.Decode()
	if err != nil {
		return Outcome{}, err
	}
	if ledger.HasApplied(ev.ID) {
		return Outcome{Ledger: ledger.Clone(), Payload: payload, Duplicate: true}, nil
	}

	next := ledger.Clone()
	if next.LearnerID == "" {
		next.LearnerID = ev.LearnerID
	}
	out := Outcome{Payload: payload}

	switch p := payload.(type) {
	case LessonComplete:
		next.Stats.TotalTimeSpentMinutes += p.TimeSpentMinutes
		if !next.HasCompleted(p.ModuleID) {
			next.CompletedModules[p.ModuleID] = ev.Timestamp
			next.Stats.ModulesCompleted++
			out.ModuleNewlyCompleted = true
		}

	case QuizAttempt:
		if p.Passed {
			next.Stats.QuizzesPassed++
		}
		if p.IsPerfect {
			next.Stats.PerfectQuizzes++
		}
		next.Stats.TotalTimeSpentMinutes += p.TimeTakenMinutes

	case TimeLog:
		next.Stats.TotalTimeSpentMinutes += p.Minutes

	case NoteCreated:
		next.Stats.NotesCount++

	case BookmarkCreated:
		next.Stats.BookmarksCount++
	}

	next.Streak = next.Streak.RecordActivity(timeutil.DayOf(ev.Timestamp, a.loc))
	next.Stats.StreakDays = next.Streak.Current
	if ev.Timestamp.After(next.UpdatedAt) {
		next.UpdatedAt = ev.Timestamp
	}

	next.markApplied(ev.ID)
	out.Ledger = next
	return out, nil
}
