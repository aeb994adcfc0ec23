// Package metrics содержит агрегатор метрик: сворачивает события обучения
// (тесты, уроки, время, заметки, закладки) в накопительную статистику ученика.
package metrics

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// EventKind - тип события производительности.
type EventKind string

const (
	KindLessonComplete  EventKind = "lesson_complete"
	KindQuizAttempt     EventKind = "quiz_attempt"
	KindTimeLog         EventKind = "time_log"
	KindNoteCreated     EventKind = "note_created"
	KindBookmarkCreated EventKind = "bookmark_created"
)

// IsValid reports whether k is one of the known kinds.
func (k EventKind) IsValid() bool {
	switch k {
	case KindLessonComplete, KindQuizAttempt, KindTimeLog, KindNoteCreated, KindBookmarkCreated:
		return true
	}
	return false
}

// PerformanceEvent - событие, доставляемое источником событий.
// Payload хранится как сырой JSON и разбирается в типизированную структуру при применении.
type PerformanceEvent struct {
	ID        string          `json:"id,omitempty"`
	LearnerID string          `json:"learnerId"`
	ModuleID  string          `json:"moduleId,omitempty"`
	Type      EventKind       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LessonComplete is the payload of a lesson_complete event.
type LessonComplete struct {
	ModuleID         string  `json:"moduleId"`
	TimeSpentMinutes float64 `json:"timeSpentMinutes"`
}

// QuizAttempt is the payload of a quiz_attempt event. Topic, Correct and
// Attempts are optional and feed per-topic accuracy on the learner profile.
type QuizAttempt struct {
	Score            float64 `json:"score"`
	Passed           bool    `json:"passed"`
	TimeTakenMinutes float64 `json:"timeTakenMinutes"`
	IsPerfect        bool    `json:"isPerfect"`
	Topic            string  `json:"topic,omitempty"`
	Correct          *int    `json:"correct,omitempty"`
	Attempts         *int    `json:"attempts,omitempty"`
}

// TopicResult returns the topic tally carried by the attempt.
// Without explicit counts a passed attempt counts as 1/1 and a failed one as 0/1.
func (q QuizAttempt) TopicResult() (topic string, correct, attempts int, ok bool) {
	if q.Topic == "" {
		return "", 0, 0, false
	}
	if q.Correct != nil && q.Attempts != nil {
		return q.Topic, *q.Correct, *q.Attempts, true
	}
	if q.Passed {
		return q.Topic, 1, 1, true
	}
	return q.Topic, 0, 1, true
}

// TimeLog is the payload of a time_log event.
type TimeLog struct {
	Minutes float64 `json:"minutes"`
}

// NoteCreated and BookmarkCreated carry no data.
type NoteCreated struct{}
type BookmarkCreated struct{}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(learnerID, moduleID string, kind EventKind, payload any, at time.Time) (PerformanceEvent, error) {
	ev := PerformanceEvent{
		ID:        shared.NewID(),
		LearnerID: learnerID,
		ModuleID:  moduleID,
		Type:      kind,
		Timestamp: at,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return PerformanceEvent{}, shared.WrapError("metrics", "NewEvent", shared.ErrValidation, "payload is not serializable", err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// MustEvent is NewEvent for payloads known to serialize. Panics otherwise.
func MustEvent(learnerID, moduleID string, kind EventKind, payload any, at time.Time) PerformanceEvent {
	ev, err := NewEvent(learnerID, moduleID, kind, payload, at)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode validates the envelope and returns the typed payload.
// Any problem is a ValidationError.
func (e PerformanceEvent) Decode() (any, error) {
	const op = "Decode"

	if err := shared.ValidateID("metrics", op, "learnerId", e.LearnerID); err != nil {
		return nil, err
	}
	if !e.Type.IsValid() {
		return nil, shared.Validationf("metrics", op, "unknown event type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return nil, shared.Validationf("metrics", op, "timestamp is required")
	}

	switch e.Type {
	case KindLessonComplete:
		var p LessonComplete
		if err := decodePayload(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.ModuleID == "" {
			p.ModuleID = e.ModuleID
		}
		if err := shared.ValidateID("metrics", op, "moduleId", p.ModuleID); err != nil {
			return nil, err
		}
		if p.TimeSpentMinutes < 0 {
			return nil, shared.Validationf("metrics", op, "timeSpentMinutes must be non-negative")
		}
		return p, nil

	case KindQuizAttempt:
		var p QuizAttempt
		if err := decodePayload(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.Score < 0 || p.Score > 100 {
			return nil, shared.Validationf("metrics", op, "score %.2f outside 0..100", p.Score)
		}
		if p.TimeTakenMinutes < 0 {
			return nil, shared.Validationf("metrics", op, "timeTakenMinutes must be non-negative")
		}
		if (p.Correct == nil) != (p.Attempts == nil) {
			return nil, shared.Validationf("metrics", op, "correct and attempts must be given together")
		}
		if p.Attempts != nil {
			if *p.Attempts <= 0 || *p.Correct < 0 || *p.Correct > *p.Attempts {
				return nil, shared.Validationf("metrics", op, "correct/attempts %d/%d invalid", *p.Correct, *p.Attempts)
			}
		}
		return p, nil

	case KindTimeLog:
		var p TimeLog
		if err := decodePayload(e.Payload, &p); err != nil {
			return nil, err
		}
		if p.Minutes < 0 {
			return nil, shared.Validationf("metrics", op, "minutes must be non-negative")
		}
		return p, nil

	case KindNoteCreated:
		return NoteCreated{}, nil

	case KindBookmarkCreated:
		return BookmarkCreated{}, nil
	}

	return nil, shared.Validationf("metrics", op, "unknown event type %q", e.Type)
}

func decodePayload(raw json.RawMessage, dest any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return shared.WrapError("metrics", "Decode", shared.ErrValidation, "malformed payload", err)
	}
	return nil
}
