package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of notification event emitted by the engine.
type EventType string

// Notification event types consumed by the presentation layer.
const (
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventStepAdvanced        EventType = "step_advanced"
)

// Event is the base interface for all engine events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the learner the event belongs to.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"learnerId"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, learnerID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: learnerID,
	}
}

// Correlation returns the correlation ID the event was raised under.
func (e BaseEvent) Correlation() string {
	return e.CorrelationID
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Notifications
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent fires exactly once per newly unlocked achievement,
// after the unlocked set has been durably stored.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string `json:"achievementId"`
	Points        int    `json:"points"`
	Rarity        string `json:"rarity,omitempty"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievementId": e.AchievementID,
		"points":        e.Points,
		"rarity":        e.Rarity,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(learnerID, achievementID string, points int, rarity string, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, learnerID, at),
		AchievementID: achievementID,
		Points:        points,
		Rarity:        rarity,
	}
}

// StepAdvancedEvent fires after a step completion has been persisted.
// StepIndex is the new current step, or the step count when the module is done.
type StepAdvancedEvent struct {
	BaseEvent
	ModuleID        string `json:"moduleId"`
	StepIndex       int    `json:"stepIndex"`
	ModuleCompleted bool   `json:"moduleCompleted"`
}

// Payload implements Event interface.
func (e StepAdvancedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"moduleId":        e.ModuleID,
		"stepIndex":       e.StepIndex,
		"moduleCompleted": e.ModuleCompleted,
	}
}

// NewStepAdvancedEvent creates a new StepAdvancedEvent.
func NewStepAdvancedEvent(learnerID, moduleID string, stepIndex int, completed bool, at time.Time) StepAdvancedEvent {
	return StepAdvancedEvent{
		BaseEvent:       NewBaseEvent(EventStepAdvanced, learnerID, at),
		ModuleID:        moduleID,
		StepIndex:       stepIndex,
		ModuleCompleted: completed,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	LearnerID     string          `json:"learnerId"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish hands an event to subscribers. Fire-and-forget from the engine's side.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
