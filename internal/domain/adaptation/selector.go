// Package adaptation подбирает тип контента, сложность и длительность шага
// под профиль ученика и формирует рекомендации по слабым темам.
package adaptation

import (
	"math"

	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

// ContentType - форма подачи материала шага.
type ContentType string

const (
	ContentVideo       ContentType = "video"
	ContentInteractive ContentType = "interactive"
	ContentSimulation  ContentType = "simulation"
	ContentAudio       ContentType = "audio"
	ContentDiscussion  ContentType = "discussion"
	ContentExercise    ContentType = "exercise"
	ContentText        ContentType = "text"
	ContentQuiz        ContentType = "quiz"
)

// rotation - порядок типов контента для каждого стиля обучения.
var rotation = map[profile.LearningStyle][]ContentType{
	profile.StyleVisual:      {ContentVideo, ContentInteractive, ContentSimulation},
	profile.StyleAuditory:    {ContentAudio, ContentDiscussion, ContentVideo},
	profile.StyleKinesthetic: {ContentInteractive, ContentSimulation, ContentExercise},
	profile.StyleReading:     {ContentText, ContentQuiz},
}

const (
	MinDifficulty = 1.0
	MaxDifficulty = 10.0

	baseCap           = 5.0
	masteryPerLevel   = 20.0
	gradualStep       = 0.5
	challengeOffset   = 2.0
	challengeStep     = 0.8
	adaptiveStep      = 0.6
	baseMinutes       = 15.0
	minutesPerStep    = 5.0
	neutralEngagement = 50.0
)

// Selection - параметры шага, подобранные под профиль.
type Selection struct {
	ContentType      ContentType `json:"contentType"`
	DifficultyLevel  float64     `json:"difficultyLevel"`
	EstimatedMinutes int         `json:"estimatedMinutes"`
}

// Select is a pure function of its arguments: identical input gives identical output.
// An unknown mode falls back to adaptive, an unknown style to visual; a negative
// step index is a ValidationError.
func Select(p profile.Profile, stepIndex int, mode profile.DifficultyMode) (Selection, error) {
	if stepIndex < 0 {
		return Selection{}, shared.Validationf("adaptation", "Select", "step index %d is negative", stepIndex)
	}

	types, ok := rotation[p.LearningStyle]
	if !ok {
		types = rotation[profile.StyleVisual]
	}

	return Selection{
		ContentType:      types[stepIndex%len(types)],
		DifficultyLevel:  Difficulty(p.Mastery, stepIndex, mode),
		EstimatedMinutes: EstimatedMinutes(p.Engagement, stepIndex),
	}, nil
}

// Difficulty returns the 1..10 difficulty for a step. It never decreases as
// stepIndex grows.
func Difficulty(mastery float64, stepIndex int, mode profile.DifficultyMode) float64 {
	base := min(shared.Clamp(mastery, shared.MinLevel, shared.MaxLevel)/masteryPerLevel, baseCap)
	i := float64(stepIndex)

	switch mode {
	case profile.ModeGradual:
		// the scale tops out at 10 in every mode
		return min(MaxDifficulty, max(MinDifficulty, base+i*gradualStep))
	case profile.ModeChallenge:
		return min(MaxDifficulty, base+challengeOffset+i*challengeStep)
	default:
		return shared.Clamp(base+i*adaptiveStep, MinDifficulty, MaxDifficulty)
	}
}

// EstimatedMinutes scales a 15 minute base by engagement and adds 5 per step.
// The result is at least one minute.
func EstimatedMinutes(engagement, stepIndex int) int {
	e := float64(shared.ClampInt(engagement, shared.MinLevel, shared.MaxLevel))
	m := int(math.Round(baseMinutes*(e/neutralEngagement) + float64(stepIndex)*minutesPerStep))
	return max(1, m)
}
