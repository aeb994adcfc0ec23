package adaptation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

var now = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func newProfile(style profile.LearningStyle) profile.Profile {
	p := profile.New("learner-1", "algebra", now)
	p.LearningStyle = style
	return p
}

func TestSelect_NewVisualLearner(t *testing.T) {
	got, err := Select(newProfile(profile.StyleVisual), 0, profile.ModeAdaptive)
	require.NoError(t, err)

	assert.Equal(t, ContentVideo, got.ContentType)
	assert.Equal(t, 1.0, got.DifficultyLevel)
	assert.Equal(t, 15, got.EstimatedMinutes)
}

func TestSelect_ContentRotation(t *testing.T) {
	visual := newProfile(profile.StyleVisual)
	reading := newProfile(profile.StyleReading)

	var visualTypes, readingTypes []ContentType
	for i := range 6 {
		v, err := Select(visual, i, profile.ModeAdaptive)
		require.NoError(t, err)
		visualTypes = append(visualTypes, v.ContentType)

		r, err := Select(reading, i, profile.ModeAdaptive)
		require.NoError(t, err)
		readingTypes = append(readingTypes, r.ContentType)
	}

	assert.Equal(t, []ContentType{ContentVideo, ContentInteractive, ContentSimulation, ContentVideo, ContentInteractive, ContentSimulation}, visualTypes)
	assert.Equal(t, []ContentType{ContentText, ContentQuiz, ContentText, ContentQuiz, ContentText, ContentQuiz}, readingTypes)
}

func TestSelect_IsDeterministic(t *testing.T) {
	p := newProfile(profile.StyleKinesthetic)
	p.Mastery = 37
	p.Engagement = 62

	for _, mode := range []profile.DifficultyMode{profile.ModeGradual, profile.ModeChallenge, profile.ModeAdaptive} {
		a, err := Select(p, 4, mode)
		require.NoError(t, err)
		b, err := Select(p, 4, mode)
		require.NoError(t, err)
		assert.Equal(t, a, b, mode)
	}
}

func TestSelect_RejectsNegativeIndex(t *testing.T) {
	_, err := Select(newProfile(profile.StyleVisual), -1, profile.ModeAdaptive)
	assert.True(t, shared.IsValidation(err))
}

func TestDifficulty(t *testing.T) {
	tests := []struct {
		name    string
		mastery float64
		step    int
		mode    profile.DifficultyMode
		want    float64
	}{
		{"gradual floor", 0, 0, profile.ModeGradual, 1},
		{"gradual", 40, 3, profile.ModeGradual, 3.5},
		{"challenge", 40, 3, profile.ModeChallenge, 6.4},
		{"challenge cap", 100, 10, profile.ModeChallenge, 10},
		{"adaptive", 40, 3, profile.ModeAdaptive, 3.8},
		{"adaptive cap", 100, 20, profile.ModeAdaptive, 10},
		{"base capped at 5", 100, 0, profile.ModeAdaptive, 5},
		{"unknown mode is adaptive", 40, 3, "", 3.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Difficulty(tt.mastery, tt.step, tt.mode), 1e-9)
		})
	}
}

func TestDifficulty_NeverDecreasesWithStep(t *testing.T) {
	for _, mode := range []profile.DifficultyMode{profile.ModeGradual, profile.ModeChallenge, profile.ModeAdaptive} {
		for _, mastery := range []float64{0, 25, 60, 100} {
			prev := Difficulty(mastery, 0, mode)
			for i := 1; i < 30; i++ {
				d := Difficulty(mastery, i, mode)
				require.GreaterOrEqual(t, d, prev, "mode=%s mastery=%v step=%d", mode, mastery, i)
				require.LessOrEqual(t, d, MaxDifficulty)
				require.GreaterOrEqual(t, d, MinDifficulty)
				prev = d
			}
		}
	}
}

func TestEstimatedMinutes(t *testing.T) {
	assert.Equal(t, 15, EstimatedMinutes(50, 0))
	assert.Equal(t, 25, EstimatedMinutes(50, 2))
	assert.Equal(t, 30, EstimatedMinutes(100, 0))
	assert.Equal(t, 1, EstimatedMinutes(0, 0))
	assert.Equal(t, 5, EstimatedMinutes(0, 1))
	assert.Equal(t, 8, EstimatedMinutes(25, 0)) // 7.5 rounds half away from zero
}

func TestRuleTable_Recommend(t *testing.T) {
	rt := NewRuleTable(catalog.RecommendationRules{
		Default: catalog.RecommendationTemplate{Title: "Review {topic}", Body: "Spend ten minutes on {topic} exercises."},
		Topics: map[string]catalog.RecommendationTemplate{
			"fractions": {Title: "Fractions refresher", Body: "Rewatch the pizza video for {topic}."},
		},
	})

	p := newProfile(profile.StyleVisual)
	p = p.RecordTopic("fractions", 1, 4, now)
	p = p.RecordTopic("decimals", 0, 2, now)
	p = p.RecordTopic("geometry", 5, 5, now)

	recs := rt.Recommend(p)
	require.Len(t, recs, 2)

	assert.Equal(t, Recommendation{Topic: "decimals", Title: "Review decimals", Body: "Spend ten minutes on decimals exercises."}, recs[0])
	assert.Equal(t, Recommendation{Topic: "fractions", Title: "Fractions refresher", Body: "Rewatch the pizza video for fractions."}, recs[1])
}

func TestRuleTable_NoGaps(t *testing.T) {
	rt := NewRuleTable(catalog.RecommendationRules{})
	assert.Empty(t, rt.Recommend(newProfile(profile.StyleVisual)))
}
