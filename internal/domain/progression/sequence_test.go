package progression

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/mastery-engine/internal/domain/adaptation"
	"github.com/alem-hub/mastery-engine/internal/domain/catalog"
	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
)

var now = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func module(n int) catalog.Module {
	m := catalog.Module{ID: "algebra", Title: "Algebra"}
	for i := range n {
		typ := catalog.StepContent
		if i == n-1 {
			typ = catalog.StepFinalAssessment
		}
		m.Steps = append(m.Steps, catalog.StepDef{ID: fmt.Sprintf("s%d", i), Title: fmt.Sprintf("Step %d", i), Type: typ})
	}
	return m
}

func generate(t *testing.T, n int) Sequence {
	t.Helper()
	seq, err := Generate(module(n), profile.New("learner-1", "algebra", now), profile.ModeAdaptive, now)
	require.NoError(t, err)
	return seq
}

func currentCount(s Sequence) int {
	n := 0
	for _, st := range s.Steps {
		if st.Status == StatusCurrent {
			n++
		}
	}
	return n
}

func TestGenerate(t *testing.T) {
	seq := generate(t, 3)

	require.Len(t, seq.Steps, 3)
	assert.Equal(t, StatusCurrent, seq.Steps[0].Status)
	assert.Equal(t, StatusLocked, seq.Steps[1].Status)
	assert.Equal(t, StatusLocked, seq.Steps[2].Status)

	assert.Equal(t, adaptation.ContentVideo, seq.Steps[0].Payload.ContentType)
	assert.Equal(t, adaptation.ContentInteractive, seq.Steps[1].Payload.ContentType)
	assert.Equal(t, 15, seq.Steps[0].Payload.EstimatedMinutes)
	assert.Equal(t, 20, seq.Steps[1].Payload.EstimatedMinutes)

	again := generate(t, 3)
	assert.Equal(t, seq, again)
}

func TestGenerate_EmptyModule(t *testing.T) {
	_, err := Generate(catalog.Module{ID: "empty"}, profile.New("learner-1", "empty", now), profile.ModeAdaptive, now)
	assert.True(t, shared.IsValidation(err))
}

func TestComplete_PercentSequence(t *testing.T) {
	seq := generate(t, 5)

	var percents []float64
	for i := range 4 {
		next, tr, err := seq.Complete(i, now)
		require.NoError(t, err)
		assert.Equal(t, i+1, tr.NextIndex)
		assert.False(t, tr.ModuleCompleted)
		percents = append(percents, next.Percent())
		seq = next
	}

	assert.Equal(t, []float64{20, 40, 60, 80}, percents)
}

func TestComplete_OutOfOrder(t *testing.T) {
	seq := generate(t, 5)
	for i := range 3 {
		var err error
		seq, _, err = seq.Complete(i, now)
		require.NoError(t, err)
	}

	_, _, err := seq.Complete(4, now)
	require.Error(t, err)
	assert.True(t, shared.IsOutOfOrder(err))

	cur, ok := seq.Current()
	require.True(t, ok)
	assert.Equal(t, 3, cur)
}

func TestComplete_AlreadyCompleted(t *testing.T) {
	seq := generate(t, 3)

	seq, _, err := seq.Complete(0, now)
	require.NoError(t, err)

	again, tr, err := seq.Complete(0, now)
	require.Error(t, err)
	assert.True(t, shared.IsAlreadyCompleted(err))
	assert.Equal(t, Transition{}, tr)
	assert.Equal(t, seq, again)

	cur, _ := again.Current()
	assert.Equal(t, 1, cur)
}

func TestComplete_FinishesModule(t *testing.T) {
	seq := generate(t, 2)
	later := now.Add(time.Hour)

	seq, _, err := seq.Complete(0, now)
	require.NoError(t, err)
	seq, tr, err := seq.Complete(1, later)
	require.NoError(t, err)

	assert.True(t, tr.ModuleCompleted)
	assert.Equal(t, -1, tr.NextIndex)
	assert.True(t, seq.IsComplete())
	assert.Equal(t, 100.0, seq.Percent())
	require.NotNil(t, seq.CompletedAt)
	assert.Equal(t, later, *seq.CompletedAt)

	_, ok := seq.Current()
	assert.False(t, ok)
}

func TestComplete_IndexOutOfRange(t *testing.T) {
	seq := generate(t, 2)

	_, _, err := seq.Complete(7, now)
	assert.True(t, shared.IsValidation(err))
}

func TestComplete_ExclusivityHoldsThroughout(t *testing.T) {
	seq := generate(t, 6)
	assert.Equal(t, 1, currentCount(seq))

	// hammer every index at each stage, valid or not
	for range 6 {
		for i := range 6 {
			if next, _, err := seq.Complete(i, now); err == nil {
				seq = next
			}
			count := currentCount(seq)
			require.True(t, count == 0 || count == 1, "current count %d", count)
			require.NoError(t, seq.Validate())
		}
	}
	assert.True(t, seq.IsComplete())
	assert.Equal(t, 0, currentCount(seq))
}

func TestComplete_DoesNotMutateReceiver(t *testing.T) {
	seq := generate(t, 3)

	_, _, err := seq.Complete(0, now)
	require.NoError(t, err)

	assert.Equal(t, StatusCurrent, seq.Steps[0].Status)
}

func TestValidate_DetectsCorruption(t *testing.T) {
	seq := generate(t, 3)
	seq.Steps[2].Status = StatusCurrent

	err := seq.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}
