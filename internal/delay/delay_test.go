package delay

import (
	"context"
	"testing"
	"time"

	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Fixed(t *testing.T) {
	s := New(nil)
	d, err := s.Compute(models.FixedDelay{Ms: 120}, 0)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Millisecond, d)
}

func TestCompute_None(t *testing.T) {
	s := New(nil)
	d, err := s.Compute(nil, 5)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestCompute_RandomWithinBounds(t *testing.T) {
	s := New(nil)
	for i := 0; i < 500; i++ {
		d, err := s.Compute(models.RandomDelay{MinMs: 10, MaxMs: 20}, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
}

func TestCompute_RandomDegenerate(t *testing.T) {
	s := New(nil)
	for i := 0; i < 50; i++ {
		d, err := s.Compute(models.RandomDelay{MinMs: 50, MaxMs: 50}, 0)
		require.NoError(t, err)
		assert.Equal(t, 50*time.Millisecond, d)
	}
}

func TestCompute_RandomBoundsInclusive(t *testing.T) {
	s := New(nil)
	s.intN = func(n int) int { return n - 1 }

	d, err := s.Compute(models.RandomDelay{MinMs: 10, MaxMs: 20}, 0)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, d)
}

func TestCompute_RandomMinAboveMax(t *testing.T) {
	s := New(nil)
	d, err := s.Compute(models.RandomDelay{MinMs: 80, MaxMs: 20}, 0)

	assert.ErrorIs(t, err, models.ErrConfigRange)
	assert.Equal(t, 80*time.Millisecond, d)
}

func TestCompute_Normal(t *testing.T) {
	s := New(nil)

	t.Run("zero stddev is the mean", func(t *testing.T) {
		d, err := s.Compute(models.NormalDelay{MeanMs: 40}, 0)
		require.NoError(t, err)
		assert.Equal(t, 40*time.Millisecond, d)
	})

	t.Run("negative samples clamp to zero", func(t *testing.T) {
		s.normal = func() float64 { return -3 }
		d, err := s.Compute(models.NormalDelay{MeanMs: 10, StdDevMs: 100}, 0)
		require.NoError(t, err)
		assert.Zero(t, d)
	})

	t.Run("sample is scaled and shifted", func(t *testing.T) {
		s.normal = func() float64 { return 1.5 }
		d, err := s.Compute(models.NormalDelay{MeanMs: 100, StdDevMs: 20}, 0)
		require.NoError(t, err)
		assert.Equal(t, 130*time.Millisecond, d)
	})

	t.Run("never negative", func(t *testing.T) {
		sim := New(nil)
		for i := 0; i < 500; i++ {
			d, _ := sim.Compute(models.NormalDelay{MeanMs: 5, StdDevMs: 500}, 0)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		}
	})
}

func TestCompute_StepSequence(t *testing.T) {
	s := New(nil)
	policy := models.StepDelay{BaseMs: 0, StepMs: 100, LimitMs: 300}

	expected := []time.Duration{0, 100, 200, 300, 300}
	for i, want := range expected {
		d, err := s.Compute(policy, int64(i))
		require.NoError(t, err)
		assert.Equal(t, want*time.Millisecond, d, "invocation %d", i+1)
	}
}

func TestCompute_StepLimitBelowBase(t *testing.T) {
	s := New(nil)
	d, err := s.Compute(models.StepDelay{BaseMs: 10, StepMs: 5, LimitMs: 1}, 100)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, d)
}

func TestForEntry_UsesEntryCounter(t *testing.T) {
	rule := &models.Rule{
		ID:            "step",
		Name:          "step",
		ProjectID:     "p",
		EnvironmentID: "e",
		Protocol:      models.ProtocolHTTP,
		MatchType:     models.MatchTypeSimple,
		Priority:      1,
		Enabled:       true,
		Response:      models.ResponseDefinition{Type: models.ResponseTypeStatic, Content: models.ResponseContent{StatusCode: 200}},
		Delay:         &models.DelayDefinition{Type: models.DelayTypeStep, Base: 0, Step: 100, Limit: 300},
	}
	entry, err := index.Compile(rule)
	require.NoError(t, err)

	s := New(nil)
	var got []time.Duration
	for i := 0; i < 5; i++ {
		d, err := s.ForEntry(entry)
		require.NoError(t, err)
		got = append(got, d)
	}

	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, got)
}

func TestForEntry_RangeErrorCarriesRule(t *testing.T) {
	rule := &models.Rule{
		ID:            "bad-range",
		Name:          "bad",
		ProjectID:     "p",
		EnvironmentID: "e",
		Protocol:      models.ProtocolHTTP,
		MatchType:     models.MatchTypeSimple,
		Priority:      1,
		Enabled:       true,
		Response:      models.ResponseDefinition{Type: models.ResponseTypeStatic, Content: models.ResponseContent{StatusCode: 200}},
		Delay:         &models.DelayDefinition{Type: models.DelayTypeRandom, Min: 30, Max: 10},
	}
	entry, err := index.Compile(rule)
	require.NoError(t, err)

	d, err := New(nil).ForEntry(entry)
	assert.Equal(t, 30*time.Millisecond, d)
	require.ErrorIs(t, err, models.ErrConfigRange)
	assert.Contains(t, err.Error(), "bad-range")
}

func TestWait(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Wait(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("zero returns immediately", func(t *testing.T) {
		assert.NoError(t, Wait(context.Background(), 0))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Wait(ctx, 5*time.Second)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}
