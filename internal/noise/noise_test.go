package noise

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serialdata/internal/event"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/timeutil"
)

func newClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestSampler_CompletesAfterCapacity(t *testing.T) {
	const s = 5
	done := event.New()
	smp := NewSampler(s, newClock(), done)

	for i := 0; i < s-1; i++ {
		assert.False(t, smp.Update(frame.Vector([]float64{float64(i)}), frame.Vector([]float64{0})))
		_, ok := smp.Result()
		assert.False(t, ok)
	}
	assert.False(t, done.IsSet())

	assert.True(t, smp.Update(frame.Vector([]float64{1}), frame.Vector([]float64{0})))
	assert.True(t, done.IsSet())

	res, ok := smp.Result()
	require.True(t, ok)
	assert.Len(t, res.Uncertainty, s)
	assert.Equal(t, []float64{0}, res.Uncertainty[0], "index 0 is the zero sentinel")
	assert.Equal(t, []int{1, 2, 3, 4, 5}, res.Counts())
}

func TestSampler_InertWhenFull(t *testing.T) {
	done := event.New()
	smp := NewSampler(2, newClock(), done)
	smp.Update(frame.Vector([]float64{1, 2}), frame.Vector([]float64{1, 2}))
	smp.Update(frame.Vector([]float64{3, 4}), frame.Vector([]float64{2, 3}))
	before, ok := smp.Result()
	require.True(t, ok)

	done.Clear()
	for i := 0; i < 10; i++ {
		assert.False(t, smp.Update(frame.Vector([]float64{100, 100}), frame.Vector([]float64{100, 100})))
	}
	after, _ := smp.Result()
	assert.Equal(t, before, after, "sample set unchanged after completion")
	assert.False(t, done.IsSet(), "completion does not re-fire")
	assert.Equal(t, 2, smp.Len())
}

func TestSampler_UncertaintyCurve(t *testing.T) {
	raw := []float64{10, 12, 9, 14}
	mean := []float64{10, 11, 10, 11}

	smp := NewSampler(len(raw), newClock(), nil)
	for i := range raw {
		smp.Update(frame.Vector([]float64{raw[i]}), frame.Vector([]float64{mean[i]}))
	}
	res, ok := smp.Result()
	require.True(t, ok)

	// deviations from index 1: 1, 1, 9
	want := []float64{
		0,
		math.Sqrt(1.0/1) / math.Sqrt(2),
		math.Sqrt(2.0/2) / math.Sqrt(3),
		math.Sqrt(11.0/3) / math.Sqrt(4),
	}
	for i, w := range want {
		assert.InDelta(t, w, res.Uncertainty[i][0], 1e-12, "index %d", i)
	}
}

func TestSampler_FlattensMatrices(t *testing.T) {
	smp := NewSampler(1, newClock(), nil)
	m := frame.MustMatrix([][]float64{{1, 2}, {3, 4}})
	smp.Update(m, m)
	res, ok := smp.Result()
	require.True(t, ok)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, res.Raw)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, res.Mean)
	assert.Equal(t, [][]float64{{0, 0, 0, 0}}, res.Uncertainty)
}

func TestSampler_Timings(t *testing.T) {
	clock := newClock()
	smp := NewSampler(4, clock, nil)
	f := frame.Vector([]float64{0})

	smp.Update(f, f)
	clock.Advance(25 * time.Millisecond)
	smp.Update(f, f)
	clock.Advance(40 * time.Millisecond)
	smp.Update(f, f)
	clock.Advance(1500 * time.Microsecond)
	smp.Update(f, f)

	res, ok := smp.Result()
	require.True(t, ok)
	assert.Equal(t, []int64{0, 25, 40, 2}, res.TimingsMs)
}

func TestSampler_ResultIsCopy(t *testing.T) {
	smp := NewSampler(1, newClock(), nil)
	smp.Update(frame.Vector([]float64{1}), frame.Vector([]float64{1}))
	res, _ := smp.Result()
	res.Raw[0][0] = 99
	again, _ := smp.Result()
	assert.Equal(t, 1.0, again.Raw[0][0])
}
