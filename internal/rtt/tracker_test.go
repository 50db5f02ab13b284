package rtt

import (
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSampleIsTakenAsIs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New[string](clock)

	tr.PingSent("a")
	clock.Advance(40 * time.Millisecond)
	got, ok := tr.PongReceived("a")
	require.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, got)
	assert.Equal(t, 40*time.Millisecond, tr.RTT("a"))

	s, ok := tr.Sample("a")
	require.True(t, ok)
	assert.Equal(t, 1, s.Samples)
	assert.Equal(t, clock.Now(), s.LastPongReceived)
}

func TestTwoSampleAverage(t *testing.T) {
	tr := New[string](clockwork.NewFakeClock())
	assert.Equal(t, 100*time.Millisecond, tr.Observe("a", 100*time.Millisecond))
	assert.Equal(t, 150*time.Millisecond, tr.Observe("a", 200*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, tr.Observe("a", 50*time.Millisecond))
}

func TestConvergesToFixedDelay(t *testing.T) {
	const d = 100 * time.Millisecond

	clock := clockwork.NewFakeClock()
	tr := New[int](clock)
	for i := 0; i < 5; i++ {
		tr.PingSent(1)
		clock.Advance(d)
		est, ok := tr.PongReceived(1)
		require.True(t, ok)
		assert.InDelta(t, float64(d), float64(est), 0.01*float64(d), "sample %d", i)
	}
}

func TestRecoversFromOutlier(t *testing.T) {
	const d = 100 * time.Millisecond

	clock := clockwork.NewFakeClock()
	tr := New[int](clock)
	tr.Observe(1, 2*time.Second)

	var est time.Duration
	for i := 0; i < 12; i++ {
		tr.PingSent(1)
		clock.Advance(d)
		est, _ = tr.PongReceived(1)
	}
	assert.InDelta(t, float64(d), float64(est), 0.01*float64(d))
}

func TestConvergesWithJitter(t *testing.T) {
	const d = 50 * time.Millisecond
	clock := clockwork.NewFakeClock()
	tr := New[int](clock)

	delays := []time.Duration{d + 2*time.Millisecond, d - time.Millisecond, d, d, d, d, d, d}
	var est time.Duration
	for _, delay := range delays {
		tr.PingSent(7)
		clock.Advance(delay)
		est, _ = tr.PongReceived(7)
	}
	assert.LessOrEqual(t, math.Abs(float64(est-d)), 0.01*float64(d))
}

func TestPongWithoutPing(t *testing.T) {
	tr := New[string](clockwork.NewFakeClock())
	_, ok := tr.PongReceived("ghost")
	assert.False(t, ok)
	assert.Equal(t, time.Duration(0), tr.RTT("ghost"))
}

func TestNeverNegative(t *testing.T) {
	tr := New[string](clockwork.NewFakeClock())
	assert.Equal(t, time.Duration(0), tr.Observe("a", -5*time.Millisecond))
	assert.Equal(t, time.Duration(0), tr.RTT("a"))
}

func TestRemove(t *testing.T) {
	tr := New[string](clockwork.NewFakeClock())
	tr.Observe("a", time.Millisecond)
	tr.Observe("b", time.Millisecond)
	require.Equal(t, 2, tr.Len())

	tr.Remove("a")
	assert.Equal(t, 1, tr.Len())
	_, ok := tr.Sample("a")
	assert.False(t, ok)

	snap := tr.Snapshot()
	assert.Contains(t, snap, "b")

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
}
