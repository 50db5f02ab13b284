package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvance(t *testing.T) {
	l := New(30, 0)
	l.Advance(0.5)
	l.Advance(0.25)
	assert.InDelta(t, 0.75, l.GetPosition(), 1e-12)

	l.SetSpeed(2)
	l.Advance(1)
	assert.InDelta(t, 2.75, l.GetPosition(), 1e-12)
}

func TestPausedDoesNotMove(t *testing.T) {
	l := New(30, 0)
	l.SetPause(true)
	l.Advance(10)
	assert.Equal(t, 0.0, l.GetPosition())
	assert.True(t, l.GetPause())
}

func TestLoopWraps(t *testing.T) {
	l := New(30, 10)
	l.SetPosition(9.5)
	l.Advance(1)
	assert.InDelta(t, 0.5, l.GetPosition(), 1e-9)

	l.SetSpeed(-1)
	l.Advance(1)
	assert.InDelta(t, 9.5, l.GetPosition(), 1e-9)
}

func TestNoLoopClamps(t *testing.T) {
	l := New(30, 10)
	l.SetLoop(false)
	l.SetPosition(9.5)
	l.Advance(2)
	assert.Equal(t, 10.0, l.GetPosition())
}

func TestAccessors(t *testing.T) {
	l := New(25, 60)
	assert.Equal(t, 25.0, l.GetFramerate())
	assert.Equal(t, 60.0, l.GetDurationSeconds())
	assert.Equal(t, 1.0, l.GetSpeed())
}
