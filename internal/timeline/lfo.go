// Package timeline provides a self-advancing playback clock for nodes that
// have no media player of their own to synchronize.
package timeline

import (
	"math"
	"sync"
)

// LFO is a free-running clock: a position in seconds that moves at speed
// while unpaused, looping over a fixed duration. It is safe for concurrent
// use.
type LFO struct {
	mu        sync.Mutex
	position  float64
	speed     float64
	paused    bool
	framerate float64
	duration  float64
	loop      bool
}

// New creates a looping clock at speed 1. A duration of zero never wraps.
func New(framerate, duration float64) *LFO {
	return &LFO{
		speed:     1,
		framerate: framerate,
		duration:  duration,
		loop:      true,
	}
}

// SetLoop selects between wrapping and stopping at the end.
func (l *LFO) SetLoop(loop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loop = loop
}

// Advance moves the clock by dt seconds of wall time.
func (l *LFO) Advance(dt float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return
	}
	l.position = l.bound(l.position + dt*l.speed)
}

func (l *LFO) bound(pos float64) float64 {
	if l.duration <= 0 {
		return pos
	}
	if l.loop {
		pos = math.Mod(pos, l.duration)
		if pos < 0 {
			pos += l.duration
		}
		return pos
	}
	return math.Max(0, math.Min(pos, l.duration))
}

func (l *LFO) GetPosition() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

func (l *LFO) SetPosition(position float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = l.bound(position)
}

func (l *LFO) GetSpeed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speed
}

func (l *LFO) SetSpeed(speed float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speed = speed
}

func (l *LFO) GetPause() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *LFO) SetPause(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = paused
}

func (l *LFO) GetFramerate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framerate
}

func (l *LFO) GetDurationSeconds() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duration
}
