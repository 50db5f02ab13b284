// Package rtt keeps a smoothed round-trip-time estimate per peer.
package rtt

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sample is the RTT bookkeeping for a single peer.
type Sample struct {
	// RTT is the smoothed round-trip time. It is never negative.
	RTT time.Duration
	// LastPingSent is when the most recent probe left this node.
	LastPingSent time.Time
	// LastPongReceived is when the most recent answer arrived.
	LastPongReceived time.Time
	// Samples counts the raw measurements folded into RTT.
	Samples int
}

// Tracker maps peers to their RTT samples. The network goroutine writes it on
// every probe/answer pair and the foreground tick reads it, so it carries its
// own lock.
type Tracker[K comparable] struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	samples map[K]*Sample
}

// New creates an empty tracker reading time from clock.
func New[K comparable](clock clockwork.Clock) *Tracker[K] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker[K]{
		clock:   clock,
		samples: make(map[K]*Sample),
	}
}

// PingSent records that a probe was sent to peer now.
func (t *Tracker[K]) PingSent(peer K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sampleLocked(peer).LastPingSent = t.clock.Now()
}

// PongReceived measures the time since the last probe sent to peer and folds
// it into the estimate. Only the most recent probe is tracked, so overlapping
// probes measure against the newest one. It returns false if no probe was
// ever sent to peer.
func (t *Tracker[K]) PongReceived(peer K) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.samples[peer]
	if !ok || s.LastPingSent.IsZero() {
		return 0, false
	}
	now := t.clock.Now()
	s.LastPongReceived = now
	return t.observeLocked(s, now.Sub(s.LastPingSent)), true
}

// Observe folds a raw measurement for peer into the estimate and returns the
// new smoothed value.
func (t *Tracker[K]) Observe(peer K, raw time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeLocked(t.sampleLocked(peer), raw)
}

// observeLocked applies the two-sample running average: the first sample is
// taken as is, every later one is averaged with the current estimate.
func (t *Tracker[K]) observeLocked(s *Sample, raw time.Duration) time.Duration {
	if raw < 0 {
		raw = 0
	}
	if s.RTT == 0 {
		s.RTT = raw
	} else {
		s.RTT = (s.RTT + raw) / 2
	}
	s.Samples++
	return s.RTT
}

// RTT returns the smoothed estimate for peer, or zero if none exists.
func (t *Tracker[K]) RTT(peer K) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.samples[peer]; ok {
		return s.RTT
	}
	return 0
}

// Sample returns a copy of the bookkeeping for peer.
func (t *Tracker[K]) Sample(peer K) (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.samples[peer]
	if !ok {
		return Sample{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every sample.
func (t *Tracker[K]) Snapshot() map[K]Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[K]Sample, len(t.samples))
	for k, s := range t.samples {
		out[k] = *s
	}
	return out
}

// Remove forgets peer. It is called when the peer disconnects or times out.
func (t *Tracker[K]) Remove(peer K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, peer)
}

// Reset forgets every peer.
func (t *Tracker[K]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = make(map[K]*Sample)
}

// Len reports the number of tracked peers.
func (t *Tracker[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

func (t *Tracker[K]) sampleLocked(peer K) *Sample {
	s, ok := t.samples[peer]
	if !ok {
		s = &Sample{}
		t.samples[peer] = s
	}
	return s
}
