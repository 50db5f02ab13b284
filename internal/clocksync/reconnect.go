package clocksync

import "time"

// backoff tracks consecutive connection failures and computes the wait
// before the next attempt: InitialDelay * 2^(failures-1), capped at MaxDelay.
type backoff struct {
	cfg      ReconnectConfig
	failures int
}

// next records a failure and returns the wait before retrying. It returns
// false once reconnecting is disabled or MaxAttempts failures have been seen.
func (b *backoff) next() (time.Duration, bool) {
	b.failures++
	if !b.cfg.Enabled {
		return 0, false
	}
	if b.cfg.MaxAttempts > 0 && b.failures > b.cfg.MaxAttempts {
		return 0, false
	}
	return b.delay(b.failures), true
}

func (b *backoff) delay(failures int) time.Duration {
	d := b.cfg.InitialDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			return b.cfg.MaxDelay
		}
	}
	if d > b.cfg.MaxDelay {
		return b.cfg.MaxDelay
	}
	return d
}

// reset forgets past failures after a successful connect.
func (b *backoff) reset() {
	b.failures = 0
}
