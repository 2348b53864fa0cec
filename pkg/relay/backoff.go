package relay

import "time"

// Backoff maps a consecutive-failure count to a retry delay:
// min(base * 2^(failures-1), max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the relay's usual reconnect pacing
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before the next attempt after the given
// number of consecutive failures. Zero failures means retry now.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	delay := b.Base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 {
			return b.Max
		}
	}

	if delay > b.Max {
		return b.Max
	}
	return delay
}
