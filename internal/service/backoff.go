package service

import "time"

// Backoff returns the extra delay added to the interval of a profile whose
// last runs failed failures times in a row.
type Backoff func(failures int) time.Duration

// NoBackoff keeps the plain interval, a crashed profile is due again after
// one interval like any other.
func NoBackoff(int) time.Duration { return 0 }

// ExponentialBackoff doubles initial with every consecutive failure, capped
// at max.
func ExponentialBackoff(initial, max time.Duration) Backoff {
	return func(failures int) time.Duration {
		if failures <= 0 || initial <= 0 {
			return 0
		}
		d := initial
		for i := 1; i < failures; i++ {
			if d >= max/2 {
				return max
			}
			d *= 2
		}
		return min(d, max)
	}
}
