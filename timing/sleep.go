// Package timing implements a high-precision sleep built from an adaptive
// estimate of OS sleep overshoot plus a short spin-wait.
//
// See https://blat-blatnik.github.io/computerBear/making-accurate-sleep-function/
package timing

import (
	"math"
	"time"
)

// Sleeper sleeps with sub-millisecond precision. It coarsely sleeps in 1 ms
// steps while the remaining duration exceeds the current overshoot estimate,
// updating running statistics of observed sleep durations (Welford's online
// algorithm), then spins for the remainder.
//
// A Sleeper is not safe for concurrent use; give each loop its own.
type Sleeper struct {
	estimate float64
	mean     float64
	m2       float64
	count    uint64
}

// NewSleeper returns a Sleeper seeded with a 5 ms overshoot estimate.
func NewSleeper() *Sleeper {
	return &Sleeper{estimate: 5e-3, mean: 5e-3, count: 1}
}

// Sleep blocks for the given duration.
func (s *Sleeper) Sleep(duration time.Duration) {
	seconds := duration.Seconds()

	for seconds > s.estimate {
		start := time.Now()
		time.Sleep(time.Millisecond)
		observed := time.Since(start).Seconds()
		seconds -= observed

		s.count = max(s.count+1, 2)
		delta := observed - s.mean
		s.mean += delta / float64(s.count)
		s.m2 += delta * (observed - s.mean)
		stddev := math.Sqrt(s.m2 / float64(s.count-1))
		s.estimate = s.mean + stddev
	}

	// spin for the remainder
	start := time.Now()
	for time.Since(start).Seconds() < seconds {
	}
}
