package agent

import (
	"math/rand"
	"time"
)

// backoffCeiling caps the exponential backoff at max(8 * base, 1h).
func backoffCeiling(base time.Duration) time.Duration {
	ceiling := 8 * base
	if ceiling < time.Hour {
		ceiling = time.Hour
	}
	return ceiling
}

// ticker computes the pause between state-machine refresh cycles: a
// configurable baseline with uniform +/-25% jitter, doubling after
// consecutive transient failures up to a ceiling.
type ticker struct {
	base     time.Duration
	failures uint
	rng      *rand.Rand
}

func newTicker(base time.Duration) *ticker {
	return &ticker{
		base: base,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// success resets the failure streak and reseeds the jitter source, so
// post-recovery phases do not stay phase-locked across the fleet.
func (tk *ticker) success() {
	tk.failures = 0
	tk.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// failure records one more consecutive transient failure.
func (tk *ticker) failure() {
	tk.failures++
}

// next returns the pause until the next tick.
func (tk *ticker) next() time.Duration {
	pause := tk.base
	ceiling := backoffCeiling(tk.base)
	for i := uint(0); i < tk.failures; i++ {
		pause *= 2
		if pause >= ceiling {
			pause = ceiling
			break
		}
	}
	return tk.jitter(pause)
}

// jitter spreads a period uniformly over [0.75 * period, 1.25 * period].
func (tk *ticker) jitter(period time.Duration) time.Duration {
	if period <= 0 {
		return period
	}
	half := period / 2
	return period - half/2 + time.Duration(tk.rng.Int63n(int64(half)+1))
}
