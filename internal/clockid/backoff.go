package clockid

import (
	"math"
	"math/rand"
	"time"
)

// Backoff parameters fixed by the spec: base 1s, cap 30s, exponent ceiling
// at restartCount-1==5 (i.e. the delay stops growing past the 6th retry),
// plus up to 10% jitter of the exponential term.
const (
	BaseDelay     = 1 * time.Second
	MaxDelay      = 30 * time.Second
	maxExpShift   = 5
	jitterFraction = 0.1
)

// RestartDelay computes the delay before the restartCount-th restart attempt.
// restartCount is the count *after* incrementing at schedule time (so the
// first attempt uses restartCount==1, giving baseDelay*2^0).
func RestartDelay(restartCount int) time.Duration {
	if restartCount < 1 {
		restartCount = 1
	}
	shift := restartCount - 1
	if shift > maxExpShift {
		shift = maxExpShift
	}
	exp := float64(BaseDelay) * math.Pow(2, float64(shift))
	jitter := rand.Float64() * jitterFraction * exp //nolint:gosec // timing jitter, not security-sensitive
	d := time.Duration(exp + jitter)
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}
