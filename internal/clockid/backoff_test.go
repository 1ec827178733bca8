package clockid

import (
	"testing"
	"time"
)

func TestRestartDelayGrowsThenClamps(t *testing.T) {
	cases := []struct {
		restartCount int
		minBase      time.Duration
		maxBase      time.Duration
	}{
		{1, 1 * time.Second, 1100 * time.Millisecond},
		{2, 2 * time.Second, 2200 * time.Millisecond},
		{3, 4 * time.Second, 4400 * time.Millisecond},
		{7, 30 * time.Second, 30 * time.Second}, // shift clamps at 5, then delay clamps at MaxDelay
		{100, 30 * time.Second, 30 * time.Second},
	}
	for _, c := range cases {
		for i := 0; i < 20; i++ {
			d := RestartDelay(c.restartCount)
			if d < c.minBase || d > c.maxBase {
				t.Fatalf("restartCount=%d: delay %v out of range [%v, %v]", c.restartCount, d, c.minBase, c.maxBase)
			}
			if d > MaxDelay {
				t.Fatalf("restartCount=%d: delay %v exceeds MaxDelay %v", c.restartCount, d, MaxDelay)
			}
		}
	}
}

func TestRestartDelayTreatsNonPositiveAsFirstAttempt(t *testing.T) {
	for _, rc := range []int{0, -1, -100} {
		d := RestartDelay(rc)
		if d < 1*time.Second || d > 1100*time.Millisecond {
			t.Fatalf("restartCount=%d: expected first-attempt range, got %v", rc, d)
		}
	}
}
