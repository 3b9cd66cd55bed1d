// Package quality contains the adaptive quality controller.
package quality

import (
	"github.com/screenrelay/screenrelay/internal/metrics"
)

// highLoad is the external load level above which quality increases are
// suppressed even when the frame rate allows them.
const highLoad = 0.8

// Controller trades image quality for frame rate with hysteresis-protected
// fixed steps. It is pure with respect to its inputs: the same snapshot and
// state always produce the same next state.
type Controller struct {
	targetFPS  int
	minQuality int
	maxQuality int
	step       int

	current       int
	lastDirection int // -1 decreased, 0 unchanged, +1 increased
}

// New allocates a Controller starting at the given quality, clamped to the
// bounds.
func New(targetFPS, minQuality, maxQuality, step, initial int) *Controller {
	if initial < minQuality {
		initial = minQuality
	}
	if initial > maxQuality {
		initial = maxQuality
	}

	return &Controller{
		targetFPS:  targetFPS,
		minQuality: minQuality,
		maxQuality: maxQuality,
		step:       step,
		current:    initial,
	}
}

// Quality returns the current quality value.
func (c *Controller) Quality() int {
	return c.current
}

// LastDirection returns the direction of the most recent adjustment:
// -1, 0 or +1.
func (c *Controller) LastDirection() int {
	return c.lastDirection
}

// Cycle runs one control cycle and returns the new quality. load is an
// optional external load indicator in [0, 1]; pass 0 when unavailable.
//
// An achieved rate below 90% of target lowers quality by one step; a rate
// at or above target raises it by one step unless load is high. Rates in
// between leave quality unchanged, preventing oscillation.
func (c *Controller) Cycle(snap metrics.Snapshot, load float64) int {
	achieved := snap.CurrentFPS
	target := float64(c.targetFPS)

	switch {
	case snap.WindowSize == 0:
		// no data yet
		c.lastDirection = 0

	case achieved < target*0.9:
		next := c.current - c.step
		if next < c.minQuality {
			next = c.minQuality
		}
		c.lastDirection = direction(next - c.current)
		c.current = next

	case achieved >= target && c.current < c.maxQuality && load < highLoad:
		next := c.current + c.step
		if next > c.maxQuality {
			next = c.maxQuality
		}
		c.lastDirection = direction(next - c.current)
		c.current = next

	default:
		c.lastDirection = 0
	}

	return c.current
}

func direction(delta int) int {
	switch {
	case delta < 0:
		return -1
	case delta > 0:
		return 1
	}
	return 0
}
