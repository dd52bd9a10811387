package engine

import "time"

// pacer adapts the tick period under load. It is a hysteresis
// controller: only a streak of over-budget ticks slows the loop down
// one step, and only a streak of under-budget ticks speeds a throttled
// loop back up. Single outliers move nothing.
type pacer struct {
	nominal time.Duration
	max     time.Duration
	step    time.Duration

	lagThreshold      int
	recoveryThreshold int

	target         time.Duration
	lagStreak      int
	recoveryStreak int
}

func newPacer(nominal, step, max time.Duration, lagThreshold, recoveryThreshold int) *pacer {
	if max < nominal {
		max = nominal
	}
	return &pacer{
		nominal:           nominal,
		max:               max,
		step:              step,
		lagThreshold:      lagThreshold,
		recoveryThreshold: recoveryThreshold,
		target:            nominal,
	}
}

// observe records one tick's wall duration and returns the current
// target period.
func (p *pacer) observe(elapsed time.Duration) time.Duration {
	if elapsed > p.target {
		p.lagStreak++
		p.recoveryStreak = 0
		if p.lagStreak >= p.lagThreshold {
			p.lagStreak = 0
			p.target += p.step
			if p.target > p.max {
				p.target = p.max
			}
		}
		return p.target
	}

	p.lagStreak = 0
	if p.target > p.nominal {
		p.recoveryStreak++
		if p.recoveryStreak >= p.recoveryThreshold {
			p.recoveryStreak = 0
			p.target -= p.step
			if p.target < p.nominal {
				p.target = p.nominal
			}
		}
	}
	return p.target
}

func (p *pacer) current() time.Duration { return p.target }
