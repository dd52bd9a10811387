package engine

import (
	"testing"
	"time"
)

func TestPacerSingleSlowTickMovesNothing(t *testing.T) {
	p := newPacer(100*time.Millisecond, 25*time.Millisecond, 400*time.Millisecond, 3, 5)

	if got := p.observe(300 * time.Millisecond); got != 100*time.Millisecond {
		t.Fatalf("target after one slow tick = %v, want 100ms", got)
	}
	if got := p.observe(50 * time.Millisecond); got != 100*time.Millisecond {
		t.Fatalf("target after recovery = %v, want 100ms", got)
	}
}

func TestPacerStepsUpAfterLagStreak(t *testing.T) {
	p := newPacer(100*time.Millisecond, 25*time.Millisecond, 400*time.Millisecond, 3, 5)

	for i := 0; i < 3; i++ {
		p.observe(300 * time.Millisecond)
	}
	if got := p.current(); got != 125*time.Millisecond {
		t.Fatalf("target after lag streak = %v, want 125ms", got)
	}
}

func TestPacerLagStreakResetByFastTick(t *testing.T) {
	p := newPacer(100*time.Millisecond, 25*time.Millisecond, 400*time.Millisecond, 3, 5)

	p.observe(300 * time.Millisecond)
	p.observe(300 * time.Millisecond)
	p.observe(50 * time.Millisecond)
	p.observe(300 * time.Millisecond)
	p.observe(300 * time.Millisecond)
	if got := p.current(); got != 100*time.Millisecond {
		t.Fatalf("interleaved fast tick should keep nominal, got %v", got)
	}
}

func TestPacerRecoversAfterSustainedFastTicks(t *testing.T) {
	p := newPacer(100*time.Millisecond, 25*time.Millisecond, 400*time.Millisecond, 3, 5)

	for i := 0; i < 6; i++ {
		p.observe(300 * time.Millisecond)
	}
	if got := p.current(); got != 150*time.Millisecond {
		t.Fatalf("target after two lag streaks = %v, want 150ms", got)
	}

	for i := 0; i < 4; i++ {
		p.observe(20 * time.Millisecond)
	}
	if got := p.current(); got != 150*time.Millisecond {
		t.Fatalf("target before recovery threshold = %v, want 150ms", got)
	}
	p.observe(20 * time.Millisecond)
	if got := p.current(); got != 125*time.Millisecond {
		t.Fatalf("target after recovery streak = %v, want 125ms", got)
	}
}

func TestPacerCapsAtMaximum(t *testing.T) {
	p := newPacer(100*time.Millisecond, 100*time.Millisecond, 250*time.Millisecond, 1, 1)

	p.observe(time.Second)
	p.observe(time.Second)
	p.observe(time.Second)
	if got := p.current(); got != 250*time.Millisecond {
		t.Fatalf("target = %v, want cap 250ms", got)
	}
}

func TestPacerFloorsAtNominal(t *testing.T) {
	p := newPacer(100*time.Millisecond, 80*time.Millisecond, 400*time.Millisecond, 1, 1)

	p.observe(time.Second)
	if got := p.current(); got != 180*time.Millisecond {
		t.Fatalf("target = %v, want 180ms", got)
	}
	p.observe(10 * time.Millisecond)
	if got := p.current(); got != 100*time.Millisecond {
		t.Fatalf("recovery must floor at nominal, got %v", got)
	}
	p.observe(10 * time.Millisecond)
	if got := p.current(); got != 100*time.Millisecond {
		t.Fatalf("target must not undercut nominal, got %v", got)
	}
}
