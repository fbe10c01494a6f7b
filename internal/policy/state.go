package policy

import (
	"math"
	"time"
)

type breach struct {
	at  time.Time
	dir Direction
}

// ScalingState tracks cooldown timestamps and the breach history that
// feeds the time-decay stabilization filter. It is owned by the control
// loop, created once at startup, and never shared across loops.
type ScalingState struct {
	lastScaleUp   time.Time
	lastScaleDown time.Time
	history       []breach
}

func NewScalingState() *ScalingState {
	return &ScalingState{}
}

// RecordBreach appends a threshold breach for the given direction.
func (s *ScalingState) RecordBreach(dir Direction, now time.Time) {
	s.history = append(s.history, breach{at: now, dir: dir})
}

// Score prunes history entries at or older than now-window, then returns
// the decayed weight sum for the given direction: each surviving breach
// contributes 0.5^(age/halfLife), so a fresh breach counts 1.0 and one
// half-life-old breach counts 0.5. Pruning runs on every call so history
// stays bounded even when no action results.
func (s *ScalingState) Score(dir Direction, now time.Time, window, halfLife time.Duration) float64 {
	cutoff := now.Add(-window)
	kept := s.history[:0]
	for _, b := range s.history {
		if b.at.After(cutoff) {
			kept = append(kept, b)
		}
	}
	s.history = kept

	score := 0.0
	for _, b := range s.history {
		if b.dir != dir {
			continue
		}
		age := now.Sub(b.at).Seconds()
		score += math.Pow(0.5, age/halfLife.Seconds())
	}
	return score
}

// CooldownActive reports whether the per-direction cooldown is still in
// effect. Directions are independent: a recent scale-up never blocks a
// scale-down. A zero timestamp means the direction has never scaled.
func (s *ScalingState) CooldownActive(dir Direction, now time.Time, cooldown time.Duration) bool {
	last := s.LastScaled(dir)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < cooldown
}

// LastScaled returns the timestamp of the last applied action for the
// direction, or the zero time if it has never scaled.
func (s *ScalingState) LastScaled(dir Direction) time.Time {
	switch dir {
	case DirectionUp:
		return s.lastScaleUp
	case DirectionDown:
		return s.lastScaleDown
	}
	return time.Time{}
}

// MarkScaled records that an action was applied and verified: it starts
// the cooldown for that direction and clears that direction's breach
// history. The opposite direction's history is preserved so a quick
// reversal can still be detected.
func (s *ScalingState) MarkScaled(dir Direction, now time.Time) {
	switch dir {
	case DirectionUp:
		s.lastScaleUp = now
	case DirectionDown:
		s.lastScaleDown = now
	default:
		return
	}
	kept := s.history[:0]
	for _, b := range s.history {
		if b.dir != dir {
			kept = append(kept, b)
		}
	}
	s.history = kept
}

// HistorySize reports the current breach history length.
func (s *ScalingState) HistorySize() int {
	return len(s.history)
}
