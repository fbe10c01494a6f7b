package policy

import (
	"fmt"
	"time"
)

// BreachDecaySettings configures the canonical breach-decay strategy.
// Validated once at startup by config.Validate; the strategy assumes
// sane values.
type BreachDecaySettings struct {
	MinInstances int
	MaxInstances int

	UpThreshold   float64
	DownThreshold float64

	UpCooldown   time.Duration
	DownCooldown time.Duration

	Window          time.Duration
	HalfLife        time.Duration
	BreachThreshold float64

	UpStepMax      int
	DownStepMax    int
	UpProportion   float64
	DownProportion float64
}

// BreachDecayStrategy is the canonical decision policy: hysteresis
// thresholds, a time-decayed breach score as the stabilization filter,
// independent per-direction cooldowns, and proportional bounded steps.
type BreachDecayStrategy struct {
	settings BreachDecaySettings
}

func NewBreachDecayStrategy(settings BreachDecaySettings) *BreachDecayStrategy {
	return &BreachDecayStrategy{settings: settings}
}

func (d *BreachDecayStrategy) Name() string {
	return StrategyBreachDecay
}

// Evaluate runs one tick. Scale-up is checked first; scale-down only if
// scale-up does not hold, so at most one direction is evaluated per tick.
// Boundary values (demand exactly at a threshold) count as stable.
func (d *BreachDecayStrategy) Evaluate(in Input, st *ScalingState, now time.Time) Decision {
	s := d.settings

	if float64(in.Demand) > float64(in.Current)*s.UpThreshold {
		st.RecordBreach(DirectionUp, now)
		score := st.Score(DirectionUp, now, s.Window, s.HalfLife)

		if score < s.BreachThreshold {
			return Decision{
				Direction: DirectionNone,
				Target:    in.Current,
				Reason:    fmt.Sprintf("scale-up breach recorded, score %.2f below threshold %.2f", score, s.BreachThreshold),
				Score:     score,
				Outcome:   OutcomeAccumulating,
			}
		}
		if st.CooldownActive(DirectionUp, now, s.UpCooldown) {
			remaining := s.UpCooldown - now.Sub(st.LastScaled(DirectionUp))
			return Decision{
				Direction: DirectionNone,
				Target:    in.Current,
				Reason:    fmt.Sprintf("scale-up blocked by cooldown (%s remaining)", remaining.Round(time.Second)),
				Score:     score,
				Outcome:   OutcomeBlocked,
			}
		}

		deficit := in.Demand - in.Current
		step := stepToward(deficit, s.UpProportion, s.UpStepMax)
		target := clampCapacity(in.Current+step, s.MinInstances, s.MaxInstances)
		if target > in.Current {
			return Decision{
				Direction: DirectionUp,
				Target:    target,
				Reason:    fmt.Sprintf("demand %d exceeds %.1f, step +%d", in.Demand, float64(in.Current)*s.UpThreshold, target-in.Current),
				Score:     score,
				Outcome:   OutcomeActing,
			}
		}
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("already at max instances (%d)", s.MaxInstances),
			Score:     score,
			Outcome:   OutcomeAtBound,
		}
	}

	if float64(in.Demand) < float64(in.Current)*s.DownThreshold {
		st.RecordBreach(DirectionDown, now)
		score := st.Score(DirectionDown, now, s.Window, s.HalfLife)

		if score < s.BreachThreshold {
			return Decision{
				Direction: DirectionNone,
				Target:    in.Current,
				Reason:    fmt.Sprintf("scale-down breach recorded, score %.2f below threshold %.2f", score, s.BreachThreshold),
				Score:     score,
				Outcome:   OutcomeAccumulating,
			}
		}
		if st.CooldownActive(DirectionDown, now, s.DownCooldown) {
			remaining := s.DownCooldown - now.Sub(st.LastScaled(DirectionDown))
			return Decision{
				Direction: DirectionNone,
				Target:    in.Current,
				Reason:    fmt.Sprintf("scale-down blocked by cooldown (%s remaining)", remaining.Round(time.Second)),
				Score:     score,
				Outcome:   OutcomeBlocked,
			}
		}

		excess := in.Current - in.Demand
		step := stepToward(excess, s.DownProportion, s.DownStepMax)
		target := clampCapacity(in.Current-step, s.MinInstances, s.MaxInstances)
		if target < in.Current {
			return Decision{
				Direction: DirectionDown,
				Target:    target,
				Reason:    fmt.Sprintf("demand %d below %.1f, step -%d", in.Demand, float64(in.Current)*s.DownThreshold, in.Current-target),
				Score:     score,
				Outcome:   OutcomeActing,
			}
		}
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("already at min instances (%d)", s.MinInstances),
			Score:     score,
			Outcome:   OutcomeAtBound,
		}
	}

	// Neither threshold crossed: nothing recorded, history decays on the
	// next scoring call.
	return Decision{
		Direction: DirectionNone,
		Target:    in.Current,
		Reason:    "demand stable",
		Outcome:   OutcomeStable,
	}
}
