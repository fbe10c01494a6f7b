package policy

import (
	"fmt"
	"time"
)

// EphemeralSettings configures the ephemeral-capacity strategy, for
// pools whose runners register and report online/busy status. It reuses
// the decay filter settings for the demand-driven rules.
type EphemeralSettings struct {
	BreachDecaySettings

	// MinOnline is the online-capacity floor maintained ahead of any
	// demand-based rule.
	MinOnline int
}

// EphemeralStrategy evaluates an ordered rule chain in fixed priority:
// maintain-minimum-online, then scale-up-for-queue, then
// scale-down-for-idle. The first rule that yields a decision wins, which
// keeps precedence explicit and each rule testable in isolation.
type EphemeralStrategy struct {
	settings EphemeralSettings
	rules    []ephemeralRule
}

type ephemeralRule struct {
	name string
	eval func(in Input, st *ScalingState, now time.Time) (Decision, bool)
}

func NewEphemeralStrategy(settings EphemeralSettings) *EphemeralStrategy {
	e := &EphemeralStrategy{settings: settings}
	e.rules = []ephemeralRule{
		{name: "maintain-minimum-online", eval: e.maintainMinimumOnline},
		{name: "scale-up-for-queue", eval: e.scaleUpForQueue},
		{name: "scale-down-for-idle", eval: e.scaleDownForIdle},
	}
	return e
}

func (e *EphemeralStrategy) Name() string {
	return StrategyEphemeral
}

func (e *EphemeralStrategy) Evaluate(in Input, st *ScalingState, now time.Time) Decision {
	for _, rule := range e.rules {
		if decision, ok := rule.eval(in, st, now); ok {
			return decision
		}
	}
	return Decision{
		Direction: DirectionNone,
		Target:    in.Current,
		Reason:    "demand stable",
		Outcome:   OutcomeStable,
	}
}

// maintainMinimumOnline restores the online floor immediately: a pool
// below its guaranteed capacity is an availability problem, so neither
// the breach filter nor the cooldown gate applies.
func (e *EphemeralStrategy) maintainMinimumOnline(in Input, _ *ScalingState, _ time.Time) (Decision, bool) {
	s := e.settings
	if s.MinOnline <= 0 || in.Online >= s.MinOnline {
		return Decision{}, false
	}
	shortfall := s.MinOnline - in.Online
	target := clampCapacity(in.Current+shortfall, s.MinInstances, s.MaxInstances)
	if target <= in.Current {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("online %d below floor %d but already at max instances (%d)", in.Online, s.MinOnline, s.MaxInstances),
			Outcome:   OutcomeAtBound,
		}, true
	}
	return Decision{
		Direction: DirectionUp,
		Target:    target,
		Reason:    fmt.Sprintf("online %d below floor %d", in.Online, s.MinOnline),
		Outcome:   OutcomeActing,
	}, true
}

func (e *EphemeralStrategy) scaleUpForQueue(in Input, st *ScalingState, now time.Time) (Decision, bool) {
	s := e.settings
	if float64(in.Demand) <= float64(in.Current)*s.UpThreshold {
		return Decision{}, false
	}
	st.RecordBreach(DirectionUp, now)
	score := st.Score(DirectionUp, now, s.Window, s.HalfLife)
	if score < s.BreachThreshold {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("queue breach recorded, score %.2f below threshold %.2f", score, s.BreachThreshold),
			Outcome:   OutcomeAccumulating,
			Score:     score,
		}, true
	}
	if st.CooldownActive(DirectionUp, now, s.UpCooldown) {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    "scale-up blocked by cooldown",
			Outcome:   OutcomeBlocked,
			Score:     score,
		}, true
	}
	step := stepToward(in.Demand-in.Current, s.UpProportion, s.UpStepMax)
	target := clampCapacity(in.Current+step, s.MinInstances, s.MaxInstances)
	if target <= in.Current {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("already at max instances (%d)", s.MaxInstances),
			Score:     score,
			Outcome:   OutcomeAtBound,
		}, true
	}
	return Decision{
		Direction: DirectionUp,
		Target:    target,
		Reason:    fmt.Sprintf("queued demand %d exceeds %.1f, step +%d", in.Demand, float64(in.Current)*s.UpThreshold, target-in.Current),
		Outcome:   OutcomeActing,
		Score:     score,
	}, true
}

// scaleDownForIdle sizes the step from the idle count, never the online
// count, so busy runners are never targeted for termination.
func (e *EphemeralStrategy) scaleDownForIdle(in Input, st *ScalingState, now time.Time) (Decision, bool) {
	s := e.settings
	if in.Idle <= 0 || float64(in.Demand) >= float64(in.Current)*s.DownThreshold {
		return Decision{}, false
	}
	st.RecordBreach(DirectionDown, now)
	score := st.Score(DirectionDown, now, s.Window, s.HalfLife)
	if score < s.BreachThreshold {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("idle breach recorded, score %.2f below threshold %.2f", score, s.BreachThreshold),
			Outcome:   OutcomeAccumulating,
			Score:     score,
		}, true
	}
	if st.CooldownActive(DirectionDown, now, s.DownCooldown) {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    "scale-down blocked by cooldown",
			Outcome:   OutcomeBlocked,
			Score:     score,
		}, true
	}
	step := stepToward(in.Current-in.Demand, s.DownProportion, s.DownStepMax)
	if step > in.Idle {
		step = in.Idle
	}
	floor := in.Online - in.Idle // busy runners stay
	target := clampCapacity(in.Current-step, s.MinInstances, s.MaxInstances)
	if target < floor {
		target = floor
	}
	if target >= in.Current {
		return Decision{
			Direction: DirectionNone,
			Target:    in.Current,
			Reason:    fmt.Sprintf("already at min instances (%d)", s.MinInstances),
			Score:     score,
			Outcome:   OutcomeAtBound,
		}, true
	}
	return Decision{
		Direction: DirectionDown,
		Target:    target,
		Reason:    fmt.Sprintf("%d idle of %d online, step -%d", in.Idle, in.Online, in.Current-target),
		Outcome:   OutcomeActing,
		Score:     score,
	}, true
}
