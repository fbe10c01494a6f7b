package policy

import "time"

// Direction represents the direction in which the autoscaler should scale.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	default:
		return "NONE"
	}
}

// Strategy names selectable via config.
const (
	StrategyBreachDecay = "breach-decay"
	StrategyEphemeral   = "ephemeral"
)

// Input is the per-tick observation a strategy decides on. Demand and
// Current are always set; Online and Idle are only meaningful for pools
// whose runners report liveness (ephemeral strategy).
type Input struct {
	Demand  int
	Current int
	Online  int
	Idle    int
}

// Outcome is the terminal state of one evaluation tick.
type Outcome int

const (
	// OutcomeStable: neither threshold crossed, nothing recorded.
	OutcomeStable Outcome = iota
	// OutcomeAccumulating: breach recorded, evidence below the action
	// threshold.
	OutcomeAccumulating
	// OutcomeBlocked: evidence sufficient, action suppressed by cooldown.
	OutcomeBlocked
	// OutcomeAtBound: action would not move capacity (already at
	// min/max).
	OutcomeAtBound
	// OutcomeActing: a scaling action is returned.
	OutcomeActing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccumulating:
		return "ACCUMULATING"
	case OutcomeBlocked:
		return "BLOCKED"
	case OutcomeAtBound:
		return "AT_BOUND"
	case OutcomeActing:
		return "ACTING"
	default:
		return "STABLE"
	}
}

// Decision is the outcome of one evaluation tick. Target equals Current
// when Direction is DirectionNone.
type Decision struct {
	Direction Direction
	Target    int
	Reason    string
	Score     float64
	Outcome   Outcome
}

// Strategy turns one observation into one decision. Implementations are
// pure: they mutate only the passed ScalingState (breach recording and
// pruning) and perform no I/O. The caller owns cooldown bookkeeping via
// ScalingState.MarkScaled after a verified apply.
type Strategy interface {
	Name() string
	Evaluate(in Input, st *ScalingState, now time.Time) Decision
}
