package policy

import (
	"math"
	"strings"
	"testing"
	"time"
)

func testSettings() BreachDecaySettings {
	return BreachDecaySettings{
		MinInstances:    1,
		MaxInstances:    5,
		UpThreshold:     1.5,
		DownThreshold:   0.25,
		UpCooldown:      60 * time.Second,
		DownCooldown:    180 * time.Second,
		Window:          180 * time.Second,
		HalfLife:        30 * time.Second,
		BreachThreshold: 2.0,
		UpStepMax:       2,
		DownStepMax:     1,
		UpProportion:    0.5,
		DownProportion:  0.5,
	}
}

func TestStableDemandTakesNoActionAndRecordsNothing(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	// 3 is exactly 2*1.5: boundary values count as stable, not breaching.
	for _, demand := range []int{1, 2, 3} {
		got := d.Evaluate(Input{Demand: demand, Current: 2}, st, t0)
		if got.Direction != DirectionNone || got.Target != 2 {
			t.Fatalf("demand=%d: expected (NONE, 2), got (%s, %d)", demand, got.Direction, got.Target)
		}
	}
	if st.HistorySize() != 0 {
		t.Fatalf("expected no breaches recorded for stable demand, got %d", st.HistorySize())
	}
}

func TestDownBoundaryCountsAsStable(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	// 1 == 4*0.25 exactly; strict comparison means no breach.
	got := d.Evaluate(Input{Demand: 1, Current: 4}, st, t0)
	if got.Direction != DirectionNone || st.HistorySize() != 0 {
		t.Fatalf("expected boundary demand to be stable, got %s with %d breaches", got.Direction, st.HistorySize())
	}
}

func TestSustainedBreachTriggersScaleUp(t *testing.T) {
	// Three consecutive ticks at t=0,1,2 with demand=4, current=2:
	// score ~= 1 + 0.977 + 0.955 by the third tick, crossing 2.0.
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	for i := 0; i < 2; i++ {
		got := d.Evaluate(Input{Demand: 4, Current: 2}, st, t0.Add(time.Duration(i)*time.Second))
		if got.Direction != DirectionNone {
			t.Fatalf("tick %d: expected no action while evidence accumulates, got %s", i, got.Direction)
		}
	}

	got := d.Evaluate(Input{Demand: 4, Current: 2}, st, t0.Add(2*time.Second))
	if got.Direction != DirectionUp {
		t.Fatalf("expected scale-up on third breach, got %s (%s)", got.Direction, got.Reason)
	}
	if got.Outcome != OutcomeActing {
		t.Fatalf("expected acting outcome, got %d", got.Outcome)
	}
	if got.Score < 2.9 || got.Score > 3.0 {
		t.Fatalf("expected accumulated score ~2.93, got %f", got.Score)
	}
	// deficit=2, proportion=0.5 -> step 1.
	if got.Target != 3 {
		t.Fatalf("expected target 3, got %d", got.Target)
	}
}

func TestIsolatedBreachDecaysWithoutAction(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	got := d.Evaluate(Input{Demand: 4, Current: 2}, st, t0)
	if got.Direction != DirectionNone {
		t.Fatalf("expected single breach to stay below threshold, got %s", got.Direction)
	}
	if got.Outcome != OutcomeAccumulating {
		t.Fatalf("expected accumulating outcome, got %d", got.Outcome)
	}
	if math.Abs(got.Score-1.0) > 1e-9 {
		t.Fatalf("expected isolated breach score 1.0, got %f", got.Score)
	}

	// 60s of calm: the breach decays toward zero and no action ever fires.
	if s := st.Score(DirectionUp, t0.Add(60*time.Second), 180*time.Second, 30*time.Second); s >= 0.26 {
		t.Fatalf("expected decayed score ~0.25 after 60s, got %f", s)
	}
	// After the window it is pruned entirely.
	if s := st.Score(DirectionUp, t0.Add(181*time.Second), 180*time.Second, 30*time.Second); s != 0 {
		t.Fatalf("expected breach pruned after window, got %f", s)
	}
}

func TestScaleUpBlockedByCooldown(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()
	st.MarkScaled(DirectionUp, t0)

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 10, Current: 2}, st, t0.Add(time.Duration(i+1)*time.Second))
	}
	if got.Direction != DirectionNone {
		t.Fatalf("expected cooldown to suppress action, got %s", got.Direction)
	}
	if got.Outcome != OutcomeBlocked {
		t.Fatalf("expected blocked outcome, got %d", got.Outcome)
	}
	if !strings.Contains(got.Reason, "cooldown") {
		t.Fatalf("expected cooldown reason, got %q", got.Reason)
	}
	// Breaches keep accumulating while suppressed.
	if st.HistorySize() != 3 {
		t.Fatalf("expected 3 recorded breaches during cooldown, got %d", st.HistorySize())
	}
}

func TestDownCooldownDoesNotBlockScaleUp(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()
	st.MarkScaled(DirectionDown, t0)

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 10, Current: 2}, st, t0.Add(time.Duration(i+1)*time.Second))
	}
	if got.Direction != DirectionUp {
		t.Fatalf("expected scale-up despite recent scale-down, got %s (%s)", got.Direction, got.Reason)
	}
}

func TestAtMaxReturnsNoneNotOvershoot(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 20, Current: 5}, st, t0.Add(time.Duration(i)*time.Second))
	}
	if got.Direction != DirectionNone || got.Target != 5 {
		t.Fatalf("expected (NONE, 5) at max instances, got (%s, %d)", got.Direction, got.Target)
	}
	if got.Outcome != OutcomeAtBound {
		t.Fatalf("expected at-bound outcome, got %d", got.Outcome)
	}
	if !strings.Contains(got.Reason, "max instances") {
		t.Fatalf("expected at-max reason, got %q", got.Reason)
	}
}

func TestAtMinReturnsNone(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 0, Current: 1}, st, t0.Add(time.Duration(i)*time.Second))
	}
	if got.Direction != DirectionNone || got.Target != 1 {
		t.Fatalf("expected (NONE, 1) at min instances, got (%s, %d)", got.Direction, got.Target)
	}
}

func TestSustainedIdleScalesDown(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 0, Current: 4}, st, t0.Add(time.Duration(i)*time.Second))
	}
	if got.Direction != DirectionDown {
		t.Fatalf("expected scale-down for sustained zero demand, got %s (%s)", got.Direction, got.Reason)
	}
	// excess=4, proportion=0.5 -> 2, capped at DownStepMax=1.
	if got.Target != 3 {
		t.Fatalf("expected target 3, got %d", got.Target)
	}
}

func TestTargetAlwaysWithinBounds(t *testing.T) {
	s := testSettings()
	s.UpStepMax = 100
	s.DownStepMax = 100
	d := NewBreachDecayStrategy(s)

	for _, tc := range []struct {
		demand, current int
	}{
		{0, 1}, {0, 5}, {1, 1}, {100, 1}, {100, 5}, {3, 4}, {50, 3},
	} {
		st := NewScalingState()
		var got Decision
		for i := 0; i < 5; i++ {
			got = d.Evaluate(Input{Demand: tc.demand, Current: tc.current}, st, t0.Add(time.Duration(i)*time.Second))
			if got.Target < s.MinInstances || got.Target > s.MaxInstances {
				t.Fatalf("demand=%d current=%d: target %d outside [%d,%d]",
					tc.demand, tc.current, got.Target, s.MinInstances, s.MaxInstances)
			}
		}
	}
}

func TestProportionalStepClosesLargeGapFaster(t *testing.T) {
	d := NewBreachDecayStrategy(testSettings())
	st := NewScalingState()

	var got Decision
	for i := 0; i < 3; i++ {
		got = d.Evaluate(Input{Demand: 20, Current: 2}, st, t0.Add(time.Duration(i)*time.Second))
	}
	// deficit=18, proportion=0.5 -> 9, capped at UpStepMax=2.
	if got.Direction != DirectionUp || got.Target != 4 {
		t.Fatalf("expected (UP, 4), got (%s, %d)", got.Direction, got.Target)
	}
}

func TestUpCheckedBeforeDownNeverBoth(t *testing.T) {
	// A degenerate config where both conditions could hold: up wins.
	s := testSettings()
	s.DownThreshold = 3.0
	d := NewBreachDecayStrategy(s)
	st := NewScalingState()

	d.Evaluate(Input{Demand: 4, Current: 2}, st, t0)
	if got := st.Score(DirectionDown, t0, s.Window, s.HalfLife); got != 0 {
		t.Fatalf("expected no down breach when up condition holds, got score %f", got)
	}
	if got := st.Score(DirectionUp, t0, s.Window, s.HalfLife); got == 0 {
		t.Fatal("expected up breach to be recorded")
	}
}

func TestStepTowardBounds(t *testing.T) {
	for _, tc := range []struct {
		gap      int
		prop     float64
		stepMax  int
		expected int
	}{
		{1, 0.1, 5, 1},  // rounds below one, clamped up to 1
		{2, 0.5, 5, 1},
		{3, 0.5, 5, 2},  // round half away from zero
		{18, 0.5, 2, 2}, // capped at stepMax
		{10, 1.0, 20, 10},
	} {
		if got := stepToward(tc.gap, tc.prop, tc.stepMax); got != tc.expected {
			t.Fatalf("stepToward(%d, %v, %d) = %d, want %d", tc.gap, tc.prop, tc.stepMax, got, tc.expected)
		}
	}
}
