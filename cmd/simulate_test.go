package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func runSimulate(t *testing.T, args ...string) string {
	t.Helper()
	// Pin the engine settings so the replay is deterministic regardless
	// of the test environment.
	t.Setenv("RUNNERSCALE_MIN_INSTANCES", "1")
	t.Setenv("RUNNERSCALE_MAX_INSTANCES", "5")
	t.Setenv("RUNNERSCALE_SCALE_UP_THRESHOLD", "1.5")
	t.Setenv("RUNNERSCALE_SCALE_DOWN_THRESHOLD", "0.25")
	t.Setenv("RUNNERSCALE_BREACH_THRESHOLD", "2.0")
	t.Setenv("RUNNERSCALE_DECAY_HALF_LIFE", "30s")
	t.Setenv("RUNNERSCALE_STABILIZATION_WINDOW", "180s")
	t.Setenv("RUNNERSCALE_SCALE_UP_COOLDOWN", "60s")
	t.Setenv("RUNNERSCALE_SCALE_DOWN_COOLDOWN", "180s")

	var out bytes.Buffer
	root := rootCmd
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"simulate"}, args...))
	t.Cleanup(func() { root.SetArgs(nil) })
	if err := root.Execute(); err != nil {
		t.Fatalf("simulate: %v\n%s", err, out.String())
	}
	return out.String()
}

func TestSimulateSustainedBreachEndsScaledUp(t *testing.T) {
	// Three breaching ticks 1s apart push the decayed score past 2.0 on
	// the third; the proportional step takes capacity from 2 to 4.
	out := runSimulate(t,
		"--demand", "5,5,5",
		"--capacity", "2",
		"--interval", "1s",
	)
	if !strings.Contains(out, "UP->4") {
		t.Fatalf("expected a scale-up to 4 in the replay:\n%s", out)
	}
	if !strings.Contains(out, "final capacity 4 after 1 scaling action(s)") {
		t.Fatalf("expected final capacity 4 from one action:\n%s", out)
	}
}

func TestSimulateIsolatedBreachDecaysAway(t *testing.T) {
	out := runSimulate(t,
		"--demand", "5,2,2",
		"--capacity", "2",
		"--interval", "60s",
	)
	if strings.Contains(out, "UP->") {
		t.Fatalf("an isolated breach must not trigger scaling:\n%s", out)
	}
	if !strings.Contains(out, "final capacity 2 after 0 scaling action(s)") {
		t.Fatalf("expected capacity unchanged:\n%s", out)
	}
}

func TestSimulateRejectsMalformedSeries(t *testing.T) {
	if _, err := parseDemandSeries("3,two,1"); err == nil {
		t.Fatal("expected an error for a non-numeric demand value")
	}
	if _, err := parseDemandSeries(""); err == nil {
		t.Fatal("expected an error for an empty series")
	}
	demands, err := parseDemandSeries(" 3, 1 ,0 ")
	if err != nil {
		t.Fatalf("expected whitespace tolerated: %v", err)
	}
	if len(demands) != 3 || demands[0] != 3 || demands[2] != 0 {
		t.Fatalf("unexpected parse result: %v", demands)
	}
}
