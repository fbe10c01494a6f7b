package database

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempDB(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runnerscale-test.db")
	t.Setenv(envDBPath, dbPath)

	CloseDB()
	if err := InitDB(); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(CloseDB)
}

func sampleTrace() DecisionTrace {
	return DecisionTrace{
		WorkerName:    "runner",
		Direction:     "UP",
		Reason:        "demand 4 exceeds 3.0, step +1",
		Queued:        3,
		InProgress:    1,
		Demand:        4,
		Capacity:      2,
		Target:        3,
		BreachScore:   2.93,
		Engine:        "breach-decay-scaler",
		EngineVersion: "1.1.0",
		Contract:      "scaling-decision-trace.v1",
		RolloutMode:   "enforce",
		ReplayDigest:  "abc123",
	}
}

func TestLogDecisionRoundTrip(t *testing.T) {
	withTempDB(t)

	id, err := LogDecision(sampleTrace())
	if err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive row id, got %d", id)
	}

	page, _, _, err := GetDecisionsPage(10, 0)
	if err != nil {
		t.Fatalf("GetDecisionsPage: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(page))
	}
	got := page[0]
	if got.Direction != "UP" || got.Demand != 4 || got.Target != 3 || got.Applied {
		t.Fatalf("unexpected trace round-trip: %+v", got)
	}
	if got.ReplayDigest != "abc123" || got.Engine != "breach-decay-scaler" {
		t.Fatalf("expected contract fields preserved, got %+v", got)
	}
}

func TestMarkDecisionApplied(t *testing.T) {
	withTempDB(t)

	id, err := LogDecision(sampleTrace())
	if err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	if err := MarkDecisionApplied(id); err != nil {
		t.Fatalf("MarkDecisionApplied: %v", err)
	}

	page, _, _, err := GetDecisionsPage(1, 0)
	if err != nil {
		t.Fatalf("GetDecisionsPage: %v", err)
	}
	if !page[0].Applied {
		t.Fatal("expected decision marked applied")
	}

	if err := MarkDecisionApplied(99999); err == nil {
		t.Fatal("expected error for unknown decision id")
	}
}

func TestGetDecisionsPageKeysetPagination(t *testing.T) {
	withTempDB(t)

	for i := 0; i < 3; i++ {
		trace := sampleTrace()
		trace.Target = i
		if _, err := LogDecision(trace); err != nil {
			t.Fatalf("LogDecision[%d]: %v", i, err)
		}
	}

	page1, cursor1, hasMore1, err := GetDecisionsPage(2, 0)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || !hasMore1 || cursor1 <= 0 {
		t.Fatalf("unexpected page1: len=%d hasMore=%v cursor=%d", len(page1), hasMore1, cursor1)
	}
	// Newest first.
	if page1[0].ID < page1[1].ID {
		t.Fatalf("expected newest-first ordering, got ids %d, %d", page1[0].ID, page1[1].ID)
	}

	page2, cursor2, hasMore2, err := GetDecisionsPage(2, cursor1)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 1 || hasMore2 || cursor2 != 0 {
		t.Fatalf("unexpected page2: len=%d hasMore=%v cursor=%d", len(page2), hasMore2, cursor2)
	}
	if page2[0].ID == page1[0].ID || page2[0].ID == page1[1].ID {
		t.Fatal("expected page2 row distinct from page1 rows")
	}
}

func TestAuditEvents(t *testing.T) {
	withTempDB(t)

	eventID, err := LogAuditEvent("loop", "SCALE_UP", "demand spike", "runner", "2 -> 3")
	if err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}
	if eventID == "" {
		t.Fatal("expected generated event id")
	}

	events, err := RecentAuditEvents(10)
	if err != nil {
		t.Fatalf("RecentAuditEvents: %v", err)
	}
	if len(events) != 1 || events[0].Action != "SCALE_UP" || events[0].EventID != eventID {
		t.Fatalf("unexpected audit events: %+v", events)
	}

	if _, err := LogAuditEvent("loop", "", "", "", ""); err == nil {
		t.Fatal("expected error for empty action")
	}
}

func TestBreachStreakUpsertAndTransition(t *testing.T) {
	withTempDB(t)

	if err := UpsertBreachStreak(BreachStreakState{Direction: "UP", Consecutive: 1, Status: "pending"}); err != nil {
		t.Fatalf("UpsertBreachStreak: %v", err)
	}
	first, err := GetBreachStreak("UP")
	if err != nil {
		t.Fatalf("GetBreachStreak: %v", err)
	}
	if first.Status != BreachStreakStatusPending || first.Consecutive != 1 {
		t.Fatalf("unexpected streak: %+v", first)
	}

	if err := UpsertBreachStreak(BreachStreakState{Direction: "UP", Consecutive: 3, Status: "at_risk"}); err != nil {
		t.Fatalf("UpsertBreachStreak update: %v", err)
	}
	second, err := GetBreachStreak("UP")
	if err != nil {
		t.Fatalf("GetBreachStreak: %v", err)
	}
	if second.Status != BreachStreakStatusAtRisk || second.Consecutive != 3 {
		t.Fatalf("unexpected updated streak: %+v", second)
	}

	// Unknown statuses normalize to healthy rather than polluting reads.
	if err := UpsertBreachStreak(BreachStreakState{Direction: "DOWN", Consecutive: 0, Status: "exploded"}); err != nil {
		t.Fatalf("UpsertBreachStreak normalize: %v", err)
	}
	down, err := GetBreachStreak("DOWN")
	if err != nil {
		t.Fatalf("GetBreachStreak DOWN: %v", err)
	}
	if down.Status != BreachStreakStatusHealthy {
		t.Fatalf("expected normalized healthy status, got %q", down.Status)
	}
}

func TestStreakStatusClassification(t *testing.T) {
	if got := StreakStatus(false, 0, 2.0); got != BreachStreakStatusHealthy {
		t.Fatalf("expected healthy, got %q", got)
	}
	if got := StreakStatus(true, 1.2, 2.0); got != BreachStreakStatusPending {
		t.Fatalf("expected pending, got %q", got)
	}
	if got := StreakStatus(true, 2.5, 2.0); got != BreachStreakStatusAtRisk {
		t.Fatalf("expected at_risk, got %q", got)
	}
}

func TestInitDBCreatesFile(t *testing.T) {
	withTempDB(t)
	if _, err := os.Stat(resolveDBPath()); err != nil {
		t.Fatalf("expected database file to exist: %v", err)
	}
}
