package database

import (
	"fmt"
	"strings"
)

const (
	BreachStreakStatusHealthy = "healthy"
	BreachStreakStatusPending = "pending"
	BreachStreakStatusAtRisk  = "at_risk"
)

// BreachStreakState tracks, per direction, how many consecutive ticks
// breached the threshold and whether the accumulated evidence is close
// to triggering an action. It is observability only: the engine's own
// stabilization filter is the in-memory breach history.
type BreachStreakState struct {
	Direction        string `json:"direction"`
	Consecutive      int    `json:"consecutive_breach_count"`
	Status           string `json:"status"`
	LastTransitionAt string `json:"last_transition_at"`
	LastCheckedAt    string `json:"last_checked_at"`
}

func normalizeBreachStreakStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BreachStreakStatusPending:
		return BreachStreakStatusPending
	case BreachStreakStatusAtRisk:
		return BreachStreakStatusAtRisk
	default:
		return BreachStreakStatusHealthy
	}
}

// StreakStatus classifies a tick's breach evidence: no breach is
// healthy, evidence below the action threshold is pending, evidence at
// or above it is at_risk.
func StreakStatus(breached bool, score, breachThreshold float64) string {
	switch {
	case !breached:
		return BreachStreakStatusHealthy
	case score >= breachThreshold:
		return BreachStreakStatusAtRisk
	default:
		return BreachStreakStatusPending
	}
}

func GetBreachStreak(direction string) (BreachStreakState, error) {
	if db == nil {
		return BreachStreakState{}, fmt.Errorf("db not initialized")
	}
	direction = strings.TrimSpace(direction)
	if direction == "" {
		return BreachStreakState{}, fmt.Errorf("direction is required")
	}

	var out BreachStreakState
	err := db.QueryRow(`
SELECT
	direction,
	COALESCE(consecutive_breach_count, 0),
	COALESCE(status, 'healthy'),
	COALESCE(last_transition_at, CURRENT_TIMESTAMP),
	COALESCE(last_checked_at, CURRENT_TIMESTAMP)
FROM breach_streaks
WHERE direction = ?
`, direction).Scan(
		&out.Direction,
		&out.Consecutive,
		&out.Status,
		&out.LastTransitionAt,
		&out.LastCheckedAt,
	)
	if err != nil {
		return BreachStreakState{}, err
	}
	out.Status = normalizeBreachStreakStatus(out.Status)
	if out.Consecutive < 0 {
		out.Consecutive = 0
	}
	return out, nil
}

// UpsertBreachStreak writes the streak row for a direction, bumping the
// transition timestamp only when the status actually changes.
func UpsertBreachStreak(streak BreachStreakState) error {
	if db == nil {
		return fmt.Errorf("db not initialized")
	}
	streak.Direction = strings.TrimSpace(streak.Direction)
	if streak.Direction == "" {
		return fmt.Errorf("direction is required")
	}
	if streak.Consecutive < 0 {
		streak.Consecutive = 0
	}
	streak.Status = normalizeBreachStreakStatus(streak.Status)

	_, err := db.Exec(`
INSERT INTO breach_streaks(
	direction,
	consecutive_breach_count,
	status,
	last_transition_at,
	last_checked_at
) VALUES(?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(direction) DO UPDATE SET
	consecutive_breach_count = excluded.consecutive_breach_count,
	status = excluded.status,
	last_transition_at = CASE
		WHEN COALESCE(breach_streaks.status, 'healthy') <> COALESCE(excluded.status, 'healthy')
			THEN CURRENT_TIMESTAMP
		ELSE COALESCE(breach_streaks.last_transition_at, CURRENT_TIMESTAMP)
	END,
	last_checked_at = CURRENT_TIMESTAMP
`, streak.Direction, streak.Consecutive, streak.Status)
	return err
}
