package database

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

const (
	envDBPath     = "RUNNERSCALE_DB_PATH"
	defaultDBPath = "runnerscale.db"
)

func resolveDBPath() string {
	if p := strings.TrimSpace(os.Getenv(envDBPath)); p != "" {
		return p
	}
	return defaultDBPath
}

// InitDB opens (or creates) the sqlite database and applies the schema.
func InitDB() error {
	path := resolveDBPath()
	handle, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}
	if err := handle.Ping(); err != nil {
		handle.Close()
		return fmt.Errorf("ping database %s: %w", path, err)
	}
	if err := applySchema(handle); err != nil {
		handle.Close()
		return err
	}
	db = handle
	return nil
}

func CloseDB() {
	if db != nil {
		_ = db.Close()
		db = nil
	}
}

func applySchema(handle *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scaling_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_name TEXT NOT NULL,
			direction TEXT NOT NULL,
			reason TEXT NOT NULL,
			queued INTEGER NOT NULL DEFAULT 0,
			in_progress INTEGER NOT NULL DEFAULT 0,
			demand INTEGER NOT NULL DEFAULT 0,
			capacity INTEGER NOT NULL DEFAULT 0,
			target INTEGER NOT NULL DEFAULT 0,
			breach_score REAL NOT NULL DEFAULT 0,
			decision_engine TEXT,
			engine_version TEXT,
			decision_contract_version TEXT,
			rollout_mode TEXT,
			replay_digest TEXT,
			applied INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			worker_name TEXT,
			detail TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS breach_streaks (
			direction TEXT PRIMARY KEY,
			consecutive_breach_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'healthy',
			last_transition_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_checked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scaling_decisions_created
			ON scaling_decisions(created_at DESC, id DESC)`,
	}
	for _, stmt := range schema {
		if _, err := handle.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// DecisionTrace is one persisted engine decision.
type DecisionTrace struct {
	ID            int     `json:"id"`
	WorkerName    string  `json:"worker_name"`
	Direction     string  `json:"direction"`
	Reason        string  `json:"reason"`
	Queued        int     `json:"queued"`
	InProgress    int     `json:"in_progress"`
	Demand        int     `json:"demand"`
	Capacity      int     `json:"capacity"`
	Target        int     `json:"target"`
	BreachScore   float64 `json:"breach_score"`
	Engine        string  `json:"decision_engine"`
	EngineVersion string  `json:"engine_version"`
	Contract      string  `json:"decision_contract_version"`
	RolloutMode   string  `json:"rollout_mode"`
	ReplayDigest  string  `json:"replay_digest"`
	Applied       bool    `json:"applied"`
	CreatedAt     string  `json:"created_at"`
}

// LogDecision persists one decision trace and returns its row id.
func LogDecision(trace DecisionTrace) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("db not initialized")
	}
	applied := 0
	if trace.Applied {
		applied = 1
	}
	result, err := db.Exec(`
INSERT INTO scaling_decisions(
	worker_name, direction, reason, queued, in_progress, demand, capacity,
	target, breach_score, decision_engine, engine_version,
	decision_contract_version, rollout_mode, replay_digest, applied, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
`, trace.WorkerName, trace.Direction, trace.Reason, trace.Queued, trace.InProgress,
		trace.Demand, trace.Capacity, trace.Target, trace.BreachScore, trace.Engine,
		trace.EngineVersion, trace.Contract, trace.RolloutMode, trace.ReplayDigest, applied)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// MarkDecisionApplied flips a trace to applied once the capacity change
// was verified externally.
func MarkDecisionApplied(id int) error {
	if db == nil {
		return fmt.Errorf("db not initialized")
	}
	res, err := db.Exec(`UPDATE scaling_decisions SET applied = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetDecisionsPage returns decisions newest-first using keyset
// pagination. A zero cursor starts from the newest row; the returned
// cursor is 0 when no more pages exist.
func GetDecisionsPage(limit, cursor int) ([]DecisionTrace, int, bool, error) {
	if db == nil {
		return nil, 0, false, fmt.Errorf("db not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT
	id,
	COALESCE(worker_name, ''),
	COALESCE(direction, 'NONE'),
	COALESCE(reason, ''),
	COALESCE(queued, 0),
	COALESCE(in_progress, 0),
	COALESCE(demand, 0),
	COALESCE(capacity, 0),
	COALESCE(target, 0),
	COALESCE(breach_score, 0.0),
	COALESCE(decision_engine, ''),
	COALESCE(engine_version, ''),
	COALESCE(decision_contract_version, ''),
	COALESCE(rollout_mode, ''),
	COALESCE(replay_digest, ''),
	COALESCE(applied, 0),
	COALESCE(created_at, CURRENT_TIMESTAMP)
FROM scaling_decisions`
	args := []any{}
	if cursor > 0 {
		query += ` WHERE id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()

	traces := make([]DecisionTrace, 0, limit)
	for rows.Next() {
		var t DecisionTrace
		var applied int
		if err := rows.Scan(
			&t.ID, &t.WorkerName, &t.Direction, &t.Reason, &t.Queued, &t.InProgress,
			&t.Demand, &t.Capacity, &t.Target, &t.BreachScore, &t.Engine,
			&t.EngineVersion, &t.Contract, &t.RolloutMode, &t.ReplayDigest,
			&applied, &t.CreatedAt,
		); err != nil {
			return nil, 0, false, err
		}
		t.Applied = applied == 1
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}

	hasMore := len(traces) > limit
	if hasMore {
		traces = traces[:limit]
	}
	nextCursor := 0
	if hasMore && len(traces) > 0 {
		nextCursor = traces[len(traces)-1].ID
	}
	return traces, nextCursor, hasMore, nil
}

// AuditEvent is one operator-visible action record.
type AuditEvent struct {
	ID         int    `json:"id"`
	EventID    string `json:"event_id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
	WorkerName string `json:"worker_name"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"created_at"`
}

// LogAuditEvent persists one audit event with a generated event id.
func LogAuditEvent(actor, action, reason, workerName, detail string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("db not initialized")
	}
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" {
		actor = "system"
	}
	if action == "" {
		return "", fmt.Errorf("action is required")
	}
	eventID := "evt_" + uuid.NewString()
	_, err := db.Exec(`
INSERT INTO audit_events(event_id, actor, action, reason, worker_name, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
`, eventID, actor, action, reason, workerName, detail)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// RecentAuditEvents returns the newest audit events, newest first.
func RecentAuditEvents(limit int) ([]AuditEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
SELECT
	id,
	COALESCE(event_id, ''),
	COALESCE(actor, 'system'),
	COALESCE(action, ''),
	COALESCE(reason, ''),
	COALESCE(worker_name, ''),
	COALESCE(detail, ''),
	COALESCE(created_at, CURRENT_TIMESTAMP)
FROM audit_events
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.Actor, &e.Action, &e.Reason, &e.WorkerName, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
