package state

import (
	"encoding/json"
	"sync"
	"time"
)

// LoopState is the read-side snapshot of the control loop, served by the
// status API. It mirrors the last completed tick; the engine's scaling
// state itself is owned exclusively by the loop and never exposed here.
type LoopState struct {
	Status        string  `json:"status"` // RUNNING, DEGRADED, STOPPED
	WorkerName    string  `json:"worker_name"`
	Policy        string  `json:"policy"`
	RolloutMode   string  `json:"rollout_mode"`
	Queued        int     `json:"queued"`
	InProgress    int     `json:"in_progress"`
	Demand        int     `json:"demand"`
	Capacity      int     `json:"capacity"`
	Target        int     `json:"target"`
	LastAction    string  `json:"last_action"`
	Reason        string  `json:"reason"`
	BreachScore   float64 `json:"breach_score"`
	TickCount     int64   `json:"tick_count"`
	ErrorStreak   int     `json:"error_streak"`
	LastError     string  `json:"last_error,omitempty"`
	LastTickAt    int64   `json:"last_tick_at"`
	RunnersPruned int64   `json:"runners_pruned"`
}

var (
	current LoopState
	mu      sync.RWMutex
)

// SetIdentity records the static loop identity once at startup.
func SetIdentity(workerName, policyName, rolloutMode string) {
	mu.Lock()
	defer mu.Unlock()
	current.WorkerName = workerName
	current.Policy = policyName
	current.RolloutMode = rolloutMode
	current.Status = "RUNNING"
}

// UpdateObservation records the demand and capacity seen this tick.
func UpdateObservation(queued, inProgress, capacity int) {
	mu.Lock()
	defer mu.Unlock()
	current.Queued = queued
	current.InProgress = inProgress
	current.Demand = queued + inProgress
	current.Capacity = capacity
	current.Status = "RUNNING"
	current.ErrorStreak = 0
	current.LastError = ""
	current.TickCount++
	current.LastTickAt = time.Now().UnixMilli()
}

// UpdateDecision records the engine's outcome for the tick.
func UpdateDecision(action string, target int, reason string, score float64) {
	mu.Lock()
	defer mu.Unlock()
	current.LastAction = action
	current.Target = target
	current.Reason = reason
	current.BreachScore = score
}

// RecordError marks a degraded tick. Consecutive errors accumulate until
// the next successful observation.
func RecordError(err error) {
	mu.Lock()
	defer mu.Unlock()
	current.Status = "DEGRADED"
	current.ErrorStreak++
	current.LastError = err.Error()
	current.TickCount++
	current.LastTickAt = time.Now().UnixMilli()
}

// AddRunnersPruned accumulates the janitor's delete count.
func AddRunnersPruned(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	current.RunnersPruned += int64(n)
}

// MarkStopped is called on shutdown so a final status read is honest.
func MarkStopped() {
	mu.Lock()
	defer mu.Unlock()
	current.Status = "STOPPED"
}

// Get returns a copy of the current snapshot.
func Get() LoopState {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// JSON returns the snapshot as a JSON byte slice (for the API).
func JSON() ([]byte, error) {
	mu.RLock()
	defer mu.RUnlock()
	return json.Marshal(current)
}

// Reset clears the snapshot; tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = LoopState{}
}
