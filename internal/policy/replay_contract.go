package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

const DecisionReplayContractVersion = "decision-replay.v1"

const (
	ReplayStatusMatch        = "MATCH"
	ReplayStatusMismatch     = "MISMATCH"
	ReplayStatusMissing      = "MISSING_DIGEST"
	ReplayStatusUnreplayable = "NOT_REPLAYABLE"
)

// DecisionReplayInput is the canonical set of fields a stored scaling
// decision can be deterministically re-verified from.
type DecisionReplayInput struct {
	DecisionEngine   string  `json:"decision_engine"`
	EngineVersion    string  `json:"engine_version"`
	DecisionContract string  `json:"decision_contract_version"`
	RolloutMode      string  `json:"rollout_mode"`
	Direction        string  `json:"direction"`
	Reason           string  `json:"reason"`
	Demand           int     `json:"demand"`
	Current          int     `json:"current"`
	Target           int     `json:"target"`
	Score            float64 `json:"score"`
}

type DecisionReplayVerification struct {
	ContractVersion    string              `json:"contract_version"`
	Replayable         bool                `json:"replayable"`
	Status             string              `json:"status"`
	StoredDigest       string              `json:"stored_digest,omitempty"`
	ComputedDigest     string              `json:"computed_digest,omitempty"`
	DeterministicMatch bool                `json:"deterministic_match"`
	Reason             string              `json:"reason"`
	CanonicalInput     DecisionReplayInput `json:"canonical_input"`
}

// VerifyDecisionReplay recomputes the digest for a stored trace and
// compares it against the digest persisted at decision time.
func VerifyDecisionReplay(storedDigest string, in DecisionReplayInput) DecisionReplayVerification {
	normalized := normalizeDecisionReplayInput(in)
	stored := strings.ToLower(strings.TrimSpace(storedDigest))

	out := DecisionReplayVerification{
		ContractVersion: DecisionReplayContractVersion,
		Replayable:      normalized.Direction != "",
		Status:          ReplayStatusUnreplayable,
		StoredDigest:    stored,
		Reason:          "direction value is required for deterministic replay",
		CanonicalInput:  normalized,
	}

	if !out.Replayable {
		return out
	}

	out.ComputedDigest = DecisionReplayDigest(normalized)
	if stored == "" {
		out.Status = ReplayStatusMissing
		out.Reason = "decision trace missing replay digest"
		return out
	}

	if stored == out.ComputedDigest {
		out.Status = ReplayStatusMatch
		out.DeterministicMatch = true
		out.Reason = "stored replay digest matches deterministic replay computation"
		return out
	}

	out.Status = ReplayStatusMismatch
	out.Reason = "stored replay digest does not match deterministic replay computation"
	return out
}

func DecisionReplayDigest(in DecisionReplayInput) string {
	normalized := normalizeDecisionReplayInput(in)
	lines := []string{
		"decision_engine=" + normalized.DecisionEngine,
		"engine_version=" + normalized.EngineVersion,
		"decision_contract_version=" + normalized.DecisionContract,
		"rollout_mode=" + normalized.RolloutMode,
		"direction=" + normalized.Direction,
		"reason=" + normalized.Reason,
		"demand=" + strconv.Itoa(normalized.Demand),
		"current=" + strconv.Itoa(normalized.Current),
		"target=" + strconv.Itoa(normalized.Target),
		"score=" + formatReplayScore(normalized.Score),
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func normalizeDecisionReplayInput(in DecisionReplayInput) DecisionReplayInput {
	return DecisionReplayInput{
		DecisionEngine:   strings.TrimSpace(in.DecisionEngine),
		EngineVersion:    strings.TrimSpace(in.EngineVersion),
		DecisionContract: strings.TrimSpace(in.DecisionContract),
		RolloutMode:      strings.ToLower(strings.TrimSpace(in.RolloutMode)),
		Direction:        strings.ToUpper(strings.TrimSpace(in.Direction)),
		Reason:           strings.TrimSpace(in.Reason),
		Demand:           in.Demand,
		Current:          in.Current,
		Target:           in.Target,
		Score:            normalizeReplayScore(in.Score),
	}
}

func normalizeReplayScore(v float64) float64 {
	rounded := math.Round(v*1_000_000) / 1_000_000
	if rounded == 0 {
		return 0
	}
	return rounded
}

func formatReplayScore(v float64) string {
	return strconv.FormatFloat(normalizeReplayScore(v), 'f', 6, 64)
}
