package policy

import (
	"regexp"
	"strings"
)

const (
	DecisionEngineName      = "breach-decay-scaler"
	DecisionEngineVersion   = "1.1.0"
	DecisionContractVersion = "scaling-decision-trace.v1"
)

// RolloutMode controls whether decisions are applied to the worker pool
// or only traced.
type RolloutMode string

const (
	// RolloutEnforce applies scaling decisions to the pool.
	RolloutEnforce RolloutMode = "enforce"
	// RolloutObserve evaluates and traces decisions without applying
	// them (dry run).
	RolloutObserve RolloutMode = "observe"
)

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)

type EngineContract struct {
	EngineName      string `json:"decision_engine"`
	EngineVersion   string `json:"engine_version"`
	ContractVersion string `json:"decision_contract_version"`
	RolloutMode     string `json:"rollout_mode"`
}

func CurrentEngineContract(rolloutMode RolloutMode) EngineContract {
	return EngineContract{
		EngineName:      DecisionEngineName,
		EngineVersion:   DecisionEngineVersion,
		ContractVersion: DecisionContractVersion,
		RolloutMode:     string(NormalizeRolloutMode(rolloutMode)),
	}
}

// NormalizeRolloutMode maps unknown or empty modes to enforce, the
// production default.
func NormalizeRolloutMode(raw RolloutMode) RolloutMode {
	switch RolloutMode(strings.ToLower(strings.TrimSpace(string(raw)))) {
	case RolloutObserve:
		return RolloutObserve
	default:
		return RolloutEnforce
	}
}

func IsValidEngineVersion(version string) bool {
	version = strings.TrimSpace(version)
	return semverRe.MatchString(version)
}
