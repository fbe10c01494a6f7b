package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"runnerscale/internal/policy"
)

// Config is the full, immutable runtime configuration. It is loaded once
// at startup, validated once, and passed into components by value.
type Config struct {
	// Credentials and targets.
	GitHubToken string
	DOAPIToken  string
	AppID       string

	// Job source scope: org-level, or owner+repo.
	Org   string
	Owner string
	Repo  string

	WorkerName       string
	RunnerNamePrefix string

	// Loop.
	PollInterval time.Duration
	Policy       string
	RolloutMode  policy.RolloutMode

	// Scaling bounds and hysteresis.
	MinInstances  int
	MaxInstances  int
	UpThreshold   float64
	DownThreshold float64

	// Anti-thrash.
	UpCooldown      time.Duration
	DownCooldown    time.Duration
	Window          time.Duration
	HalfLife        time.Duration
	BreachThreshold float64

	// Step sizing.
	UpStepMax      int
	DownStepMax    int
	UpProportion   float64
	DownProportion float64

	// Ephemeral policy floor.
	MinOnline int

	// Ancillary services.
	APIAddr string
	DBPath  string
}

// Load reads configuration from RUNNERSCALE_* environment variables with
// production defaults. It does not validate; call Validate before use.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("RUNNERSCALE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("worker_name", "runner")
	v.SetDefault("runner_name_prefix", "")
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("policy", policy.StrategyBreachDecay)
	v.SetDefault("rollout_mode", string(policy.RolloutEnforce))
	v.SetDefault("min_instances", 1)
	v.SetDefault("max_instances", 5)
	v.SetDefault("scale_up_threshold", 1.5)
	v.SetDefault("scale_down_threshold", 0.25)
	v.SetDefault("scale_up_cooldown", "60s")
	v.SetDefault("scale_down_cooldown", "180s")
	v.SetDefault("stabilization_window", "180s")
	v.SetDefault("decay_half_life", "30s")
	v.SetDefault("breach_threshold", 2.0)
	v.SetDefault("scale_up_step", 2)
	v.SetDefault("scale_down_step", 1)
	v.SetDefault("scale_up_proportion", 0.5)
	v.SetDefault("scale_down_proportion", 0.5)
	v.SetDefault("min_online", 0)
	v.SetDefault("api_addr", "127.0.0.1:8080")
	v.SetDefault("db_path", "runnerscale.db")

	return Config{
		GitHubToken:      strings.TrimSpace(v.GetString("github_token")),
		DOAPIToken:       strings.TrimSpace(v.GetString("do_api_token")),
		AppID:            strings.TrimSpace(v.GetString("app_id")),
		Org:              strings.TrimSpace(v.GetString("org")),
		Owner:            strings.TrimSpace(v.GetString("owner")),
		Repo:             strings.TrimSpace(v.GetString("repo")),
		WorkerName:       strings.TrimSpace(v.GetString("worker_name")),
		RunnerNamePrefix: strings.TrimSpace(v.GetString("runner_name_prefix")),
		PollInterval:     v.GetDuration("poll_interval"),
		Policy:           strings.TrimSpace(v.GetString("policy")),
		RolloutMode:      policy.RolloutMode(v.GetString("rollout_mode")),
		MinInstances:     v.GetInt("min_instances"),
		MaxInstances:     v.GetInt("max_instances"),
		UpThreshold:      v.GetFloat64("scale_up_threshold"),
		DownThreshold:    v.GetFloat64("scale_down_threshold"),
		UpCooldown:       v.GetDuration("scale_up_cooldown"),
		DownCooldown:     v.GetDuration("scale_down_cooldown"),
		Window:           v.GetDuration("stabilization_window"),
		HalfLife:         v.GetDuration("decay_half_life"),
		BreachThreshold:  v.GetFloat64("breach_threshold"),
		UpStepMax:        v.GetInt("scale_up_step"),
		DownStepMax:      v.GetInt("scale_down_step"),
		UpProportion:     v.GetFloat64("scale_up_proportion"),
		DownProportion:   v.GetFloat64("scale_down_proportion"),
		MinOnline:        v.GetInt("min_online"),
		APIAddr:          strings.TrimSpace(v.GetString("api_addr")),
		DBPath:           strings.TrimSpace(v.GetString("db_path")),
	}
}

// Validate checks every startup precondition and reports all violations
// at once, so a misconfigured deployment fails with the full picture.
func (c Config) Validate() error {
	var errs []string

	if c.MinInstances < 0 {
		errs = append(errs, "MIN_INSTANCES must be >= 0")
	}
	if c.MinInstances > c.MaxInstances {
		errs = append(errs, fmt.Sprintf("MIN_INSTANCES (%d) > MAX_INSTANCES (%d)", c.MinInstances, c.MaxInstances))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be > 0")
	}
	if c.UpThreshold <= 0 {
		errs = append(errs, "SCALE_UP_THRESHOLD must be > 0")
	}
	if c.DownThreshold < 0 {
		errs = append(errs, "SCALE_DOWN_THRESHOLD must be >= 0")
	}
	if c.UpCooldown < 0 {
		errs = append(errs, "SCALE_UP_COOLDOWN must be >= 0")
	}
	if c.DownCooldown < 0 {
		errs = append(errs, "SCALE_DOWN_COOLDOWN must be >= 0")
	}
	if c.Window <= 0 {
		errs = append(errs, "STABILIZATION_WINDOW must be > 0")
	}
	if c.HalfLife <= 0 {
		errs = append(errs, "DECAY_HALF_LIFE must be > 0")
	}
	if c.BreachThreshold <= 0 {
		errs = append(errs, "BREACH_THRESHOLD must be > 0")
	}
	if c.UpStepMax < 1 {
		errs = append(errs, "SCALE_UP_STEP must be >= 1")
	}
	if c.DownStepMax < 1 {
		errs = append(errs, "SCALE_DOWN_STEP must be >= 1")
	}
	if c.UpProportion <= 0 || c.UpProportion > 1 {
		errs = append(errs, "SCALE_UP_PROPORTION must be > 0 and <= 1")
	}
	if c.DownProportion <= 0 || c.DownProportion > 1 {
		errs = append(errs, "SCALE_DOWN_PROPORTION must be > 0 and <= 1")
	}
	if c.MinOnline < 0 {
		errs = append(errs, "MIN_ONLINE must be >= 0")
	}
	switch c.Policy {
	case policy.StrategyBreachDecay, policy.StrategyEphemeral:
	default:
		errs = append(errs, fmt.Sprintf("POLICY must be %q or %q", policy.StrategyBreachDecay, policy.StrategyEphemeral))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateCredentials checks the fields only the live loop needs, so
// offline commands (simulate) can run without tokens.
func (c Config) ValidateCredentials() error {
	var errs []string

	if c.GitHubToken == "" {
		errs = append(errs, "GITHUB_TOKEN is required")
	}
	if c.DOAPIToken == "" {
		errs = append(errs, "DO_API_TOKEN is required")
	}
	if c.AppID == "" {
		errs = append(errs, "APP_ID is required")
	}
	if c.Org == "" && (c.Owner == "" || c.Repo == "") {
		errs = append(errs, "ORG or (OWNER and REPO) must be set")
	}
	if c.WorkerName == "" {
		errs = append(errs, "WORKER_NAME must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DecaySettings maps the config onto the canonical strategy settings.
func (c Config) DecaySettings() policy.BreachDecaySettings {
	return policy.BreachDecaySettings{
		MinInstances:    c.MinInstances,
		MaxInstances:    c.MaxInstances,
		UpThreshold:     c.UpThreshold,
		DownThreshold:   c.DownThreshold,
		UpCooldown:      c.UpCooldown,
		DownCooldown:    c.DownCooldown,
		Window:          c.Window,
		HalfLife:        c.HalfLife,
		BreachThreshold: c.BreachThreshold,
		UpStepMax:       c.UpStepMax,
		DownStepMax:     c.DownStepMax,
		UpProportion:    c.UpProportion,
		DownProportion:  c.DownProportion,
	}
}

// Strategy builds the configured decision strategy.
func (c Config) Strategy() policy.Strategy {
	if c.Policy == policy.StrategyEphemeral {
		return policy.NewEphemeralStrategy(policy.EphemeralSettings{
			BreachDecaySettings: c.DecaySettings(),
			MinOnline:           c.MinOnline,
		})
	}
	return policy.NewBreachDecayStrategy(c.DecaySettings())
}
