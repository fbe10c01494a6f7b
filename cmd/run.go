package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"runnerscale/internal/api"
	"runnerscale/internal/config"
	"runnerscale/internal/database"
	"runnerscale/internal/digitalocean"
	"runnerscale/internal/github"
	"runnerscale/internal/metrics"
	"runnerscale/internal/scaler"
	"runnerscale/internal/sysmon"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scaling control loop and the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	printEffectiveConfig(cfg)

	if err := database.InitDB(); err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer database.CloseDB()

	gh := github.NewClient(github.Options{
		Token:        cfg.GitHubToken,
		Org:          cfg.Org,
		Owner:        cfg.Owner,
		Repo:         cfg.Repo,
		RunnerPrefix: cfg.RunnerNamePrefix,
	})
	do := digitalocean.NewClient(digitalocean.Options{
		Token: cfg.DOAPIToken,
		AppID: cfg.AppID,
	})

	store := metrics.NewStore()
	server := api.NewServer(store, sysmon.NewMonitor(), gh)
	stopAPI := server.Start(cfg.APIAddr)
	defer stopAPI()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := scaler.New(cfg, gh, do, store)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printEffectiveConfig logs the resolved settings at startup so a
// misbehaving deployment can be diagnosed from its first log lines.
// Credentials are never printed.
func printEffectiveConfig(cfg config.Config) {
	scope := "org=" + cfg.Org
	if cfg.Org == "" {
		scope = fmt.Sprintf("repo=%s/%s", cfg.Owner, cfg.Repo)
	}
	log.Printf("runnerscale starting: %s worker=%s policy=%s rollout=%s", scope, cfg.WorkerName, cfg.Policy, cfg.RolloutMode)
	log.Printf("bounds=[%d,%d] thresholds=up>%.2fx down<%.2fx breach>=%.1f window=%s half_life=%s",
		cfg.MinInstances, cfg.MaxInstances, cfg.UpThreshold, cfg.DownThreshold, cfg.BreachThreshold, cfg.Window, cfg.HalfLife)
	log.Printf("steps=+%d/-%d proportions=%.2f/%.2f cooldowns=%s/%s poll=%s",
		cfg.UpStepMax, cfg.DownStepMax, cfg.UpProportion, cfg.DownProportion, cfg.UpCooldown, cfg.DownCooldown, cfg.PollInterval)
	if cfg.RunnerNamePrefix == "" {
		log.Printf("no RUNNERSCALE_RUNNER_NAME_PREFIX set, all registered runners count as ours")
	}
}
