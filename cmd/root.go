package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runnerscale",
	Short: "Autoscaler for self-hosted GitHub Actions runners on DigitalOcean App Platform",
	Long: `runnerscale watches GitHub Actions job demand and scales a
DigitalOcean App Platform worker to match it. Scaling decisions pass a
time-decayed breach filter and per-direction cooldowns before any
capacity change is applied, and every decision is persisted with a
deterministic replay digest.

Configuration comes from RUNNERSCALE_* environment variables.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}
