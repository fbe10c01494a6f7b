package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"runnerscale/internal/config"
	"runnerscale/internal/policy"

	"github.com/spf13/cobra"
)

var (
	simDemand   string
	simCapacity int
	simInterval time.Duration
	simPolicy   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted demand series through the decision engine offline",
	Long: `Feeds a comma-separated demand series into the configured policy,
one value per simulated tick, applying each decision to a local capacity
counter. No GitHub or DigitalOcean calls are made; thresholds, cooldowns
and step sizes come from the usual RUNNERSCALE_* variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(cmd)
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simDemand, "demand", "5,5,5,0,0,0,0,0", "comma-separated demand per tick")
	simulateCmd.Flags().IntVar(&simCapacity, "capacity", 0, "starting instance count (default: min instances)")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 0, "simulated time between ticks (default: poll interval)")
	simulateCmd.Flags().StringVar(&simPolicy, "policy", "", "policy to simulate (default: configured policy)")
}

func runSimulation(cmd *cobra.Command) error {
	cfg := config.Load()
	if simPolicy != "" {
		cfg.Policy = simPolicy
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	demands, err := parseDemandSeries(simDemand)
	if err != nil {
		return err
	}
	capacity := simCapacity
	if capacity <= 0 {
		capacity = cfg.MinInstances
	}
	interval := simInterval
	if interval <= 0 {
		interval = cfg.PollInterval
	}

	strategy := cfg.Strategy()
	st := policy.NewScalingState()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "simulating %d ticks: policy=%s capacity=%d interval=%s\n\n",
		len(demands), strategy.Name(), capacity, interval)
	fmt.Fprintf(out, "%-5s %-7s %-9s %-7s %-7s %s\n", "tick", "demand", "capacity", "score", "action", "reason")

	actions := 0
	for i, demand := range demands {
		in := policy.Input{Demand: demand, Current: capacity, Online: capacity, Idle: max(capacity-demand, 0)}
		dec := strategy.Evaluate(in, st, now)

		action := "-"
		if dec.Direction != policy.DirectionNone {
			action = fmt.Sprintf("%s->%d", dec.Direction, dec.Target)
			capacity = dec.Target
			st.MarkScaled(dec.Direction, now)
			actions++
		}
		fmt.Fprintf(out, "%-5d %-7d %-9d %-7.2f %-7s %s\n", i+1, demand, in.Current, dec.Score, action, dec.Reason)
		now = now.Add(interval)
	}

	fmt.Fprintf(out, "\nfinal capacity %d after %d scaling action(s)\n", capacity, actions)
	return nil
}

func parseDemandSeries(raw string) ([]int, error) {
	fields := strings.Split(raw, ",")
	demands := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("demand series must be non-negative integers, got %q", f)
		}
		demands = append(demands, n)
	}
	if len(demands) == 0 {
		return nil, fmt.Errorf("demand series is empty")
	}
	return demands, nil
}
