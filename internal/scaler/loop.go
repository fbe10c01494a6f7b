package scaler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"runnerscale/internal/config"
	"runnerscale/internal/database"
	"runnerscale/internal/digitalocean"
	"runnerscale/internal/github"
	"runnerscale/internal/metrics"
	"runnerscale/internal/policy"
	"runnerscale/internal/state"
)

// DemandSource reports job demand and manages the runner fleet registered
// against it. The production implementation is the GitHub client.
type DemandSource interface {
	JobDemand(ctx context.Context) (github.Demand, error)
	Runners(ctx context.Context) ([]github.Runner, error)
	CleanupDeadRunners(ctx context.Context) (int, error)
}

// CapacityTarget reads and writes the worker's instance count. The
// production implementation is the DigitalOcean App Platform client.
type CapacityTarget interface {
	InstanceCount(ctx context.Context, workerName string) (int, error)
	Scale(ctx context.Context, workerName string, desired int) error
}

// Loop owns the control cycle: observe demand and capacity, evaluate the
// policy, apply the decision, and persist the trace. It is single-threaded;
// all mutation of the engine's ScalingState happens on the tick goroutine.
type Loop struct {
	cfg      config.Config
	strategy policy.Strategy
	source   DemandSource
	target   CapacityTarget
	metrics  *metrics.Store
	scaling  *policy.ScalingState

	// now is swapped in tests to drive cooldown and decay math.
	now func() time.Time
}

func New(cfg config.Config, source DemandSource, target CapacityTarget, store *metrics.Store) *Loop {
	return &Loop{
		cfg:      cfg,
		strategy: cfg.Strategy(),
		source:   source,
		target:   target,
		metrics:  store,
		scaling:  policy.NewScalingState(),
		now:      time.Now,
	}
}

// Run ticks immediately, then on every PollInterval, until ctx is
// cancelled. Tick errors degrade the loop but never stop it.
func (l *Loop) Run(ctx context.Context) error {
	state.SetIdentity(l.cfg.WorkerName, l.strategy.Name(), string(l.cfg.RolloutMode))
	log.Printf("scaler loop started: worker=%s policy=%s rollout=%s interval=%s",
		l.cfg.WorkerName, l.strategy.Name(), l.cfg.RolloutMode, l.cfg.PollInterval)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			log.Printf("tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			state.MarkStopped()
			log.Printf("scaler loop stopped: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full control cycle. Exported so the simulate command and
// tests can drive the loop without a ticker.
func (l *Loop) Tick(ctx context.Context) error {
	start := l.now()

	l.pruneDeadRunners(ctx)

	demand, err := l.source.JobDemand(ctx)
	if err != nil {
		return l.tickFailed(start, fmt.Errorf("reading job demand: %w", err))
	}
	capacity, err := l.target.InstanceCount(ctx, l.cfg.WorkerName)
	if err != nil {
		return l.tickFailed(start, fmt.Errorf("reading instance count: %w", err))
	}

	in, err := l.buildInput(ctx, demand, capacity)
	if err != nil {
		return l.tickFailed(start, err)
	}

	now := l.now()
	dec := l.strategy.Evaluate(in, l.scaling, now)

	state.UpdateObservation(demand.Queued, demand.InProgress, capacity)
	state.UpdateDecision(dec.Direction.String(), dec.Target, dec.Reason, dec.Score)

	traceID := l.persistTrace(demand, in, capacity, dec)

	switch dec.Outcome {
	case policy.OutcomeBlocked:
		l.metrics.IncCooldownBlocked()
	case policy.OutcomeAtBound:
		l.metrics.IncAtBound()
	}

	if dec.Direction != policy.DirectionNone {
		if err := l.apply(ctx, dec, traceID, now); err != nil {
			return l.tickFailed(start, err)
		}
	}

	l.recordBreachStreaks(in, capacity, now)
	l.metrics.ObserveTickLatency(time.Since(start).Seconds(), true)
	return nil
}

// pruneDeadRunners is best-effort housekeeping: a GitHub hiccup here must
// not cost the tick its scaling decision.
func (l *Loop) pruneDeadRunners(ctx context.Context) {
	pruned, err := l.source.CleanupDeadRunners(ctx)
	if err != nil {
		log.Printf("dead runner cleanup failed: %v", err)
		return
	}
	if pruned == 0 {
		return
	}
	l.metrics.AddRunnersPruned(pruned)
	state.AddRunnersPruned(pruned)
	log.Printf("pruned %d dead runner(s)", pruned)
	_, _ = database.LogAuditEvent("scaler-loop", "runner_cleanup",
		fmt.Sprintf("removed %d offline non-busy runner(s)", pruned), l.cfg.WorkerName, "")
}

// buildInput shapes the observation for the active policy. The ephemeral
// policy scales on the queue alone and needs fleet composition; the
// breach-decay policy covers in-flight work too.
func (l *Loop) buildInput(ctx context.Context, demand github.Demand, capacity int) (policy.Input, error) {
	in := policy.Input{Demand: demand.Total(), Current: capacity}
	if l.strategy.Name() != policy.StrategyEphemeral {
		return in, nil
	}

	runners, err := l.source.Runners(ctx)
	if err != nil {
		return policy.Input{}, fmt.Errorf("listing runners: %w", err)
	}
	in.Demand = demand.Queued
	for _, r := range runners {
		if r.Status != "online" {
			continue
		}
		in.Online++
		if !r.Busy {
			in.Idle++
		}
	}
	return in, nil
}

// apply pushes the decision to the capacity target in enforce mode and
// marks the cooldown only after the write is verified. A spec conflict
// means our write lost a race; the next tick re-reads and re-decides, so
// no cooldown is charged.
func (l *Loop) apply(ctx context.Context, dec policy.Decision, traceID int, now time.Time) error {
	if l.cfg.RolloutMode == policy.RolloutObserve {
		log.Printf("observe mode: would scale %s to %d (%s)", dec.Direction, dec.Target, dec.Reason)
		return nil
	}

	applyStart := l.now()
	err := l.target.Scale(ctx, l.cfg.WorkerName, dec.Target)
	l.metrics.ObserveApplyLatency(time.Since(applyStart).Seconds(), err == nil)
	if err != nil {
		if errors.Is(err, digitalocean.ErrSpecConflict) {
			l.metrics.IncConflict()
			log.Printf("scale to %d not verified, concurrent spec change; retrying next tick", dec.Target)
			_, _ = database.LogAuditEvent("scaler-loop", "apply_conflict",
				"concurrent app spec change, cooldown not charged", l.cfg.WorkerName, dec.Reason)
			return fmt.Errorf("applying scale to %d: %w", dec.Target, err)
		}
		return fmt.Errorf("applying scale to %d: %w", dec.Target, err)
	}

	l.scaling.MarkScaled(dec.Direction, now)
	switch dec.Direction {
	case policy.DirectionUp:
		l.metrics.IncScaleUp()
	case policy.DirectionDown:
		l.metrics.IncScaleDown()
	}
	log.Printf("scaled %s to %d instances: %s", dec.Direction, dec.Target, dec.Reason)

	if traceID > 0 {
		if err := database.MarkDecisionApplied(traceID); err != nil {
			log.Printf("marking decision %d applied: %v", traceID, err)
		}
	}
	_, _ = database.LogAuditEvent("scaler-loop", "scale_"+strings.ToLower(dec.Direction.String()),
		dec.Reason, l.cfg.WorkerName, fmt.Sprintf("target=%d", dec.Target))
	return nil
}

// persistTrace writes the decision row with its replay digest. Returns 0
// when the trail is unavailable; the tick carries on regardless.
func (l *Loop) persistTrace(demand github.Demand, in policy.Input, capacity int, dec policy.Decision) int {
	digest := policy.DecisionReplayDigest(policy.DecisionReplayInput{
		DecisionEngine:   policy.DecisionEngineName,
		EngineVersion:    policy.DecisionEngineVersion,
		DecisionContract: policy.DecisionContractVersion,
		RolloutMode:      string(l.cfg.RolloutMode),
		Direction:        dec.Direction.String(),
		Reason:           dec.Reason,
		Demand:           in.Demand,
		Current:          capacity,
		Target:           dec.Target,
		Score:            dec.Score,
	})
	id, err := database.LogDecision(database.DecisionTrace{
		WorkerName:    l.cfg.WorkerName,
		Direction:     dec.Direction.String(),
		Reason:        dec.Reason,
		Queued:        demand.Queued,
		InProgress:    demand.InProgress,
		Demand:        in.Demand,
		Capacity:      capacity,
		Target:        dec.Target,
		BreachScore:   dec.Score,
		Engine:        policy.DecisionEngineName,
		EngineVersion: policy.DecisionEngineVersion,
		Contract:      policy.DecisionContractVersion,
		RolloutMode:   string(l.cfg.RolloutMode),
		ReplayDigest:  digest,
	})
	if err != nil {
		log.Printf("persisting decision trace: %v", err)
		return 0
	}
	return id
}

// recordBreachStreaks keeps the per-direction streak rows current so the
// API can report pressure that has not yet cleared the evidence filter.
func (l *Loop) recordBreachStreaks(in policy.Input, capacity int, now time.Time) {
	breachedUp := float64(in.Demand) > float64(capacity)*l.cfg.UpThreshold
	breachedDown := float64(in.Demand) < float64(capacity)*l.cfg.DownThreshold

	for dir, breached := range map[policy.Direction]bool{
		policy.DirectionUp:   breachedUp,
		policy.DirectionDown: breachedDown,
	} {
		consecutive := 0
		if breached {
			prev, err := database.GetBreachStreak(dir.String())
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				log.Printf("reading breach streak: %v", err)
				continue
			}
			consecutive = prev.Consecutive + 1
		}
		score := l.scaling.Score(dir, now, l.cfg.Window, l.cfg.HalfLife)
		err := database.UpsertBreachStreak(database.BreachStreakState{
			Direction:   dir.String(),
			Consecutive: consecutive,
			Status:      database.StreakStatus(breached, score, l.cfg.BreachThreshold),
		})
		if err != nil {
			log.Printf("recording breach streak: %v", err)
		}
	}
}

func (l *Loop) tickFailed(start time.Time, err error) error {
	l.metrics.IncTickError()
	state.RecordError(err)
	l.metrics.ObserveTickLatency(time.Since(start).Seconds(), false)
	return err
}
