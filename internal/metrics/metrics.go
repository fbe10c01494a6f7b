package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	tickSLOTargetSeconds  = 5.0
	applySLOTargetSeconds = 10.0
)

type latencyTracker struct {
	count      int64
	success    int64
	withinSLO  int64
	sumSeconds float64
	sloTarget  float64
}

func (l *latencyTracker) observe(seconds float64, success bool) {
	l.count++
	if success {
		l.success++
	}
	if seconds <= l.sloTarget {
		l.withinSLO++
	}
	l.sumSeconds += seconds
}

func (l *latencyTracker) complianceRatio() float64 {
	if l.count == 0 {
		return 1.0
	}
	return float64(l.withinSLO) / float64(l.count)
}

// Store accumulates loop and API counters in process and renders them in
// Prometheus text exposition format.
type Store struct {
	mu sync.Mutex

	tick  latencyTracker
	apply latencyTracker

	scaleUps        int64
	scaleDowns      int64
	cooldownBlocked int64
	atBound         int64
	conflicts       int64
	tickErrors      int64
	runnersPruned   int64

	requests     map[string]int64
	authFailures int64
}

func NewStore() *Store {
	return &Store{
		tick:     latencyTracker{sloTarget: tickSLOTargetSeconds},
		apply:    latencyTracker{sloTarget: applySLOTargetSeconds},
		requests: make(map[string]int64),
	}
}

// ObserveTickLatency records one full evaluation tick; success means the
// tick completed without collaborator errors.
func (s *Store) ObserveTickLatency(seconds float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick.observe(seconds, success)
}

// ObserveApplyLatency records one capacity apply round trip, including
// the verification read.
func (s *Store) ObserveApplyLatency(seconds float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply.observe(seconds, success)
}

func (s *Store) IncScaleUp()   { s.inc(&s.scaleUps) }
func (s *Store) IncScaleDown() { s.inc(&s.scaleDowns) }

// IncCooldownBlocked counts ticks where a triggered breach was
// suppressed by the cooldown gate.
func (s *Store) IncCooldownBlocked() { s.inc(&s.cooldownBlocked) }

// IncAtBound counts ticks where a triggered breach could not move
// capacity because it was already at a bound.
func (s *Store) IncAtBound() { s.inc(&s.atBound) }

// IncConflict counts applies that failed read-back verification.
func (s *Store) IncConflict() { s.inc(&s.conflicts) }

func (s *Store) IncTickError() { s.inc(&s.tickErrors) }

func (s *Store) AddRunnersPruned(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnersPruned += int64(n)
}

func (s *Store) IncRequest(path, method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s %s %d", method, path, status)
	s.requests[key]++
}

func (s *Store) IncAuthFailure() { s.inc(&s.authFailures) }

func (s *Store) inc(counter *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
}

// Prometheus renders the store in text exposition format. Per-endpoint
// request counters are emitted only when detailed is true; they are
// unbounded in label cardinality and mostly useful for debugging.
func (s *Store) Prometheus(detailed bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder

	writeCounter := func(name string, value int64) {
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", name, name, value)
	}

	writeCounter("runnerscale_scale_up_total", s.scaleUps)
	writeCounter("runnerscale_scale_down_total", s.scaleDowns)
	writeCounter("runnerscale_cooldown_blocked_total", s.cooldownBlocked)
	writeCounter("runnerscale_at_bound_total", s.atBound)
	writeCounter("runnerscale_apply_conflict_total", s.conflicts)
	writeCounter("runnerscale_tick_error_total", s.tickErrors)
	writeCounter("runnerscale_runners_pruned_total", s.runnersPruned)
	writeCounter("runnerscale_auth_failure_total", s.authFailures)

	writeLatency := func(prefix string, l latencyTracker) {
		fmt.Fprintf(&b, "%s_count %d\n", prefix, l.count)
		fmt.Fprintf(&b, "%s_success_total %d\n", prefix, l.success)
		fmt.Fprintf(&b, "%s_within_slo_total %d\n", prefix, l.withinSLO)
		fmt.Fprintf(&b, "%s_sum_seconds %f\n", prefix, l.sumSeconds)
	}
	writeLatency("runnerscale_tick_latency", s.tick)
	writeLatency("runnerscale_apply_latency", s.apply)

	fmt.Fprintf(&b, "runnerscale_tick_slo_compliance_ratio %f\n", s.tick.complianceRatio())
	fmt.Fprintf(&b, "runnerscale_apply_slo_compliance_ratio %f\n", s.apply.complianceRatio())
	fmt.Fprintf(&b, "runnerscale_tick_slo_target_seconds %.1f\n", s.tick.sloTarget)
	fmt.Fprintf(&b, "runnerscale_apply_slo_target_seconds %.1f\n", s.apply.sloTarget)

	if detailed {
		keys := make([]string, 0, len(s.requests))
		for k := range s.requests {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts := strings.SplitN(k, " ", 3)
			fmt.Fprintf(&b, "runnerscale_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				parts[0], parts[1], parts[2], s.requests[k])
		}
	}

	return b.String()
}
