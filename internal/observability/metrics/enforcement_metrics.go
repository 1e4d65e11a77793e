// Package metrics exposes Prometheus instruments for the enforcement engine.
package metrics

import (
	"strings"
	"sync"
	"time"

	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	CycleTriggerTimer  = "timer"
	CycleTriggerManual = "manual"
)

const (
	CycleStageWarning = "warning_sweep"
	CycleStageEnforce = "enforce_expired"
	CycleStageDetect  = "detect"
)

// Config carries the constant labels stamped on every instrument.
type Config struct {
	ServiceName string
	Environment string
}

// EnforcementMetrics captures enforcement loop health signals.
type EnforcementMetrics struct {
	cycleRuns        *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	stageErrors      *prometheus.CounterVec
	graceTransitions *prometheus.CounterVec
	gracesOpened     prometheus.Counter
	actionsApplied   *prometheus.CounterVec
	cyclesSkipped    prometheus.Counter
}

var (
	enforcementMetricsOnce sync.Once
	enforcementMetrics     *EnforcementMetrics
)

// Enforcement returns the singleton enforcement metrics registry.
func Enforcement() *EnforcementMetrics {
	return EnforcementWithConfig(Config{})
}

// EnforcementWithConfig returns the singleton using config labels.
func EnforcementWithConfig(cfg Config) *EnforcementMetrics {
	enforcementMetricsOnce.Do(func() {
		enforcementMetrics = newEnforcementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return enforcementMetrics
}

// ResetEnforcementMetricsForTest resets the singleton for tests.
func ResetEnforcementMetricsForTest() {
	enforcementMetricsOnce = sync.Once{}
	enforcementMetrics = nil
}

func newEnforcementMetrics(registerer prometheus.Registerer, cfg Config) *EnforcementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "flowline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	cycleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "flowline_enforcement_cycle_runs_total",
		Help:        "Enforcement cycles by trigger.",
		ConstLabels: constLabels,
	}, []string{"trigger"})
	cycleDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "flowline_enforcement_stage_duration_seconds",
		Help:        "Enforcement cycle stage latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	}, []string{"stage"})
	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "flowline_enforcement_stage_errors_total",
		Help:        "Enforcement cycle errors by stage.",
		ConstLabels: constLabels,
	}, []string{"stage"})
	graceTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "flowline_grace_period_transitions_total",
		Help:        "Grace period lifecycle transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	gracesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "flowline_grace_periods_opened_total",
		Help:        "Grace periods opened by the overlimit detector.",
		ConstLabels: constLabels,
	})
	actionsApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "flowline_enforcement_actions_total",
		Help:        "Downgrade actions applied, by action.",
		ConstLabels: constLabels,
	}, []string{"action"})
	cyclesSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "flowline_enforcement_cycles_skipped_total",
		Help:        "Cycles skipped because another run held the job guard.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		cycleRuns,
		cycleDuration,
		stageErrors,
		graceTransitions,
		gracesOpened,
		actionsApplied,
		cyclesSkipped,
	)

	return &EnforcementMetrics{
		cycleRuns:        cycleRuns,
		cycleDuration:    cycleDuration,
		stageErrors:      stageErrors,
		graceTransitions: graceTransitions,
		gracesOpened:     gracesOpened,
		actionsApplied:   actionsApplied,
		cyclesSkipped:    cyclesSkipped,
	}
}

// IncCycleRun counts one cycle for the given trigger.
func (m *EnforcementMetrics) IncCycleRun(trigger string) {
	if m == nil || m.cycleRuns == nil {
		return
	}
	m.cycleRuns.WithLabelValues(trigger).Inc()
}

// ObserveStageDuration records one stage's latency.
func (m *EnforcementMetrics) ObserveStageDuration(stage string, duration time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncStageError counts one stage failure.
func (m *EnforcementMetrics) IncStageError(stage string) {
	if m == nil || m.stageErrors == nil {
		return
	}
	m.stageErrors.WithLabelValues(stage).Inc()
}

// IncGraceTransition counts a lifecycle transition.
func (m *EnforcementMetrics) IncGraceTransition(from, to gpdomain.Status) {
	if m == nil || m.graceTransitions == nil {
		return
	}
	m.graceTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncGraceOpened counts one newly opened grace period.
func (m *EnforcementMetrics) IncGraceOpened() {
	if m == nil || m.gracesOpened == nil {
		return
	}
	m.gracesOpened.Inc()
}

// IncActionApplied counts one successfully applied downgrade action.
func (m *EnforcementMetrics) IncActionApplied(action string) {
	if m == nil || m.actionsApplied == nil {
		return
	}
	m.actionsApplied.WithLabelValues(action).Inc()
}

// IncCycleSkipped counts a cycle refused by the job-run guard.
func (m *EnforcementMetrics) IncCycleSkipped() {
	if m == nil || m.cyclesSkipped == nil {
		return
	}
	m.cyclesSkipped.Inc()
}
