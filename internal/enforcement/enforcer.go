// Package enforcement runs the downgrade loop: warn, enforce expired grace
// periods, then re-detect overlimit tenants.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/alert"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/config"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	gpservice "github.com/flowline/flowline/internal/graceperiod/service"
	obsmetrics "github.com/flowline/flowline/internal/observability/metrics"
	"github.com/flowline/flowline/internal/overlimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CycleSummary reports one enforcement cycle.
type CycleSummary struct {
	RunID           string `json:"run_id"`
	Warned          int    `json:"warned"`
	Checked         int    `json:"checked"`
	Enforced        int    `json:"enforced"`
	Created         int    `json:"created"`
	SkippedExisting int    `json:"skipped_existing"`
	Resolved        int    `json:"resolved"`
	ErrorCount      int    `json:"errors"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running         bool `json:"running"`
	IntervalSeconds int  `json:"interval_seconds"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.EnforcementPolicyHolder
	Graces   *gpservice.Service
	Detector *overlimit.Detector
	Executor *Executor
	Notifier alert.Notifier
	Config   Config `optional:"true"`
}

// Enforcer owns the background enforcement loop. Start and Stop are safe to
// call repeatedly; only one loop runs per Enforcer.
type Enforcer struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.EnforcementPolicyHolder
	graces   *gpservice.Service
	detector *overlimit.Detector
	executor *Executor
	notifier alert.Notifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(p Params) (*Enforcer, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.Policy == nil || p.Graces == nil || p.Detector == nil ||
		p.Executor == nil || p.Notifier == nil {
		return nil, ErrInvalidConfig
	}
	return &Enforcer{
		db:       p.DB,
		log:      p.Log.Named("enforcement").With(zap.String("component", "enforcer")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		graces:   p.Graces,
		detector: p.Detector,
		executor: p.Executor,
		notifier: p.Notifier,
	}, nil
}

// Start launches the loop. Calling Start on a running enforcer is a no-op.
func (e *Enforcer) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.runForever(ctx, e.done)
	e.log.Info("enforcer.started",
		zap.Duration("interval", e.policy.Get().Interval()))
}

// Stop cancels the loop, interrupting an inter-cycle wait, and joins it.
// Stopping a stopped enforcer is a no-op.
func (e *Enforcer) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	cancel()
	<-done
	e.log.Info("enforcer.stopped")
}

// Status reports whether the loop is running and the current interval.
func (e *Enforcer) Status() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	return Status{
		Running:         running,
		IntervalSeconds: e.policy.Get().IntervalSeconds,
	}
}

// runForever runs a cycle, then waits out the policy interval. The interval
// is re-read every lap so hot reloads take effect without a restart.
func (e *Enforcer) runForever(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := e.runCycle(ctx, obsmetrics.CycleTriggerTimer); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				e.log.Info("enforcer.cycle.skipped_concurrent")
				obsmetrics.Enforcement().IncCycleSkipped()
			} else {
				e.log.Warn("enforcer.cycle.failed", zap.Error(err))
			}
		}

		timer.Reset(e.policy.Get().Interval())
	}
}

// TriggerCycle runs one cycle synchronously, e.g. from the admin surface.
func (e *Enforcer) TriggerCycle(ctx context.Context) (CycleSummary, error) {
	return e.runCycle(ctx, obsmetrics.CycleTriggerManual)
}

func (e *Enforcer) runCycle(ctx context.Context, trigger string) (CycleSummary, error) {
	var summary CycleSummary

	run, err := e.beginJobRun(ctx, trigger)
	if err != nil {
		return summary, err
	}
	summary.RunID = run.RunID

	metrics := obsmetrics.Enforcement()
	metrics.IncCycleRun(trigger)
	log := e.log.With(zap.String("run_id", run.RunID))
	log.Info("enforcer.cycle.start", zap.String("trigger", trigger))
	start := e.clock.Now()

	var errs []error

	warned, err := e.warningSweep(ctx)
	summary.Warned = warned
	if err != nil {
		metrics.IncStageError(obsmetrics.CycleStageWarning)
		errs = append(errs, fmt.Errorf("warning sweep: %w", err))
	}

	checked, enforced, err := e.enforceExpired(ctx, log)
	summary.Checked = checked
	summary.Enforced = enforced
	if err != nil {
		metrics.IncStageError(obsmetrics.CycleStageEnforce)
		errs = append(errs, fmt.Errorf("enforce expired: %w", err))
	}

	detected, err := e.detectStage(ctx)
	summary.Created = detected.Created
	summary.SkippedExisting = detected.SkippedExisting
	summary.Resolved = detected.Resolved
	if err != nil {
		metrics.IncStageError(obsmetrics.CycleStageDetect)
		errs = append(errs, fmt.Errorf("detect: %w", err))
	}

	cycleErr := errors.Join(errs...)
	summary.ErrorCount = len(errs) + detected.Errors

	e.finishJobRun(ctx, run, summary, cycleErr)

	log.Info("enforcer.cycle.finish",
		zap.Int64("duration_ms", e.clock.Now().Sub(start).Milliseconds()),
		zap.Int("warned", summary.Warned),
		zap.Int("checked", summary.Checked),
		zap.Int("enforced", summary.Enforced),
		zap.Int("created", summary.Created),
		zap.Int("skipped_existing", summary.SkippedExisting),
		zap.Int("resolved", summary.Resolved),
		zap.Int("errors", summary.ErrorCount),
	)
	return summary, cycleErr
}

// warningSweep moves ACTIVE grace periods inside the lead window to WARNING
// and notifies their tenants.
func (e *Enforcer) warningSweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	metrics := obsmetrics.Enforcement()
	stageStart := e.clock.Now()
	defer func() {
		metrics.ObserveStageDuration(obsmetrics.CycleStageWarning, e.clock.Now().Sub(stageStart))
	}()

	due, err := e.graces.ListDueForWarning(ctx, e.clock.Now(), e.policy.Get().WarningLead(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	warned := 0
	var errs []error
	for i := range due {
		gp := &due[i]
		err := e.graces.Transition(ctx, gp.ID, gpdomain.StatusActive, gpdomain.StatusWarning)
		if err != nil {
			if errors.Is(err, gpdomain.ErrStaleTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		metrics.IncGraceTransition(gpdomain.StatusActive, gpdomain.StatusWarning)
		e.notifier.GracePeriodWarning(ctx, gp)
		warned++
	}
	if len(errs) > 0 {
		return warned, errors.Join(errs...)
	}
	return warned, nil
}

// enforceExpired marks due grace periods EXPIRED, applies their actions, and
// resolves the ones whose action stuck. A failed action leaves the row
// EXPIRED for the next cycle.
func (e *Enforcer) enforceExpired(ctx context.Context, log *zap.Logger) (checked, enforced int, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	metrics := obsmetrics.Enforcement()
	stageStart := e.clock.Now()
	defer func() {
		metrics.ObserveStageDuration(obsmetrics.CycleStageEnforce, e.clock.Now().Sub(stageStart))
	}()

	due, err := e.graces.ListExpired(ctx, e.clock.Now(), e.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}

	var errs []error
	for i := range due {
		gp := &due[i]
		checked++

		if gp.Status != gpdomain.StatusExpired {
			err := e.graces.Transition(ctx, gp.ID, gp.Status, gpdomain.StatusExpired)
			if err != nil {
				// Another cycle or a cancel got there first.
				if errors.Is(err, gpdomain.ErrStaleTransition) {
					continue
				}
				errs = append(errs, err)
				continue
			}
			metrics.IncGraceTransition(gp.Status, gpdomain.StatusExpired)
		}

		if err := e.executor.Execute(ctx, gp); err != nil {
			log.Warn("enforcer.action.failed",
				zap.Int64("grace_period_id", gp.ID.Int64()),
				zap.String("action", string(gp.Action)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}

		err := e.graces.Transition(ctx, gp.ID, gpdomain.StatusExpired, gpdomain.StatusResolved)
		if err != nil && !errors.Is(err, gpdomain.ErrStaleTransition) {
			errs = append(errs, err)
			continue
		}
		metrics.IncGraceTransition(gpdomain.StatusExpired, gpdomain.StatusResolved)
		enforced++
	}

	if len(errs) > 0 {
		return checked, enforced, errors.Join(errs...)
	}
	return checked, enforced, nil
}

func (e *Enforcer) detectStage(ctx context.Context) (overlimit.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	metrics := obsmetrics.Enforcement()
	stageStart := e.clock.Now()
	defer func() {
		metrics.ObserveStageDuration(obsmetrics.CycleStageDetect, e.clock.Now().Sub(stageStart))
	}()

	summary, err := e.detector.DetectAllTenants(ctx)
	for i := 0; i < summary.Created; i++ {
		metrics.IncGraceOpened()
	}
	return summary, err
}
