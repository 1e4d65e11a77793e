package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	catalogrepository "github.com/flowline/flowline/internal/catalog/repository"
	catalogservice "github.com/flowline/flowline/internal/catalog/service"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/config"
	entitlementservice "github.com/flowline/flowline/internal/entitlement/service"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	gprepository "github.com/flowline/flowline/internal/graceperiod/repository"
	gpservice "github.com/flowline/flowline/internal/graceperiod/service"
	obsmetrics "github.com/flowline/flowline/internal/observability/metrics"
	"github.com/flowline/flowline/internal/overlimit"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	resourcerepository "github.com/flowline/flowline/internal/resource/repository"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var enforcerDBSeq atomic.Int64

type fixture struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	catalog  catalogdomain.Service
	graces   *gpservice.Service
	ctrl     *mockController
	notifier *mockNotifier
	enforcer *Enforcer
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetEnforcementMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetEnforcementMetricsForTest()
	})

	dsn := fmt.Sprintf("file:enforcer%d?mode=memory&cache=shared", enforcerDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&catalogdomain.Plan{},
		&catalogdomain.Feature{},
		&catalogdomain.PlanFeatureValue{},
		&catalogdomain.TenantFeatureOverride{},
		&catalogdomain.TenantPlan{},
		&gpdomain.GracePeriod{},
		&resourcedomain.Resource{},
		&JobRun{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_tenant_plans_active ON tenant_plans(tenant_id) WHERE is_active")
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_grace_periods_open
		ON grace_periods(tenant_id, resource_type, resource_id)
		WHERE status IN ('ACTIVE', 'WARNING')`)
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_enforcement_job_runs_running
		ON enforcement_job_runs(job)
		WHERE status = 'running'`)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	catalogRepo := catalogrepository.Provide()

	catalog := catalogservice.New(catalogservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: catalogRepo,
	})
	entitlements := entitlementservice.New(entitlementservice.Params{
		DB: db, Log: zap.NewNop(), Clock: clk, Repo: catalogRepo,
	})
	graces := gpservice.New(gpservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: gprepository.Provide(),
	})
	policy, err := config.NewEnforcementPolicyHolder()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	detector := overlimit.New(overlimit.Params{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        clk,
		Catalog:      catalogRepo,
		Entitlements: entitlements,
		Inventory:    resourcerepository.ProvideInventory(db),
		Graces:       graces,
		Policy:       policy,
	})

	ctrl := new(mockController)
	notifier := new(mockNotifier)
	executor := NewExecutor(zap.NewNop(), ctrl, notifier)

	enforcer, err := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Policy:   policy,
		Graces:   graces,
		Detector: detector,
		Executor: executor,
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}

	return &fixture{
		db:       db,
		clk:      clk,
		catalog:  catalog,
		graces:   graces,
		ctrl:     ctrl,
		notifier: notifier,
		enforcer: enforcer,
		registry: registry,
	}
}

// seedOverLimitTenant puts the tenant on free (environments.max = 3) with
// five environments.
func (f *fixture) seedOverLimitTenant(t *testing.T, tenantID snowflake.ID) {
	t.Helper()
	ctx := context.Background()

	_, err := f.catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{Code: "free", Name: "Free", Precedence: 1})
	assert.NoError(t, err)
	_, err = f.catalog.CreateFeature(ctx, catalogdomain.CreateFeatureRequest{
		Code: "environments.max", Name: "Max environments",
		Kind: catalogdomain.FeatureKindLimit, DefaultLimit: 3,
	})
	assert.NoError(t, err)
	_, err = f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	base := f.clk.Now().Add(-24 * time.Hour)
	for i := 0; i < 5; i++ {
		res := resourcedomain.Resource{
			ID:        snowflake.ID(tenantID.Int64()*100 + int64(i) + 1),
			TenantID:  tenantID,
			Type:      resourcedomain.ResourceTypeEnvironment,
			Name:      fmt.Sprintf("env-%d", i+1),
			Status:    resourcedomain.ResourceStatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		assert.NoError(t, f.db.Create(&res).Error)
	}
}

func TestCycleDetectWarnEnforce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(5001)
	f.seedOverLimitTenant(t, tenantID)

	f.notifier.On("GracePeriodWarning", mock.Anything, mock.Anything).Return()
	f.notifier.On("ActionNotice", mock.Anything, mock.Anything).Return()
	f.ctrl.On("Apply", mock.Anything, resourcedomain.ResourceTypeEnvironment, mock.Anything, resourcedomain.ActionReadOnly).Return(nil)

	// Detection opens grace periods for the two newest environments.
	summary, err := f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Warned)

	labels := map[string]string{"service": "flowline", "env": "unknown", "trigger": obsmetrics.CycleTriggerManual}
	assert.Equal(t, 1.0, getCounterValue(t, f.registry, "flowline_enforcement_cycle_runs_total", labels))

	// Eight days in: the 14-day grace periods enter the 7-day warning window.
	f.clk.Advance(8 * 24 * time.Hour)
	summary, err = f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.Warned)
	assert.Equal(t, 2, summary.SkippedExisting)
	f.notifier.AssertNumberOfCalls(t, "GracePeriodWarning", 2)

	// Day 15: past the deadline, actions apply and the periods resolve.
	f.clk.Advance(7 * 24 * time.Hour)
	summary, err = f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 2, summary.Enforced)
	f.notifier.AssertNumberOfCalls(t, "ActionNotice", 2)

	resolved, err := f.graces.ListForTenant(ctx, tenantID, []gpdomain.Status{gpdomain.StatusResolved})
	assert.NoError(t, err)
	assert.Len(t, resolved, 2)

	// The mock controller did not shrink the count, so detection flags the
	// still-present excess again.
	assert.Equal(t, 2, summary.Created)
}

func TestCycleRetriesFailedAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(5002)

	gp, err := f.graces.Open(ctx, gpservice.OpenParams{
		TenantID:     tenantID,
		ResourceType: resourcedomain.ResourceTypeWorkflow,
		ResourceID:   9001,
		Action:       resourcedomain.ActionDisable,
		GracePeriod:  time.Hour,
		Reason:       "over limit: 6 of 5 WORKFLOW",
	})
	assert.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	f.notifier.On("GracePeriodWarning", mock.Anything, mock.Anything).Return()
	f.notifier.On("ActionNotice", mock.Anything, mock.Anything).Return()
	f.ctrl.On("Apply", mock.Anything, gp.ResourceType, gp.ResourceID, gp.Action).Return(errors.New("platform api down")).Once()
	f.ctrl.On("Apply", mock.Anything, gp.ResourceType, gp.ResourceID, gp.Action).Return(nil)

	// First cycle: the action fails, the period stays EXPIRED.
	summary, err := f.enforcer.TriggerCycle(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 0, summary.Enforced)

	rows, err := f.graces.ListForTenant(ctx, tenantID, []gpdomain.Status{gpdomain.StatusExpired})
	assert.NoError(t, err)
	assert.Len(t, rows, 1)

	// Next cycle picks the EXPIRED row back up and succeeds.
	summary, err = f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Enforced)

	rows, err = f.graces.ListForTenant(ctx, tenantID, []gpdomain.Status{gpdomain.StatusResolved})
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCycleGuardRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another process holds the guard.
	err := f.db.Exec(`
		INSERT INTO enforcement_job_runs
			(id, job, run_id, status, triggered_by, started_at,
			 warned, checked, enforced, created, skipped_existing, resolved, errors, error)
		VALUES (?, ?, ?, 'running', 'timer', ?, 0, 0, 0, 0, 0, 0, 0, '')
	`, 1, enforcementJobName, "01TESTRUN", f.clk.Now()).Error
	assert.NoError(t, err)

	_, err = f.enforcer.TriggerCycle(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Past the recovery threshold the stale holder is failed over.
	f.clk.Advance(16 * time.Minute)
	summary, err := f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)

	var status string
	assert.NoError(t, f.db.Raw("SELECT status FROM enforcement_job_runs WHERE id = 1").Scan(&status).Error)
	assert.Equal(t, "failed", status)
}

func TestCycleRecordsJobRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := snowflake.ID(5003)
	f.seedOverLimitTenant(t, tenantID)

	summary, err := f.enforcer.TriggerCycle(ctx)
	assert.NoError(t, err)

	var run JobRun
	assert.NoError(t, f.db.Raw("SELECT * FROM enforcement_job_runs WHERE run_id = ?", summary.RunID).Scan(&run).Error)
	assert.Equal(t, JobRunStatusSucceeded, run.Status)
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, summary.Created, run.Created)
	assert.NotNil(t, run.FinishedAt)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.enforcer.Status().Running)

	f.enforcer.Start()
	f.enforcer.Start() // second Start is a no-op
	status := f.enforcer.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 300, status.IntervalSeconds)

	f.enforcer.Stop()
	assert.False(t, f.enforcer.Status().Running)
	f.enforcer.Stop() // second Stop is a no-op
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
