package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	catalogrepository "github.com/flowline/flowline/internal/catalog/repository"
	catalogservice "github.com/flowline/flowline/internal/catalog/service"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/entitlement/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

type fixture struct {
	db      *gorm.DB
	catalog catalogdomain.Service
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:entitlement%d?mode=memory&cache=shared", testDBSeq.Add(1))
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
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_tenant_plans_active ON tenant_plans(tenant_id) WHERE is_active")

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := catalogrepository.Provide()

	catalog := catalogservice.New(catalogservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repo,
	})
	svc := New(Params{
		DB: db, Log: zap.NewNop(), Clock: clk, Repo: repo,
	})
	return &fixture{db: db, catalog: catalog, svc: svc}
}

// seedCatalog sets up free (precedence 1) and pro (precedence 2) with one
// flag and one limit feature:
//
//	sso.enabled       default false, pro true
//	environments.max  default 1, free 3, pro 5
func (f *fixture) seedCatalog(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := f.catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{Code: "free", Name: "Free", Precedence: 1})
	assert.NoError(t, err)
	_, err = f.catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{Code: "pro", Name: "Pro", Precedence: 2})
	assert.NoError(t, err)

	_, err = f.catalog.CreateFeature(ctx, catalogdomain.CreateFeatureRequest{
		Code: "sso.enabled", Name: "SSO", Kind: catalogdomain.FeatureKindFlag,
	})
	assert.NoError(t, err)
	_, err = f.catalog.CreateFeature(ctx, catalogdomain.CreateFeatureRequest{
		Code: "environments.max", Name: "Max environments",
		Kind: catalogdomain.FeatureKindLimit, DefaultLimit: 1,
	})
	assert.NoError(t, err)

	enabled := true
	assert.NoError(t, f.catalog.SetPlanFeatureValue(ctx, "pro", "sso.enabled", &enabled, nil))
	freeLimit := int64(3)
	assert.NoError(t, f.catalog.SetPlanFeatureValue(ctx, "free", "environments.max", nil, &freeLimit))
	proLimit := int64(5)
	assert.NoError(t, f.catalog.SetPlanFeatureValue(ctx, "pro", "environments.max", nil, &proLimit))
}

func TestResolvePrecedence(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2001)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	set, err := f.svc.ResolveFresh(ctx, tenantID)
	assert.NoError(t, err)
	assert.Equal(t, "free", set.PlanCode)
	assert.Equal(t, int64(1), set.Version)

	// Flag has no free plan value: the feature default applies.
	sso := set.Features["sso.enabled"]
	assert.False(t, sso.Enabled)
	assert.Equal(t, domain.SourceDefault, sso.Source)

	// Limit has a plan value: it beats the default.
	envs := set.Features["environments.max"]
	assert.Equal(t, int64(3), envs.Limit)
	assert.Equal(t, domain.SourcePlan, envs.Source)

	// An active override beats both.
	overrideLimit := int64(10)
	_, err = f.catalog.SetOverride(ctx, catalogdomain.SetOverrideRequest{
		TenantID: tenantID, FeatureCode: "environments.max",
		LimitValue: &overrideLimit, Active: true,
	})
	assert.NoError(t, err)

	set, err = f.svc.ResolveFresh(ctx, tenantID)
	assert.NoError(t, err)
	envs = set.Features["environments.max"]
	assert.Equal(t, int64(10), envs.Limit)
	assert.Equal(t, domain.SourceOverride, envs.Source)
	assert.Equal(t, int64(2), set.Version, "the override bumped the version")
}

func TestResolveInactiveOverrideIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2002)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	overrideLimit := int64(10)
	_, err = f.catalog.SetOverride(ctx, catalogdomain.SetOverrideRequest{
		TenantID: tenantID, FeatureCode: "environments.max",
		LimitValue: &overrideLimit, Active: false,
	})
	assert.NoError(t, err)

	set, err := f.svc.ResolveFresh(ctx, tenantID)
	assert.NoError(t, err)
	envs := set.Features["environments.max"]
	assert.Equal(t, int64(3), envs.Limit)
	assert.Equal(t, domain.SourcePlan, envs.Source)
}

func TestResolvePlanlessTenantUsesLowestTier(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	set, err := f.svc.ResolveFresh(context.Background(), snowflake.ID(2003))
	assert.NoError(t, err)
	assert.Equal(t, "free", set.PlanCode)
	assert.Equal(t, int64(0), set.Version, "no assignment, no version history")
	assert.Equal(t, int64(3), set.Features["environments.max"].Limit)
}

func TestResolveExcludesHiddenFeatures(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	hidden := catalogdomain.FeatureStatusHidden
	_, err := f.catalog.CreateFeature(ctx, catalogdomain.CreateFeatureRequest{
		Code: "beta.thing", Kind: catalogdomain.FeatureKindFlag, Status: &hidden,
	})
	assert.NoError(t, err)

	set, err := f.svc.ResolveFresh(ctx, snowflake.ID(2004))
	assert.NoError(t, err)
	_, ok := set.Features["beta.thing"]
	assert.False(t, ok)

	_, err = f.svc.CheckFlag(ctx, snowflake.ID(2004), "beta.thing")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
}

func TestEnforceLimitBoundary(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2005)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	// Under the limit of 3.
	assert.NoError(t, f.svc.EnforceLimit(ctx, tenantID, "environments.max", 2))

	// At the limit: one more unit would exceed it.
	err = f.svc.EnforceLimit(ctx, tenantID, "environments.max", 3)
	var exceeded *domain.LimitExceededError
	assert.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(3), exceeded.Current)
	assert.Equal(t, int64(3), exceeded.Limit)
	assert.Equal(t, "pro", exceeded.MinimumPlan, "pro's limit of 5 covers 4 units")
}

func TestEnforceLimitUnlimited(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2006)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	unlimited := catalogdomain.UnlimitedValue
	_, err = f.catalog.SetOverride(ctx, catalogdomain.SetOverrideRequest{
		TenantID: tenantID, FeatureCode: "environments.max",
		LimitValue: &unlimited, Active: true,
	})
	assert.NoError(t, err)

	assert.NoError(t, f.svc.EnforceLimit(ctx, tenantID, "environments.max", 100000))
}

func TestEnforceFlagMinimumPlan(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2007)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	err = f.svc.EnforceFlag(ctx, tenantID, "sso.enabled")
	var notEntitled *domain.NotEntitledError
	assert.ErrorAs(t, err, &notEntitled)
	assert.Equal(t, "free", notEntitled.Plan)
	assert.Equal(t, "pro", notEntitled.MinimumPlan)

	// The pro tenant passes.
	f.svc.Invalidate(tenantID)
	_, err = f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "pro"})
	assert.NoError(t, err)
	f.svc.Invalidate(tenantID)
	assert.NoError(t, f.svc.EnforceFlag(ctx, tenantID, "sso.enabled"))
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()
	tenantID := snowflake.ID(2008)

	_, err := f.catalog.AssignPlan(ctx, catalogdomain.AssignPlanRequest{TenantID: tenantID, PlanCode: "free"})
	assert.NoError(t, err)

	set, err := f.svc.Resolve(ctx, tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), set.Version)

	overrideLimit := int64(10)
	_, err = f.catalog.SetOverride(ctx, catalogdomain.SetOverrideRequest{
		TenantID: tenantID, FeatureCode: "environments.max",
		LimitValue: &overrideLimit, Active: true,
	})
	assert.NoError(t, err)

	// Still served from cache.
	set, err = f.svc.Resolve(ctx, tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), set.Version)

	f.svc.Invalidate(tenantID)
	set, err = f.svc.Resolve(ctx, tenantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), set.Version)
	assert.Equal(t, int64(10), set.Features["environments.max"].Limit)
}

func TestCheckUnknownFeature(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	_, err := f.svc.CheckFlag(context.Background(), snowflake.ID(2009), "no.such.feature")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
	_, err = f.svc.CheckLimit(context.Background(), snowflake.ID(2009), "no.such.feature")
	assert.ErrorIs(t, err, domain.ErrUnknownFeature)
}
