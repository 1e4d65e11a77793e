package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/graceperiod/domain"
	"github.com/flowline/flowline/internal/graceperiod/repository"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:graceperiod%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.GracePeriod{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// The open-uniqueness constraint lives in the SQL migration; recreate it
	// here so duplicate detection behaves like production.
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_grace_periods_open
		ON grace_periods(tenant_id, resource_type, resource_id)
		WHERE status IN ('ACTIVE', 'WARNING')`)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk
}

func openParams(tenantID, resourceID snowflake.ID, grace time.Duration) OpenParams {
	return OpenParams{
		TenantID:     tenantID,
		ResourceType: resourcedomain.ResourceTypeEnvironment,
		ResourceID:   resourceID,
		Action:       resourcedomain.ActionReadOnly,
		GracePeriod:  grace,
		Reason:       "over limit: 5 of 3 ENVIRONMENT",
	}
}

func TestOpenSetsDeadline(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	gp, err := svc.Open(ctx, openParams(3001, 1, 14*24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusActive, gp.Status)
	assert.Equal(t, clk.Now(), gp.StartsAt)
	assert.Equal(t, clk.Now().Add(14*24*time.Hour), gp.ExpiresAt)
}

func TestOpenDuplicateRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, openParams(3002, 1, time.Hour))
	assert.NoError(t, err)

	_, err = svc.Open(ctx, openParams(3002, 1, time.Hour))
	assert.ErrorIs(t, err, domain.ErrDuplicateGracePeriod)

	// A period in a terminal state no longer blocks a new one.
	open, err := svc.FindOpen(ctx, 3002, resourcedomain.ResourceTypeEnvironment, 1)
	assert.NoError(t, err)
	assert.NoError(t, svc.Transition(ctx, open.ID, domain.StatusActive, domain.StatusResolved))

	_, err = svc.Open(ctx, openParams(3002, 1, time.Hour))
	assert.NoError(t, err)
}

func TestTransitionStale(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	gp, err := svc.Open(ctx, openParams(3003, 1, time.Hour))
	assert.NoError(t, err)

	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusActive, domain.StatusWarning))

	// The row moved on; the optimistic predicate no longer matches.
	err = svc.Transition(ctx, gp.ID, domain.StatusActive, domain.StatusExpired)
	assert.ErrorIs(t, err, domain.ErrStaleTransition)
}

func TestTransitionInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	gp, err := svc.Open(ctx, openParams(3004, 1, time.Hour))
	assert.NoError(t, err)

	err = svc.Transition(ctx, gp.ID, domain.StatusResolved, domain.StatusActive)
	var ite *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestTransitionStampsTimestamps(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	gp, err := svc.Open(ctx, openParams(3005, 1, time.Hour))
	assert.NoError(t, err)

	clk.Advance(10 * time.Minute)
	warnedAt := clk.Now()
	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusActive, domain.StatusWarning))

	clk.Advance(50 * time.Minute)
	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusWarning, domain.StatusExpired))
	clk.Advance(time.Minute)
	resolvedAt := clk.Now()
	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusExpired, domain.StatusResolved))

	rows, err := svc.ListForTenant(ctx, 3005, nil)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, domain.StatusResolved, rows[0].Status)
	assert.NotNil(t, rows[0].WarnedAt)
	assert.Equal(t, warnedAt.Unix(), rows[0].WarnedAt.Unix())
	assert.NotNil(t, rows[0].ResolvedAt)
	assert.Equal(t, resolvedAt.Unix(), rows[0].ResolvedAt.Unix())
}

func TestListExpiredIncludesFailedEnforcement(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	gp, err := svc.Open(ctx, openParams(3006, 1, time.Hour))
	assert.NoError(t, err)
	_, err = svc.Open(ctx, openParams(3006, 2, 48*time.Hour))
	assert.NoError(t, err)

	clk.Advance(2 * time.Hour)

	due, err := svc.ListExpired(ctx, clk.Now(), 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, gp.ID, due[0].ID)

	// An EXPIRED row with a failed action stays in the queue.
	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusActive, domain.StatusExpired))
	due, err = svc.ListExpired(ctx, clk.Now(), 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)

	// A resolved row leaves it.
	assert.NoError(t, svc.Transition(ctx, gp.ID, domain.StatusExpired, domain.StatusResolved))
	due, err = svc.ListExpired(ctx, clk.Now(), 10)
	assert.NoError(t, err)
	assert.Len(t, due, 0)
}

func TestListDueForWarning(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	near, err := svc.Open(ctx, openParams(3007, 1, 3*24*time.Hour))
	assert.NoError(t, err)
	_, err = svc.Open(ctx, openParams(3007, 2, 30*24*time.Hour))
	assert.NoError(t, err)

	due, err := svc.ListDueForWarning(ctx, clk.Now(), 7*24*time.Hour, 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, near.ID, due[0].ID)

	// Already-warned rows are not picked up again.
	assert.NoError(t, svc.Transition(ctx, near.ID, domain.StatusActive, domain.StatusWarning))
	due, err = svc.ListDueForWarning(ctx, clk.Now(), 7*24*time.Hour, 10)
	assert.NoError(t, err)
	assert.Len(t, due, 0)
}

func TestResolveOpenForType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, openParams(3008, 1, time.Hour))
	assert.NoError(t, err)
	warned, err := svc.Open(ctx, openParams(3008, 2, time.Hour))
	assert.NoError(t, err)
	assert.NoError(t, svc.Transition(ctx, warned.ID, domain.StatusActive, domain.StatusWarning))

	// Another type's period is untouched.
	other, err := svc.Open(ctx, OpenParams{
		TenantID:     3008,
		ResourceType: resourcedomain.ResourceTypeWorkflow,
		ResourceID:   9,
		Action:       resourcedomain.ActionDisable,
		GracePeriod:  time.Hour,
	})
	assert.NoError(t, err)

	resolved, err := svc.ResolveOpenForType(ctx, 3008, resourcedomain.ResourceTypeEnvironment)
	assert.NoError(t, err)
	assert.Equal(t, 2, resolved)

	remaining, err := svc.ListForTenant(ctx, 3008, []domain.Status{domain.StatusActive, domain.StatusWarning})
	assert.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, other.ID, remaining[0].ID)
}

func TestCancelAllForTenant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	active, err := svc.Open(ctx, openParams(3009, 1, time.Hour))
	assert.NoError(t, err)
	warned, err := svc.Open(ctx, openParams(3009, 2, time.Hour))
	assert.NoError(t, err)
	assert.NoError(t, svc.Transition(ctx, warned.ID, domain.StatusActive, domain.StatusWarning))
	expired, err := svc.Open(ctx, openParams(3009, 3, time.Hour))
	assert.NoError(t, err)
	assert.NoError(t, svc.Transition(ctx, expired.ID, domain.StatusActive, domain.StatusExpired))
	done, err := svc.Open(ctx, openParams(3009, 4, time.Hour))
	assert.NoError(t, err)
	assert.NoError(t, svc.Transition(ctx, done.ID, domain.StatusActive, domain.StatusResolved))

	// A different tenant's period stays open.
	_, err = svc.Open(ctx, openParams(3010, 1, time.Hour))
	assert.NoError(t, err)

	cancelled, err := svc.CancelAllForTenant(ctx, 3009, "plan_upgraded")
	assert.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	rows, err := svc.ListForTenant(ctx, 3009, []domain.Status{domain.StatusCancelled})
	assert.NoError(t, err)
	assert.Len(t, rows, 3)
	for _, gp := range rows {
		assert.Equal(t, "plan_upgraded", gp.Reason)
		assert.NotNil(t, gp.ResolvedAt)
	}
	assert.Equal(t, domain.StatusResolved, mustFind(t, svc, ctx, active.TenantID, done.ID).Status)

	other, err := svc.ListForTenant(ctx, 3010, []domain.Status{domain.StatusActive})
	assert.NoError(t, err)
	assert.Len(t, other, 1)
}

func mustFind(t *testing.T, svc *Service, ctx context.Context, tenantID snowflake.ID, id snowflake.ID) *domain.GracePeriod {
	t.Helper()
	rows, err := svc.ListForTenant(ctx, tenantID, nil)
	assert.NoError(t, err)
	for i := range rows {
		if rows[i].ID == id {
			return &rows[i]
		}
	}
	t.Fatalf("grace period %d not found", id.Int64())
	return nil
}
