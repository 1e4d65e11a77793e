// Package overlimit compares live resource counts against resolved plan
// limits and opens grace periods for the excess.
package overlimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/config"
	entitlementservice "github.com/flowline/flowline/internal/entitlement/service"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	gpservice "github.com/flowline/flowline/internal/graceperiod/service"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TenantSummary reports one tenant's detection outcome.
type TenantSummary struct {
	TenantID        snowflake.ID
	CheckedTypes    int
	Created         int
	SkippedExisting int
	Resolved        int
}

// Summary aggregates a full sweep.
type Summary struct {
	Tenants         int
	CheckedTypes    int
	Created         int
	SkippedExisting int
	Resolved        int
	Errors          int
}

// Detector runs the overlimit sweep. Detection is read-mostly: it opens
// grace periods for excess resources and resolves ones whose condition
// cleared, but never touches the resources themselves.
type Detector struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	catalog      catalogdomain.Repository
	entitlements *entitlementservice.Service
	inventory    resourcedomain.Inventory
	graces       *gpservice.Service
	policy       *config.EnforcementPolicyHolder
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Catalog      catalogdomain.Repository
	Entitlements *entitlementservice.Service
	Inventory    resourcedomain.Inventory
	Graces       *gpservice.Service
	Policy       *config.EnforcementPolicyHolder
}

func New(p Params) *Detector {
	return &Detector{
		db:           p.DB,
		log:          p.Log.Named("overlimit"),
		clock:        p.Clock,
		catalog:      p.Catalog,
		entitlements: p.Entitlements,
		inventory:    p.Inventory,
		graces:       p.Graces,
		policy:       p.Policy,
	}
}

// DetectForTenant checks every limited resource type for one tenant. Excess
// resources are the newest ones past the limit; the oldest keep working.
// Resources that already have an open grace period are skipped, so repeated
// sweeps converge instead of stacking.
func (d *Detector) DetectForTenant(ctx context.Context, tenantID snowflake.ID) (TenantSummary, error) {
	summary := TenantSummary{TenantID: tenantID}

	set, err := d.entitlements.ResolveFresh(ctx, tenantID)
	if err != nil {
		return summary, fmt.Errorf("resolve entitlements for tenant %d: %w", tenantID.Int64(), err)
	}

	policy := d.policy.Get()
	var errs []error

	for _, resourceType := range resourcedomain.AllResourceTypes() {
		limit, ok := set.Limit(resourceType.LimitFeatureCode())
		if !ok {
			continue
		}
		summary.CheckedTypes++

		if limit == catalogdomain.UnlimitedValue {
			resolved, err := d.graces.ResolveOpenForType(ctx, tenantID, resourceType)
			if err != nil {
				errs = append(errs, fmt.Errorf("resolve %s graces: %w", resourceType, err))
				continue
			}
			summary.Resolved += resolved
			continue
		}

		count, err := d.inventory.Count(ctx, tenantID, resourceType)
		if err != nil {
			errs = append(errs, fmt.Errorf("count %s: %w", resourceType, err))
			continue
		}

		if int64(count) <= limit {
			resolved, err := d.graces.ResolveOpenForType(ctx, tenantID, resourceType)
			if err != nil {
				errs = append(errs, fmt.Errorf("resolve %s graces: %w", resourceType, err))
				continue
			}
			summary.Resolved += resolved
			continue
		}

		created, skipped, err := d.flagExcess(ctx, tenantID, resourceType, limit, count, policy)
		summary.Created += created
		summary.SkippedExisting += skipped
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return summary, errors.Join(errs...)
	}
	return summary, nil
}

// flagExcess opens a grace period for each resource past the limit, keeping
// the oldest limit resources untouched.
func (d *Detector) flagExcess(ctx context.Context, tenantID snowflake.ID, resourceType resourcedomain.ResourceType, limit int64, count int, policy config.EnforcementPolicy) (created, skipped int, err error) {
	ids, err := d.inventory.ListIDsOrderedByAge(ctx, tenantID, resourceType)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s ids: %w", resourceType, err)
	}
	if int64(len(ids)) <= limit {
		return 0, 0, nil
	}
	excess := ids[limit:]

	rule := policy.RuleFor(string(resourceType))
	action := resourcedomain.Action(rule.Action)
	if !action.Valid() {
		return 0, 0, fmt.Errorf("rule for %s: %w", resourceType, resourcedomain.ErrUnknownAction)
	}
	grace := config.Days(rule.GraceDays)

	var errs []error
	for _, resourceID := range excess {
		existing, err := d.graces.FindOpen(ctx, tenantID, resourceType, resourceID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existing != nil {
			skipped++
			continue
		}

		_, err = d.graces.Open(ctx, gpservice.OpenParams{
			TenantID:     tenantID,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       action,
			GracePeriod:  grace,
			Reason:       fmt.Sprintf("over limit: %d of %d %s", count, limit, resourceType),
			Metadata: map[string]any{
				"limit": limit,
				"count": count,
			},
		})
		if err != nil {
			// A concurrent detector already opened one. Same outcome.
			if errors.Is(err, gpdomain.ErrDuplicateGracePeriod) {
				skipped++
				continue
			}
			errs = append(errs, err)
			continue
		}
		created++
	}

	if created > 0 || skipped > 0 {
		d.log.Info("overlimit.flagged",
			zap.Int64("tenant_id", tenantID.Int64()),
			zap.String("resource_type", string(resourceType)),
			zap.Int64("limit", limit),
			zap.Int("count", count),
			zap.Int("created", created),
			zap.Int("skipped_existing", skipped),
		)
	}
	if len(errs) > 0 {
		return created, skipped, errors.Join(errs...)
	}
	return created, skipped, nil
}

// DetectAllTenants sweeps every tenant with an active plan. One tenant's
// failure never aborts the sweep; errors come back joined.
func (d *Detector) DetectAllTenants(ctx context.Context) (Summary, error) {
	var summary Summary

	assignments, err := d.catalog.ListActiveTenantPlans(ctx, d.db)
	if err != nil {
		return summary, fmt.Errorf("list tenants: %w", err)
	}

	var errs []error
	for _, assignment := range assignments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		tenantSummary, err := d.DetectForTenant(ctx, assignment.TenantID)
		summary.Tenants++
		summary.CheckedTypes += tenantSummary.CheckedTypes
		summary.Created += tenantSummary.Created
		summary.SkippedExisting += tenantSummary.SkippedExisting
		summary.Resolved += tenantSummary.Resolved
		if err != nil {
			summary.Errors++
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return summary, errors.Join(errs...)
	}
	return summary, nil
}
