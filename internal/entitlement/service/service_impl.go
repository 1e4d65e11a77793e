// Package service resolves effective entitlements and answers feature
// checks against them.
package service

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/cache"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service merges feature defaults, plan values and tenant overrides into an
// effective entitlement set. Precedence is override > plan value > default.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  catalogdomain.Repository
	cache cache.EntitlementCache
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  catalogdomain.Repository
	Cache cache.EntitlementCache `optional:"true"`
}

func New(p Params) *Service {
	c := p.Cache
	if c == nil {
		c = cache.NewEntitlementCache()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement"),
		clock: p.Clock,
		repo:  p.Repo,
		cache: c,
	}
}

// Resolve returns the tenant's entitlement set, serving from cache when a
// fresh entry exists.
func (s *Service) Resolve(ctx context.Context, tenantID snowflake.ID) (*domain.EntitlementSet, error) {
	if set, ok := s.cache.Get(tenantID); ok {
		return set, nil
	}
	set, err := s.ResolveFresh(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(tenantID, set)
	return set, nil
}

// ResolveFresh recomputes the entitlement set from storage, bypassing the
// cache. The whole read runs in one transaction so the plan, its values and
// the overrides are a consistent snapshot.
func (s *Service) ResolveFresh(ctx context.Context, tenantID snowflake.ID) (*domain.EntitlementSet, error) {
	var set *domain.EntitlementSet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, err := s.resolve(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		set = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Set(tenantID, set)
	return set, nil
}

// Invalidate drops the cached set so the next check re-reads storage.
func (s *Service) Invalidate(tenantID snowflake.ID) {
	s.cache.Invalidate(tenantID)
}

func (s *Service) resolve(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*domain.EntitlementSet, error) {
	var (
		plan    *catalogdomain.Plan
		version int64
	)

	assignment, err := s.repo.FindActiveTenantPlan(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if assignment != nil {
		plan, err = s.repo.FindPlanByID(ctx, tx, assignment.PlanID)
		if err != nil {
			return nil, err
		}
		version = assignment.EntitlementsVersion
	} else {
		// Tenants without an assignment resolve against the lowest tier.
		plan, err = s.repo.LowestPrecedencePlan(ctx, tx)
		if err != nil {
			return nil, err
		}
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}

	features, err := s.repo.ListFeatures(ctx, tx)
	if err != nil {
		return nil, err
	}
	planValues, err := s.repo.ListPlanFeatureValues(ctx, tx, plan.ID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.repo.ListActiveOverrides(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}

	byPlan := make(map[snowflake.ID]catalogdomain.PlanFeatureValue, len(planValues))
	for _, v := range planValues {
		byPlan[v.FeatureID] = v
	}
	byOverride := make(map[snowflake.ID]catalogdomain.TenantFeatureOverride, len(overrides))
	for _, o := range overrides {
		byOverride[o.FeatureID] = o
	}

	set := &domain.EntitlementSet{
		TenantID:   tenantID,
		PlanID:     plan.ID,
		PlanCode:   plan.Code,
		Version:    version,
		ResolvedAt: s.clock.Now(),
		Features:   make(map[string]domain.FeatureEntitlement, len(features)),
	}

	for _, f := range features {
		if f.Status == catalogdomain.FeatureStatusHidden {
			continue
		}

		fe := domain.FeatureEntitlement{
			FeatureCode: f.Code,
			Kind:        f.Kind,
			Enabled:     f.DefaultBool,
			Limit:       f.DefaultLimit,
			Source:      domain.SourceDefault,
		}
		if pv, ok := byPlan[f.ID]; ok {
			applyValue(&fe, f.Kind, pv.BoolValue, pv.LimitValue, domain.SourcePlan)
		}
		if ov, ok := byOverride[f.ID]; ok {
			applyValue(&fe, f.Kind, ov.BoolValue, ov.LimitValue, domain.SourceOverride)
		}
		set.Features[f.Code] = fe
	}

	return set, nil
}

func applyValue(fe *domain.FeatureEntitlement, kind catalogdomain.FeatureKind, boolValue *bool, limitValue *int64, source domain.Source) {
	switch kind {
	case catalogdomain.FeatureKindFlag:
		if boolValue == nil {
			return
		}
		fe.Enabled = *boolValue
	case catalogdomain.FeatureKindLimit:
		if limitValue == nil {
			return
		}
		fe.Limit = *limitValue
	default:
		return
	}
	fe.Source = source
}

// CheckFlag reports whether a flag feature is enabled for the tenant.
func (s *Service) CheckFlag(ctx context.Context, tenantID snowflake.ID, featureCode string) (bool, error) {
	set, err := s.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	enabled, ok := set.Flag(featureCode)
	if !ok {
		return false, domain.ErrUnknownFeature
	}
	return enabled, nil
}

// CheckLimit returns the effective ceiling of a limit feature.
func (s *Service) CheckLimit(ctx context.Context, tenantID snowflake.ID, featureCode string) (int64, error) {
	set, err := s.Resolve(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	limit, ok := set.Limit(featureCode)
	if !ok {
		return 0, domain.ErrUnknownFeature
	}
	return limit, nil
}

// EnforceFlag returns a NotEntitledError when the tenant's plan does not
// enable the feature. The error carries the cheapest plan that would.
func (s *Service) EnforceFlag(ctx context.Context, tenantID snowflake.ID, featureCode string) error {
	set, err := s.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	enabled, ok := set.Flag(featureCode)
	if !ok {
		return domain.ErrUnknownFeature
	}
	if enabled {
		return nil
	}

	minPlan, err := s.minimumPlanFor(ctx, featureCode, nil)
	if err != nil {
		s.log.Warn("entitlement.minimum_plan_lookup_failed",
			zap.String("feature_code", featureCode), zap.Error(err))
		minPlan = ""
	}
	return &domain.NotEntitledError{
		Feature:     featureCode,
		Plan:        set.PlanCode,
		MinimumPlan: minPlan,
	}
}

// EnforceLimit returns a LimitExceededError when adding one more unit of the
// feature would exceed the tenant's ceiling.
func (s *Service) EnforceLimit(ctx context.Context, tenantID snowflake.ID, featureCode string, current int64) error {
	set, err := s.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	limit, ok := set.Limit(featureCode)
	if !ok {
		return domain.ErrUnknownFeature
	}
	if limit == catalogdomain.UnlimitedValue || current < limit {
		return nil
	}

	needed := current + 1
	minPlan, err := s.minimumPlanFor(ctx, featureCode, &needed)
	if err != nil {
		s.log.Warn("entitlement.minimum_plan_lookup_failed",
			zap.String("feature_code", featureCode), zap.Error(err))
		minPlan = ""
	}
	return &domain.LimitExceededError{
		Feature:     featureCode,
		Current:     current,
		Limit:       limit,
		MinimumPlan: minPlan,
	}
}

// minimumPlanFor finds the lowest-precedence plan that satisfies the
// feature: enables it for flags, or covers needed units for limits. Empty
// when no plan qualifies.
func (s *Service) minimumPlanFor(ctx context.Context, featureCode string, needed *int64) (string, error) {
	feature, err := s.repo.FindFeatureByCode(ctx, s.db, featureCode)
	if err != nil {
		return "", err
	}
	if feature == nil {
		return "", nil
	}

	plans, err := s.repo.ListPlans(ctx, s.db)
	if err != nil {
		return "", err
	}
	values, err := s.repo.ListPlanValuesForFeature(ctx, s.db, feature.ID)
	if err != nil {
		return "", err
	}
	byPlan := make(map[snowflake.ID]catalogdomain.PlanFeatureValue, len(values))
	for _, v := range values {
		byPlan[v.PlanID] = v
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].Precedence < plans[j].Precedence })

	for _, plan := range plans {
		if !plan.Active {
			continue
		}
		enabled := feature.DefaultBool
		limit := feature.DefaultLimit
		if v, ok := byPlan[plan.ID]; ok {
			if v.BoolValue != nil {
				enabled = *v.BoolValue
			}
			if v.LimitValue != nil {
				limit = *v.LimitValue
			}
		}

		switch feature.Kind {
		case catalogdomain.FeatureKindFlag:
			if enabled {
				return plan.Code, nil
			}
		case catalogdomain.FeatureKindLimit:
			if limit == catalogdomain.UnlimitedValue || (needed != nil && limit >= *needed) {
				return plan.Code, nil
			}
		}
	}
	return "", nil
}
