package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Graces domain.GraceCanceller `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	graces domain.GraceCanceller
}

func New(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("catalog.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		graces: p.Graces,
	}
}

func (s *Service) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.Plan, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}

	now := s.clock.Now()
	plan := &domain.Plan{
		ID:          s.genID.Generate(),
		Code:        code,
		Name:        name,
		Description: req.Description,
		Precedence:  req.Precedence,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertPlan(ctx, s.db, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) CreateFeature(ctx context.Context, req domain.CreateFeatureRequest) (*domain.Feature, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	if req.Kind != domain.FeatureKindFlag && req.Kind != domain.FeatureKindLimit {
		return nil, domain.ErrInvalidKind
	}

	status := domain.FeatureStatusActive
	if req.Status != nil {
		status = *req.Status
	}

	now := s.clock.Now()
	feature := &domain.Feature{
		ID:           s.genID.Generate(),
		Code:         code,
		Name:         strings.TrimSpace(req.Name),
		Kind:         req.Kind,
		DefaultBool:  req.DefaultBool,
		DefaultLimit: req.DefaultLimit,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertFeature(ctx, s.db, feature); err != nil {
		return nil, err
	}
	return feature, nil
}

func (s *Service) SetPlanFeatureValue(ctx context.Context, planCode, featureCode string, boolValue *bool, limitValue *int64) error {
	plan, err := s.repo.FindPlanByCode(ctx, s.db, strings.TrimSpace(planCode))
	if err != nil {
		return err
	}
	if plan == nil {
		return domain.ErrPlanNotFound
	}
	feature, err := s.repo.FindFeatureByCode(ctx, s.db, strings.TrimSpace(featureCode))
	if err != nil {
		return err
	}
	if feature == nil {
		return domain.ErrFeatureNotFound
	}
	if err := validateValueForKind(feature.Kind, boolValue, limitValue); err != nil {
		return err
	}

	now := s.clock.Now()
	return s.repo.UpsertPlanFeatureValue(ctx, s.db, &domain.PlanFeatureValue{
		ID:         s.genID.Generate(),
		PlanID:     plan.ID,
		FeatureID:  feature.ID,
		BoolValue:  boolValue,
		LimitValue: limitValue,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (s *Service) AssignPlan(ctx context.Context, req domain.AssignPlanRequest) (*domain.AssignPlanResponse, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrTenantNotFound
	}

	newPlan, err := s.repo.FindPlanByCode(ctx, s.db, strings.TrimSpace(req.PlanCode))
	if err != nil {
		return nil, err
	}
	if newPlan == nil {
		return nil, domain.ErrPlanNotFound
	}

	now := s.clock.Now()
	var (
		version  int64
		upgraded bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindActiveTenantPlan(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		version = 1
		if current != nil {
			if current.PlanID == newPlan.ID {
				return domain.ErrSamePlan
			}
			oldPlan, err := s.repo.FindPlanByID(ctx, tx, current.PlanID)
			if err != nil {
				return err
			}
			if oldPlan != nil {
				upgraded = newPlan.Precedence > oldPlan.Precedence
			}
			version = current.EntitlementsVersion + 1
			if err := s.repo.DeactivateTenantPlan(ctx, tx, req.TenantID); err != nil {
				return err
			}
		}
		return s.repo.InsertTenantPlan(ctx, tx, &domain.TenantPlan{
			ID:                  s.genID.Generate(),
			TenantID:            req.TenantID,
			PlanID:              newPlan.ID,
			IsActive:            true,
			EntitlementsVersion: version,
			AssignedAt:          now,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	})
	if err != nil {
		return nil, err
	}

	cancelled := 0
	if upgraded && s.graces != nil {
		cancelled, err = s.graces.CancelAllForTenant(ctx, req.TenantID, "plan_upgraded")
		if err != nil {
			// Plan switch already committed; surface the failure but leave
			// cancellation to the next enforcement cycle.
			s.log.Warn("grace period cancellation failed after upgrade",
				zap.String("tenant_id", req.TenantID.String()),
				zap.Error(err),
			)
		}
	}

	s.log.Info("catalog.plan.assigned",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("plan_code", newPlan.Code),
		zap.Int64("entitlements_version", version),
		zap.Bool("upgraded", upgraded),
		zap.Int("cancelled_grace_periods", cancelled),
	)

	return &domain.AssignPlanResponse{
		TenantID:            req.TenantID,
		PlanCode:            newPlan.Code,
		EntitlementsVersion: version,
		Upgraded:            upgraded,
		CancelledGraces:     cancelled,
		AssignedAt:          now,
	}, nil
}

func (s *Service) SetOverride(ctx context.Context, req domain.SetOverrideRequest) (*domain.TenantFeatureOverride, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrTenantNotFound
	}

	feature, err := s.repo.FindFeatureByCode(ctx, s.db, strings.TrimSpace(req.FeatureCode))
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrFeatureNotFound
	}
	if err := validateValueForKind(feature.Kind, req.BoolValue, req.LimitValue); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	override := &domain.TenantFeatureOverride{
		ID:         s.genID.Generate(),
		TenantID:   req.TenantID,
		FeatureID:  feature.ID,
		BoolValue:  req.BoolValue,
		LimitValue: req.LimitValue,
		IsActive:   req.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.repo.BumpEntitlementsVersion(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		override.EntitlementsVersion = version
		return s.repo.UpsertOverride(ctx, tx, override)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("catalog.override.set",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("feature_code", feature.Code),
		zap.Bool("active", req.Active),
		zap.Int64("entitlements_version", override.EntitlementsVersion),
	)
	return override, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return s.repo.ListPlans(ctx, s.db)
}

func (s *Service) ListTenants(ctx context.Context) ([]domain.TenantPlan, error) {
	return s.repo.ListActiveTenantPlans(ctx, s.db)
}

func validateValueForKind(kind domain.FeatureKind, boolValue *bool, limitValue *int64) error {
	switch kind {
	case domain.FeatureKindFlag:
		if boolValue == nil {
			return domain.ErrInvalidValue
		}
	case domain.FeatureKindLimit:
		if limitValue == nil || *limitValue < domain.UnlimitedValue {
			return domain.ErrInvalidValue
		}
	default:
		return domain.ErrInvalidKind
	}
	return nil
}
