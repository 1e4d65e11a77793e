package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (id, code, name, description, precedence, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.Description,
		plan.Precedence,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, description, precedence, active, created_at, updated_at
		 FROM plans WHERE code = ?`,
		code,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, description, precedence, active, created_at, updated_at
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, description, precedence, active, created_at, updated_at
		 FROM plans WHERE active ORDER BY precedence ASC`,
	).Scan(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) LowestPrecedencePlan(ctx context.Context, db *gorm.DB) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, description, precedence, active, created_at, updated_at
		 FROM plans WHERE active ORDER BY precedence ASC LIMIT 1`,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) InsertFeature(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO features (id, code, name, kind, default_bool, default_limit, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feature.ID,
		feature.Code,
		feature.Name,
		feature.Kind,
		feature.DefaultBool,
		feature.DefaultLimit,
		feature.Status,
		feature.Metadata,
		feature.CreatedAt,
		feature.UpdatedAt,
	).Error
}

func (r *repo) FindFeatureByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Feature, error) {
	var feature domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, kind, default_bool, default_limit, status, metadata, created_at, updated_at
		 FROM features WHERE code = ?`,
		code,
	).Scan(&feature).Error
	if err != nil {
		return nil, err
	}
	if feature.ID == 0 {
		return nil, nil
	}
	return &feature, nil
}

func (r *repo) ListFeatures(ctx context.Context, db *gorm.DB) ([]domain.Feature, error) {
	var features []domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, kind, default_bool, default_limit, status, metadata, created_at, updated_at
		 FROM features ORDER BY code ASC`,
	).Scan(&features).Error
	if err != nil {
		return nil, err
	}
	return features, nil
}

func (r *repo) UpsertPlanFeatureValue(ctx context.Context, db *gorm.DB, value *domain.PlanFeatureValue) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE plan_feature_values
		 SET bool_value = ?, limit_value = ?, updated_at = ?
		 WHERE plan_id = ? AND feature_id = ?`,
		value.BoolValue,
		value.LimitValue,
		value.UpdatedAt,
		value.PlanID,
		value.FeatureID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_feature_values (id, plan_id, feature_id, bool_value, limit_value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		value.ID,
		value.PlanID,
		value.FeatureID,
		value.BoolValue,
		value.LimitValue,
		value.CreatedAt,
		value.UpdatedAt,
	).Error
}

func (r *repo) ListPlanFeatureValues(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]domain.PlanFeatureValue, error) {
	var values []domain.PlanFeatureValue
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, feature_id, bool_value, limit_value, created_at, updated_at
		 FROM plan_feature_values WHERE plan_id = ?`,
		planID,
	).Scan(&values).Error
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (r *repo) ListPlanValuesForFeature(ctx context.Context, db *gorm.DB, featureID snowflake.ID) ([]domain.PlanFeatureValue, error) {
	var values []domain.PlanFeatureValue
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, feature_id, bool_value, limit_value, created_at, updated_at
		 FROM plan_feature_values WHERE feature_id = ?`,
		featureID,
	).Scan(&values).Error
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (r *repo) UpsertOverride(ctx context.Context, db *gorm.DB, override *domain.TenantFeatureOverride) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_feature_overrides
		 SET bool_value = ?, limit_value = ?, is_active = ?, entitlements_version = ?, updated_at = ?
		 WHERE tenant_id = ? AND feature_id = ?`,
		override.BoolValue,
		override.LimitValue,
		override.IsActive,
		override.EntitlementsVersion,
		override.UpdatedAt,
		override.TenantID,
		override.FeatureID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenant_feature_overrides (id, tenant_id, feature_id, bool_value, limit_value, is_active, entitlements_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		override.ID,
		override.TenantID,
		override.FeatureID,
		override.BoolValue,
		override.LimitValue,
		override.IsActive,
		override.EntitlementsVersion,
		override.CreatedAt,
		override.UpdatedAt,
	).Error
}

func (r *repo) ListActiveOverrides(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.TenantFeatureOverride, error) {
	var overrides []domain.TenantFeatureOverride
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, feature_id, bool_value, limit_value, is_active, entitlements_version, created_at, updated_at
		 FROM tenant_feature_overrides WHERE tenant_id = ? AND is_active`,
		tenantID,
	).Scan(&overrides).Error
	if err != nil {
		return nil, err
	}
	return overrides, nil
}

func (r *repo) FindActiveTenantPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.TenantPlan, error) {
	var assignment domain.TenantPlan
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, plan_id, is_active, entitlements_version, assigned_at, created_at, updated_at
		 FROM tenant_plans WHERE tenant_id = ? AND is_active`,
		tenantID,
	).Scan(&assignment).Error
	if err != nil {
		return nil, err
	}
	if assignment.ID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) DeactivateTenantPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenant_plans SET is_active = ?, updated_at = ? WHERE tenant_id = ? AND is_active`,
		false,
		time.Now().UTC(),
		tenantID,
	).Error
}

func (r *repo) InsertTenantPlan(ctx context.Context, db *gorm.DB, assignment *domain.TenantPlan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tenant_plans (id, tenant_id, plan_id, is_active, entitlements_version, assigned_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		assignment.ID,
		assignment.TenantID,
		assignment.PlanID,
		assignment.IsActive,
		assignment.EntitlementsVersion,
		assignment.AssignedAt,
		assignment.CreatedAt,
		assignment.UpdatedAt,
	).Error
}

func (r *repo) BumpEntitlementsVersion(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_plans
		 SET entitlements_version = entitlements_version + 1, updated_at = ?
		 WHERE tenant_id = ? AND is_active`,
		time.Now().UTC(),
		tenantID,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrTenantNotFound
	}
	var version int64
	err := db.WithContext(ctx).Raw(
		`SELECT entitlements_version FROM tenant_plans WHERE tenant_id = ? AND is_active`,
		tenantID,
	).Scan(&version).Error
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *repo) ListActiveTenantPlans(ctx context.Context, db *gorm.DB) ([]domain.TenantPlan, error) {
	var assignments []domain.TenantPlan
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, plan_id, is_active, entitlements_version, assigned_at, created_at, updated_at
		 FROM tenant_plans WHERE is_active ORDER BY tenant_id ASC`,
	).Scan(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}
