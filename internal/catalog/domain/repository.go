package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	ListPlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
	LowestPrecedencePlan(ctx context.Context, db *gorm.DB) (*Plan, error)

	InsertFeature(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindFeatureByCode(ctx context.Context, db *gorm.DB, code string) (*Feature, error)
	ListFeatures(ctx context.Context, db *gorm.DB) ([]Feature, error)

	UpsertPlanFeatureValue(ctx context.Context, db *gorm.DB, value *PlanFeatureValue) error
	ListPlanFeatureValues(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]PlanFeatureValue, error)
	ListPlanValuesForFeature(ctx context.Context, db *gorm.DB, featureID snowflake.ID) ([]PlanFeatureValue, error)

	UpsertOverride(ctx context.Context, db *gorm.DB, override *TenantFeatureOverride) error
	ListActiveOverrides(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]TenantFeatureOverride, error)

	FindActiveTenantPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantPlan, error)
	DeactivateTenantPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error
	InsertTenantPlan(ctx context.Context, db *gorm.DB, assignment *TenantPlan) error
	BumpEntitlementsVersion(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error)
	ListActiveTenantPlans(ctx context.Context, db *gorm.DB) ([]TenantPlan, error)
}
