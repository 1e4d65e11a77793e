// Package domain contains persistence models for the plan/feature catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Plan is a sellable tier. Precedence orders plans from lowest to highest;
// a move to a lower precedence is a downgrade.
type Plan struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Code        string       `gorm:"type:text;not null;uniqueIndex:ux_plans_code"`
	Name        string       `gorm:"type:text;not null"`
	Description *string      `gorm:"type:text"`
	Precedence  int          `gorm:"not null;uniqueIndex:ux_plans_precedence"`
	Active      bool         `gorm:"not null;default:true"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Plan) TableName() string { return "plans" }

// FeatureKind distinguishes boolean gates from numeric limits.
type FeatureKind string

const (
	FeatureKindFlag  FeatureKind = "flag"
	FeatureKindLimit FeatureKind = "limit"
)

type FeatureStatus string

const (
	FeatureStatusActive     FeatureStatus = "active"
	FeatureStatusDeprecated FeatureStatus = "deprecated"
	FeatureStatusHidden     FeatureStatus = "hidden"
)

// UnlimitedValue marks a limit feature as unbounded.
const UnlimitedValue int64 = -1

// Feature is a plan-gated capability or quota.
type Feature struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	Code         string            `gorm:"type:text;not null;uniqueIndex:ux_features_code"`
	Name         string            `gorm:"type:text;not null"`
	Kind         FeatureKind       `gorm:"column:kind;type:text;not null"`
	DefaultBool  bool              `gorm:"not null;default:false"`
	DefaultLimit int64             `gorm:"not null;default:0"`
	Status       FeatureStatus     `gorm:"type:text;not null;default:'active'"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }

// PlanFeatureValue overrides a feature's default for one plan. Absent rows
// fall back to the feature default.
type PlanFeatureValue struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	PlanID     snowflake.ID `gorm:"not null;uniqueIndex:ux_plan_feature,priority:1"`
	FeatureID  snowflake.ID `gorm:"not null;uniqueIndex:ux_plan_feature,priority:2"`
	BoolValue  *bool        `gorm:""`
	LimitValue *int64       `gorm:""`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PlanFeatureValue) TableName() string { return "plan_feature_values" }

// TenantFeatureOverride pins a feature value for one tenant, taking
// precedence over the plan value while active.
type TenantFeatureOverride struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	TenantID            snowflake.ID `gorm:"not null;uniqueIndex:ux_tenant_feature,priority:1"`
	FeatureID           snowflake.ID `gorm:"not null;uniqueIndex:ux_tenant_feature,priority:2"`
	BoolValue           *bool        `gorm:""`
	LimitValue          *int64       `gorm:""`
	IsActive            bool         `gorm:"not null;default:true"`
	EntitlementsVersion int64        `gorm:"not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TenantFeatureOverride) TableName() string { return "tenant_feature_overrides" }

// TenantPlan assigns a plan to a tenant. At most one active row per tenant,
// enforced by a partial unique index. entitlements_version increases on every
// plan or override change and invalidates cached snapshots.
type TenantPlan struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	TenantID            snowflake.ID `gorm:"not null;index"`
	PlanID              snowflake.ID `gorm:"not null;index"`
	IsActive            bool         `gorm:"not null;default:true"`
	EntitlementsVersion int64        `gorm:"not null;default:1"`
	AssignedAt          time.Time    `gorm:"not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TenantPlan) TableName() string { return "tenant_plans" }
