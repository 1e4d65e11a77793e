package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	CreateFeature(ctx context.Context, req CreateFeatureRequest) (*Feature, error)
	SetPlanFeatureValue(ctx context.Context, planCode, featureCode string, boolValue *bool, limitValue *int64) error

	// AssignPlan switches the tenant's active plan, strictly increasing the
	// tenant's entitlements version. An upgrade (precedence increase) cancels
	// the tenant's open grace periods.
	AssignPlan(ctx context.Context, req AssignPlanRequest) (*AssignPlanResponse, error)

	// SetOverride upserts a tenant-scoped feature override and bumps the
	// entitlements version in the same transaction.
	SetOverride(ctx context.Context, req SetOverrideRequest) (*TenantFeatureOverride, error)

	ListPlans(ctx context.Context) ([]Plan, error)
	ListTenants(ctx context.Context) ([]TenantPlan, error)
}

type CreatePlanRequest struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Precedence  int     `json:"precedence"`
}

type CreateFeatureRequest struct {
	Code         string         `json:"code"`
	Name         string         `json:"name"`
	Kind         FeatureKind    `json:"kind"`
	DefaultBool  bool           `json:"default_bool"`
	DefaultLimit int64          `json:"default_limit"`
	Status       *FeatureStatus `json:"status,omitempty"`
}

type AssignPlanRequest struct {
	TenantID snowflake.ID `json:"tenant_id"`
	PlanCode string       `json:"plan_code"`
	Reason   string       `json:"reason,omitempty"`
}

type AssignPlanResponse struct {
	TenantID            snowflake.ID `json:"tenant_id"`
	PlanCode            string       `json:"plan_code"`
	EntitlementsVersion int64        `json:"entitlements_version"`
	Upgraded            bool         `json:"upgraded"`
	CancelledGraces     int          `json:"cancelled_grace_periods"`
	AssignedAt          time.Time    `json:"assigned_at"`
}

type SetOverrideRequest struct {
	TenantID    snowflake.ID `json:"tenant_id"`
	FeatureCode string       `json:"feature_code"`
	BoolValue   *bool        `json:"bool_value,omitempty"`
	LimitValue  *int64       `json:"limit_value,omitempty"`
	Active      bool         `json:"active"`
}

// GraceCanceller releases a tenant's open grace periods when the triggering
// condition is removed. Satisfied by the grace period service.
type GraceCanceller interface {
	CancelAllForTenant(ctx context.Context, tenantID snowflake.ID, reason string) (int, error)
}

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrFeatureNotFound = errors.New("feature_not_found")
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrInvalidCode     = errors.New("invalid_code")
	ErrInvalidKind     = errors.New("invalid_feature_kind")
	ErrInvalidValue    = errors.New("invalid_value")
	ErrSamePlan        = errors.New("plan_already_assigned")
)
