// Package domain defines the resolved entitlement model and its typed
// denial errors.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
)

// Source says which layer produced a feature's effective value.
type Source string

const (
	SourceDefault  Source = "default"
	SourcePlan     Source = "plan"
	SourceOverride Source = "override"
)

// FeatureEntitlement is the effective value of one feature for a tenant.
// Enabled is meaningful for flag features, Limit for limit features.
type FeatureEntitlement struct {
	FeatureCode string                    `json:"feature_code"`
	Kind        catalogdomain.FeatureKind `json:"kind"`
	Enabled     bool                      `json:"enabled"`
	Limit       int64                     `json:"limit"`
	Source      Source                    `json:"source"`
}

// Unlimited reports whether a limit feature carries no ceiling.
func (f FeatureEntitlement) Unlimited() bool {
	return f.Kind == catalogdomain.FeatureKindLimit && f.Limit == catalogdomain.UnlimitedValue
}

// EntitlementSet is the full resolved entitlement picture for one tenant at
// one entitlements version.
type EntitlementSet struct {
	TenantID   snowflake.ID                  `json:"tenant_id"`
	PlanID     snowflake.ID                  `json:"plan_id"`
	PlanCode   string                        `json:"plan_code"`
	Version    int64                         `json:"entitlements_version"`
	ResolvedAt time.Time                     `json:"resolved_at"`
	Features   map[string]FeatureEntitlement `json:"features"`
}

// Flag returns the effective value of a flag feature. The second return is
// false when the feature is not part of the set.
func (s *EntitlementSet) Flag(code string) (bool, bool) {
	f, ok := s.Features[code]
	if !ok || f.Kind != catalogdomain.FeatureKindFlag {
		return false, false
	}
	return f.Enabled, true
}

// Limit returns the effective ceiling of a limit feature.
func (s *EntitlementSet) Limit(code string) (int64, bool) {
	f, ok := s.Features[code]
	if !ok || f.Kind != catalogdomain.FeatureKindLimit {
		return 0, false
	}
	return f.Limit, true
}

var ErrUnknownFeature = errors.New("unknown_feature")

// NotEntitledError denies access to a flag feature the tenant's plan does
// not grant. MinimumPlan names the cheapest plan that enables it, empty when
// no plan does.
type NotEntitledError struct {
	Feature     string
	Plan        string
	MinimumPlan string
}

func (e *NotEntitledError) Error() string {
	if e.MinimumPlan != "" {
		return fmt.Sprintf("feature %s is not included in plan %s (available from plan %s)", e.Feature, e.Plan, e.MinimumPlan)
	}
	return fmt.Sprintf("feature %s is not included in plan %s", e.Feature, e.Plan)
}

// LimitExceededError denies consuming past a limit feature's ceiling.
type LimitExceededError struct {
	Feature     string
	Current     int64
	Limit       int64
	MinimumPlan string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("feature %s is at %d of %d", e.Feature, e.Current, e.Limit)
}
