// Package seed bootstraps the default plan catalog so a fresh install can
// resolve entitlements immediately.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/clock"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type planSpec struct {
	code       string
	name       string
	precedence int
	// limits per limit feature code; absent codes keep the feature default
	limits map[string]int64
}

var defaultPlans = []planSpec{
	{
		code: "free", name: "Free", precedence: 1,
		limits: map[string]int64{
			"environments.max": 1,
			"team_members.max": 3,
			"workflows.max":    5,
			"executions.max":   100,
			"audit_logs.max":   500,
			"snapshots.max":    3,
		},
	},
	{
		code: "pro", name: "Pro", precedence: 2,
		limits: map[string]int64{
			"environments.max": 5,
			"team_members.max": 25,
			"workflows.max":    100,
			"executions.max":   10000,
			"audit_logs.max":   50000,
			"snapshots.max":    50,
		},
	},
	{
		code: "enterprise", name: "Enterprise", precedence: 3,
		limits: map[string]int64{
			"environments.max": catalogdomain.UnlimitedValue,
			"team_members.max": catalogdomain.UnlimitedValue,
			"workflows.max":    catalogdomain.UnlimitedValue,
			"executions.max":   catalogdomain.UnlimitedValue,
			"audit_logs.max":   catalogdomain.UnlimitedValue,
			"snapshots.max":    catalogdomain.UnlimitedValue,
		},
	},
}

// Seeder writes the default catalog rows that the engine expects to exist.
type Seeder struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
	repo  catalogdomain.Repository
}

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  catalogdomain.Repository
}

func New(p Params) *Seeder {
	return &Seeder{db: p.DB, genID: p.GenID, clock: p.Clock, repo: p.Repo}
}

// EnsureDefaultCatalog creates the limit features and default plans when
// missing. Existing rows are left untouched, so operators can retune values.
func (s *Seeder) EnsureDefaultCatalog() error {
	if s.db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		features, err := s.ensureFeatures(ctx, tx)
		if err != nil {
			return err
		}
		return s.ensurePlans(ctx, tx, features)
	})
}

func (s *Seeder) ensureFeatures(ctx context.Context, tx *gorm.DB) (map[string]*catalogdomain.Feature, error) {
	now := s.clock.Now()
	out := make(map[string]*catalogdomain.Feature)

	for _, resourceType := range resourcedomain.AllResourceTypes() {
		code := resourceType.LimitFeatureCode()
		existing, err := s.repo.FindFeatureByCode(ctx, tx, code)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			out[code] = existing
			continue
		}

		feature := &catalogdomain.Feature{
			ID:           s.genID.Generate(),
			Code:         code,
			Name:         string(resourceType) + " limit",
			Kind:         catalogdomain.FeatureKindLimit,
			DefaultLimit: 0,
			Status:       catalogdomain.FeatureStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.repo.InsertFeature(ctx, tx, feature); err != nil {
			return nil, err
		}
		out[code] = feature
	}
	return out, nil
}

func (s *Seeder) ensurePlans(ctx context.Context, tx *gorm.DB, features map[string]*catalogdomain.Feature) error {
	now := s.clock.Now()

	for _, spec := range defaultPlans {
		existing, err := s.repo.FindPlanByCode(ctx, tx, spec.code)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		plan := &catalogdomain.Plan{
			ID:         s.genID.Generate(),
			Code:       spec.code,
			Name:       spec.name,
			Precedence: spec.precedence,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.InsertPlan(ctx, tx, plan); err != nil {
			return err
		}

		for code, limit := range spec.limits {
			feature, ok := features[code]
			if !ok {
				continue
			}
			value := limit
			err := s.repo.UpsertPlanFeatureValue(ctx, tx, &catalogdomain.PlanFeatureValue{
				ID:         s.genID.Generate(),
				PlanID:     plan.ID,
				FeatureID:  feature.ID,
				LimitValue: &value,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

var Module = fx.Module("seed",
	fx.Provide(New),
)
