package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/graceperiod/domain"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns grace period lifecycle changes. All status mutations go
// through here so the state machine is enforced in one place.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("graceperiod"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// OpenParams describes a new grace period for one over-limit resource.
type OpenParams struct {
	TenantID     snowflake.ID
	ResourceType resourcedomain.ResourceType
	ResourceID   snowflake.ID
	Action       resourcedomain.Action
	GracePeriod  time.Duration
	Reason       string
	Metadata     map[string]any
}

// Open creates an ACTIVE grace period. A resource that already has an open
// one yields ErrDuplicateGracePeriod; the storage constraint backs this even
// under concurrent detection.
func (s *Service) Open(ctx context.Context, p OpenParams) (*domain.GracePeriod, error) {
	now := s.clock.Now()
	gp := &domain.GracePeriod{
		ID:           s.genID.Generate(),
		TenantID:     p.TenantID,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Action:       p.Action,
		Status:       domain.StatusActive,
		StartsAt:     now,
		ExpiresAt:    now.Add(p.GracePeriod),
		Reason:       p.Reason,
		Metadata:     datatypes.JSONMap(p.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, s.db, gp); err != nil {
		return nil, err
	}

	s.log.Info("graceperiod.opened",
		zap.Int64("grace_period_id", gp.ID.Int64()),
		zap.Int64("tenant_id", gp.TenantID.Int64()),
		zap.String("resource_type", string(gp.ResourceType)),
		zap.Int64("resource_id", gp.ResourceID.Int64()),
		zap.String("action", string(gp.Action)),
		zap.Time("expires_at", gp.ExpiresAt),
	)
	return gp, nil
}

// Transition moves one grace period from -> to with optimistic concurrency.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, from, to domain.Status) error {
	if err := s.repo.UpdateStatus(ctx, s.db, id, from, to, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("graceperiod.transition",
		zap.Int64("grace_period_id", id.Int64()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// ResolveOpenForType resolves every open grace period of one resource type
// for a tenant. Used when a recount shows the tenant is back under its limit.
func (s *Service) ResolveOpenForType(ctx context.Context, tenantID snowflake.ID, resourceType resourcedomain.ResourceType) (int, error) {
	open, err := s.repo.ListOpenByType(ctx, s.db, tenantID, resourceType)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range open {
		gp := &open[i]
		if err := s.repo.UpdateStatus(ctx, s.db, gp.ID, gp.Status, domain.StatusResolved, s.clock.Now()); err != nil {
			if err == domain.ErrStaleTransition {
				continue
			}
			return resolved, err
		}
		resolved++
	}

	if resolved > 0 {
		s.log.Info("graceperiod.resolved_under_limit",
			zap.Int64("tenant_id", tenantID.Int64()),
			zap.String("resource_type", string(resourceType)),
			zap.Int("count", resolved),
		)
	}
	return resolved, nil
}

// CancelAllForTenant cancels every non-terminal grace period for the tenant,
// e.g. after a plan upgrade restores headroom.
func (s *Service) CancelAllForTenant(ctx context.Context, tenantID snowflake.ID, reason string) (int, error) {
	n, err := s.repo.CancelAllForTenant(ctx, s.db, tenantID, reason, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("graceperiod.cancelled_all",
			zap.Int64("tenant_id", tenantID.Int64()),
			zap.String("reason", reason),
			zap.Int64("count", n),
		)
	}
	return int(n), nil
}

// FindOpen returns the open grace period for a resource, nil when none.
func (s *Service) FindOpen(ctx context.Context, tenantID snowflake.ID, resourceType resourcedomain.ResourceType, resourceID snowflake.ID) (*domain.GracePeriod, error) {
	return s.repo.FindOpenByResource(ctx, s.db, tenantID, resourceType, resourceID)
}

// ListForTenant lists grace periods for the admin surface, optionally
// filtered by status.
func (s *Service) ListForTenant(ctx context.Context, tenantID snowflake.ID, statuses []domain.Status) ([]domain.GracePeriod, error) {
	return s.repo.ListByTenant(ctx, s.db, tenantID, statuses)
}

// ListExpired returns open grace periods whose deadline has passed.
func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.GracePeriod, error) {
	return s.repo.ListExpired(ctx, s.db, now, limit)
}

// ListDueForWarning returns ACTIVE grace periods within lead of expiry.
func (s *Service) ListDueForWarning(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]domain.GracePeriod, error) {
	return s.repo.ListDueForWarning(ctx, s.db, now, lead, limit)
}
