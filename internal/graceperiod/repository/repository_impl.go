package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/graceperiod/domain"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"github.com/flowline/flowline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

// Provide builds the gorm-backed grace period repository.
func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, tx *gorm.DB, gp *domain.GracePeriod) error {
	err := tx.WithContext(ctx).Exec(`
		INSERT INTO grace_periods
			(id, tenant_id, resource_type, resource_id, action, status,
			 starts_at, expires_at, warned_at, resolved_at, reason, metadata,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		gp.ID, gp.TenantID, gp.ResourceType, gp.ResourceID, gp.Action, gp.Status,
		gp.StartsAt, gp.ExpiresAt, gp.WarnedAt, gp.ResolvedAt, gp.Reason, gp.Metadata,
		gp.CreatedAt, gp.UpdatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrDuplicateGracePeriod
		}
		return err
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.GracePeriod, error) {
	var gp domain.GracePeriod
	err := tx.WithContext(ctx).Raw(`
		SELECT * FROM grace_periods WHERE id = ?
	`, id).Scan(&gp).Error
	if err != nil {
		return nil, err
	}
	if gp.ID == 0 {
		return nil, domain.ErrNotFound
	}
	return &gp, nil
}

func (r *repo) FindOpenByResource(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, resourceType resourcedomain.ResourceType, resourceID snowflake.ID) (*domain.GracePeriod, error) {
	var gp domain.GracePeriod
	err := tx.WithContext(ctx).Raw(`
		SELECT * FROM grace_periods
		WHERE tenant_id = ?
		  AND resource_type = ?
		  AND resource_id = ?
		  AND status IN ('ACTIVE', 'WARNING')
		LIMIT 1
	`, tenantID, resourceType, resourceID).Scan(&gp).Error
	if err != nil {
		return nil, err
	}
	if gp.ID == 0 {
		return nil, nil
	}
	return &gp, nil
}

func (r *repo) ListOpenByType(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, resourceType resourcedomain.ResourceType) ([]domain.GracePeriod, error) {
	var out []domain.GracePeriod
	err := tx.WithContext(ctx).Raw(`
		SELECT * FROM grace_periods
		WHERE tenant_id = ?
		  AND resource_type = ?
		  AND status IN ('ACTIVE', 'WARNING')
		ORDER BY created_at ASC
	`, tenantID, resourceType).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListByTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, statuses []domain.Status) ([]domain.GracePeriod, error) {
	var out []domain.GracePeriod
	q := tx.WithContext(ctx)
	var err error
	if len(statuses) > 0 {
		err = q.Raw(`
			SELECT * FROM grace_periods
			WHERE tenant_id = ? AND status IN ?
			ORDER BY created_at DESC
		`, tenantID, statuses).Scan(&out).Error
	} else {
		err = q.Raw(`
			SELECT * FROM grace_periods
			WHERE tenant_id = ?
			ORDER BY created_at DESC
		`, tenantID).Scan(&out).Error
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.GracePeriod, error) {
	var out []domain.GracePeriod
	// EXPIRED rows are included so a failed action is retried next cycle.
	err := tx.WithContext(ctx).Raw(`
		SELECT * FROM grace_periods
		WHERE status IN ('ACTIVE', 'WARNING', 'EXPIRED')
		  AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, now, limit).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) ListDueForWarning(ctx context.Context, tx *gorm.DB, now time.Time, lead time.Duration, limit int) ([]domain.GracePeriod, error) {
	var out []domain.GracePeriod
	err := tx.WithContext(ctx).Raw(`
		SELECT * FROM grace_periods
		WHERE status = 'ACTIVE'
		  AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, now.Add(lead), limit).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repo) UpdateStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) error {
	if !domain.CanTransition(from, to) {
		return domain.NewInvalidTransition(from, to)
	}

	var resolvedAt *time.Time
	if to == domain.StatusResolved || to == domain.StatusCancelled {
		resolvedAt = &at
	}
	var warnedAt *time.Time
	if to == domain.StatusWarning {
		warnedAt = &at
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE grace_periods
		SET status = ?,
		    warned_at = COALESCE(?, warned_at),
		    resolved_at = COALESCE(?, resolved_at),
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, to, warnedAt, resolvedAt, at, id, from)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

func (r *repo) CancelAllForTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, reason string, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).Exec(`
		UPDATE grace_periods
		SET status = 'CANCELLED',
		    resolved_at = ?,
		    reason = ?,
		    updated_at = ?
		WHERE tenant_id = ?
		  AND status IN ('ACTIVE', 'WARNING', 'EXPIRED')
	`, at, reason, at, tenantID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
