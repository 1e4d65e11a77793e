package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/resource/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type inventory struct {
	db *gorm.DB
}

// ProvideInventory returns the gorm-backed resource inventory.
func ProvideInventory(db *gorm.DB) domain.Inventory {
	return &inventory{db: db}
}

func (r *inventory) Count(ctx context.Context, tenantID snowflake.ID, resourceType domain.ResourceType) (int, error) {
	if !resourceType.Valid() {
		return 0, domain.ErrUnknownResourceType
	}
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM resources
		 WHERE tenant_id = ? AND resource_type = ? AND status <> ?`,
		tenantID,
		resourceType,
		domain.ResourceStatusArchived,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *inventory) ListIDsOrderedByAge(ctx context.Context, tenantID snowflake.ID, resourceType domain.ResourceType) ([]snowflake.ID, error) {
	if !resourceType.Valid() {
		return nil, domain.ErrUnknownResourceType
	}
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT id FROM resources
		 WHERE tenant_id = ? AND resource_type = ? AND status <> ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
		resourceType,
		domain.ResourceStatusArchived,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeletionRetention tells the controller how far in the future to stamp
// scheduled deletions.
type DeletionRetention interface {
	DeletionRetention() time.Duration
}

type controller struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	retention DeletionRetention
}

// ProvideController returns the gorm-backed resource controller.
func ProvideController(db *gorm.DB, log *zap.Logger, clk clock.Clock, retention DeletionRetention) domain.Controller {
	return &controller{
		db:        db,
		log:       log.Named("resource.controller"),
		clock:     clk,
		retention: retention,
	}
}

func (c *controller) Apply(ctx context.Context, resourceType domain.ResourceType, resourceID snowflake.ID, action domain.Action) error {
	if !resourceType.Valid() {
		return domain.ErrUnknownResourceType
	}
	now := c.clock.Now()

	switch action {
	case domain.ActionReadOnly:
		return c.update(ctx, resourceType, resourceID,
			`read_only = ?, status = ?, updated_at = ?`,
			true, domain.ResourceStatusReadOnly, now)
	case domain.ActionDisable:
		return c.update(ctx, resourceType, resourceID,
			`status = ?, disabled_at = ?, updated_at = ?`,
			domain.ResourceStatusDisabled, now, now)
	case domain.ActionArchive:
		return c.update(ctx, resourceType, resourceID,
			`status = ?, archived_at = ?, updated_at = ?`,
			domain.ResourceStatusArchived, now, now)
	case domain.ActionScheduleDeletion:
		deleteAt := now.Add(c.retention.DeletionRetention())
		return c.update(ctx, resourceType, resourceID,
			`deletion_scheduled_at = ?, updated_at = ?`,
			deleteAt, now)
	case domain.ActionImmediateDelete:
		return c.delete(ctx, resourceType, resourceID)
	case domain.ActionWarnOnly:
		// Notification only; no resource mutation.
		return nil
	default:
		return domain.ErrUnknownAction
	}
}

func (c *controller) update(ctx context.Context, resourceType domain.ResourceType, resourceID snowflake.ID, set string, args ...any) error {
	args = append(args, resourceID, resourceType)
	result := c.db.WithContext(ctx).Exec(
		`UPDATE resources SET `+set+` WHERE id = ? AND resource_type = ?`,
		args...,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrResourceNotFound
	}
	return nil
}

func (c *controller) delete(ctx context.Context, resourceType domain.ResourceType, resourceID snowflake.ID) error {
	c.log.Warn("resource.delete",
		zap.String("resource_type", string(resourceType)),
		zap.String("resource_id", resourceID.String()),
	)
	result := c.db.WithContext(ctx).Exec(
		`DELETE FROM resources WHERE id = ? AND resource_type = ?`,
		resourceID,
		resourceType,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrResourceNotFound
	}
	return nil
}
