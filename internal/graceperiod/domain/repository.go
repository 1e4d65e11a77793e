package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"gorm.io/gorm"
)

// Repository is the storage contract for grace periods. Methods accept the
// *gorm.DB handle so callers can pass a transaction.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, gp *GracePeriod) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*GracePeriod, error)
	FindOpenByResource(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, resourceType resourcedomain.ResourceType, resourceID snowflake.ID) (*GracePeriod, error)
	ListOpenByType(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, resourceType resourcedomain.ResourceType) ([]GracePeriod, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, statuses []Status) ([]GracePeriod, error)
	ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]GracePeriod, error)
	ListDueForWarning(ctx context.Context, db *gorm.DB, now time.Time, lead time.Duration, limit int) ([]GracePeriod, error)

	// UpdateStatus applies an optimistic transition guarded by the expected
	// current status. A row that moved on in the meantime yields
	// ErrStaleTransition.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) error

	CancelAllForTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, reason string, at time.Time) (int64, error)
}
