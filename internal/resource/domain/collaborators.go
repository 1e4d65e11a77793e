package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Inventory exposes live resource counts and age ordering for a tenant.
type Inventory interface {
	Count(ctx context.Context, tenantID snowflake.ID, resourceType ResourceType) (int, error)
	// ListIDsOrderedByAge returns all ids for the tenant and type, oldest
	// created first.
	ListIDsOrderedByAge(ctx context.Context, tenantID snowflake.ID, resourceType ResourceType) ([]snowflake.ID, error)
}

// Controller applies a downgrade action against a single resource.
type Controller interface {
	Apply(ctx context.Context, resourceType ResourceType, resourceID snowflake.ID, action Action) error
}
