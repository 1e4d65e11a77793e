package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/flowline/flowline/internal/entitlement/domain"
)

const defaultEntitlementTTL = 45 * time.Second

// EntitlementCache stores resolved entitlement sets for the check hot path.
// Entries live for a short TTL; version bumps surface on the next miss.
type EntitlementCache interface {
	Get(tenantID snowflake.ID) (*entitlementdomain.EntitlementSet, bool)
	Set(tenantID snowflake.ID, set *entitlementdomain.EntitlementSet)
	Invalidate(tenantID snowflake.ID)
}

type entitlementCache struct {
	sets Cache[snowflake.ID, *entitlementdomain.EntitlementSet]
	ttl  time.Duration
}

// NewEntitlementCache returns an in-memory cache tuned for entitlement
// checks.
func NewEntitlementCache() EntitlementCache {
	return &entitlementCache{
		sets: NewTTLCache[snowflake.ID, *entitlementdomain.EntitlementSet](),
		ttl:  defaultEntitlementTTL,
	}
}

func (c *entitlementCache) Get(tenantID snowflake.ID) (*entitlementdomain.EntitlementSet, bool) {
	return c.sets.Get(tenantID)
}

func (c *entitlementCache) Set(tenantID snowflake.ID, set *entitlementdomain.EntitlementSet) {
	if set == nil {
		return
	}
	c.sets.Set(tenantID, set, c.ttl)
}

func (c *entitlementCache) Invalidate(tenantID snowflake.ID) {
	c.sets.Delete(tenantID)
}
