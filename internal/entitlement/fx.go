package entitlement

import (
	"github.com/flowline/flowline/internal/cache"
	"github.com/flowline/flowline/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(cache.NewEntitlementCache),
	fx.Provide(service.New),
)
