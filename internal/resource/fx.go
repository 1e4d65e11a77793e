package resource

import (
	"github.com/flowline/flowline/internal/config"
	"github.com/flowline/flowline/internal/resource/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("resource",
	fx.Provide(func(h *config.EnforcementPolicyHolder) repository.DeletionRetention { return h }),
	fx.Provide(repository.ProvideInventory),
	fx.Provide(repository.ProvideController),
)
