package catalog

import (
	"github.com/flowline/flowline/internal/catalog/repository"
	"github.com/flowline/flowline/internal/catalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
