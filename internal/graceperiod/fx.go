package graceperiod

import (
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/graceperiod/repository"
	"github.com/flowline/flowline/internal/graceperiod/service"
	"go.uber.org/fx"
)

var Module = fx.Module("graceperiod.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) catalogdomain.GraceCanceller { return s }),
)
