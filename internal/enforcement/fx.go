package enforcement

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("enforcement",
	fx.Provide(NewExecutor),
	fx.Provide(New),
	fx.Invoke(registerEnforcer),
)

func registerEnforcer(lc fx.Lifecycle, enforcer *Enforcer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			enforcer.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			enforcer.Stop()
			return nil
		},
	})
}
