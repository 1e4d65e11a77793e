package overlimit

import "go.uber.org/fx"

var Module = fx.Module("overlimit.detector",
	fx.Provide(New),
)
