package pipeline

import (
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline.service",
	fx.Provide(NewService),
)
