package conversion

import (
	"go.uber.org/fx"
)

var Module = fx.Module("conversion.service",
	fx.Provide(NewService),
)
