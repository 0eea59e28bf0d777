package policy

import (
	"go.uber.org/fx"
)

var Module = fx.Module("policy.engine",
	fx.Provide(NewEngine),
)
