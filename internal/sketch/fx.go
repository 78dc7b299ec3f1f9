package sketch

import (
	"github.com/pixiesketch/platform/internal/sketch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sketch",
	fx.Provide(service.NewService),
)
