package budget

import (
	"github.com/pixiesketch/platform/internal/budget/service"
	"go.uber.org/fx"
)

var Module = fx.Module("budget.service",
	fx.Provide(service.NewService),
)
