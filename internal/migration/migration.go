package migration

import (
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
	usagedomain "github.com/pixiesketch/platform/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Run creates or updates the pipeline tables. The service is usable out
// of the box on a fresh database.
func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountdomain.Account{},
		&paymentdomain.PaymentRecord{},
		&sketchdomain.Sketch{},
		&usagedomain.UsageEvent{},
		&budgetdomain.BudgetPeriod{},
	)
}

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)
