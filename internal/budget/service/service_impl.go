package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	"github.com/pixiesketch/platform/internal/clock"
	obsmetrics "github.com/pixiesketch/platform/internal/observability/metrics"
	usagedomain "github.com/pixiesketch/platform/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	UsageSvc usagedomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	usageSvc usagedomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) budgetdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("budget.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		usageSvc: p.UsageSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) Allow(ctx context.Context, requestedCredits int64) (budgetdomain.Decision, error) {
	if requestedCredits <= 0 {
		requestedCredits = 1
	}

	period, err := s.activePeriod(ctx)
	if err != nil {
		// Fail open: never block paid users because budgeting is down.
		s.log.Error("budget check failed open", zap.Error(err))
		if s.metrics != nil {
			s.metrics.BudgetFailOpen.Inc()
		}
		return budgetdomain.Decision{Allowed: true}, nil
	}
	if period == nil {
		// No configured ceiling means nothing to enforce.
		return budgetdomain.Decision{Allowed: true}, nil
	}

	used, err := s.usageSvc.SumRange(ctx, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		s.log.Error("budget usage aggregation failed open", zap.Error(err))
		if s.metrics != nil {
			s.metrics.BudgetFailOpen.Inc()
		}
		return budgetdomain.Decision{Allowed: true}, nil
	}

	remaining := period.TotalLimit - used
	if remaining < 0 {
		remaining = 0
	}
	usedPct := 0.0
	if period.TotalLimit > 0 {
		usedPct = float64(used) / float64(period.TotalLimit) * 100
	}

	decision := budgetdomain.Decision{
		Allowed:          true,
		Remaining:        remaining,
		UsedPercentage:   usedPct,
		ApproachingLimit: period.TotalLimit > 0 && float64(used) >= float64(period.TotalLimit)*period.AlertThreshold,
	}

	if period.HardLimitEnabled && remaining < requestedCredits {
		decision.Allowed = false
		if s.metrics != nil {
			s.metrics.BudgetDenied.Inc()
		}
		s.log.Warn("budget hard limit reached",
			zap.Int64("used", used),
			zap.Int64("limit", period.TotalLimit),
			zap.Int64("requested", requestedCredits),
		)
		return decision, nil
	}

	if decision.ApproachingLimit {
		s.log.Warn("approaching budget limit",
			zap.Int64("used", used),
			zap.Int64("limit", period.TotalLimit),
			zap.Float64("alert_threshold", period.AlertThreshold),
		)
	}
	return decision, nil
}

// activePeriod returns the period covering now, or nil when none is
// configured.
func (s *Service) activePeriod(ctx context.Context) (*budgetdomain.BudgetPeriod, error) {
	now := s.clock.Now()
	var period budgetdomain.BudgetPeriod
	result := s.db.WithContext(ctx).Raw(
		`SELECT * FROM budget_periods
		 WHERE period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		now, now,
	).Scan(&period)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &period, nil
}

func (s *Service) CreatePeriod(ctx context.Context, req budgetdomain.CreatePeriodRequest) (*budgetdomain.BudgetPeriod, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.TotalLimit <= 0 {
		return nil, budgetdomain.ErrInvalidPeriod
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, budgetdomain.ErrInvalidPeriod
	}
	if req.AlertThreshold <= 0 || req.AlertThreshold > 1 {
		req.AlertThreshold = 0.8
	}

	now := time.Now().UTC()
	period := budgetdomain.BudgetPeriod{
		ID:               s.genID.Generate(),
		Name:             req.Name,
		TotalLimit:       req.TotalLimit,
		PeriodStart:      req.PeriodStart.UTC(),
		PeriodEnd:        req.PeriodEnd.UTC(),
		AlertThreshold:   req.AlertThreshold,
		HardLimitEnabled: req.HardLimitEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&period).Error; err != nil {
		return nil, err
	}
	s.log.Info("budget period created",
		zap.String("name", period.Name),
		zap.Int64("total_limit", period.TotalLimit),
	)
	return &period, nil
}

func (s *Service) UpdatePeriod(ctx context.Context, id snowflake.ID, req budgetdomain.UpdatePeriodRequest) error {
	if id == 0 {
		return budgetdomain.ErrInvalidPeriod
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.TotalLimit != nil {
		if *req.TotalLimit <= 0 {
			return budgetdomain.ErrInvalidPeriod
		}
		updates["total_limit"] = *req.TotalLimit
	}
	if req.AlertThreshold != nil {
		if *req.AlertThreshold <= 0 || *req.AlertThreshold > 1 {
			return budgetdomain.ErrInvalidPeriod
		}
		updates["alert_threshold"] = *req.AlertThreshold
	}
	if req.HardLimitEnabled != nil {
		updates["hard_limit_enabled"] = *req.HardLimitEnabled
	}

	result := s.db.WithContext(ctx).Model(&budgetdomain.BudgetPeriod{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return budgetdomain.ErrPeriodNotFound
	}
	return nil
}

func (s *Service) Stats(ctx context.Context) (budgetdomain.Stats, error) {
	period, err := s.activePeriod(ctx)
	if err != nil {
		return budgetdomain.Stats{}, err
	}
	if period == nil {
		return budgetdomain.Stats{}, budgetdomain.ErrNoActivePeriod
	}

	used, err := s.usageSvc.SumRange(ctx, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return budgetdomain.Stats{}, err
	}

	remaining := period.TotalLimit - used
	if remaining < 0 {
		remaining = 0
	}
	usedPct := 0.0
	if period.TotalLimit > 0 {
		usedPct = float64(used) / float64(period.TotalLimit) * 100
	}
	return budgetdomain.Stats{
		Period:         period,
		UsedCredits:    used,
		Remaining:      remaining,
		UsedPercentage: usedPct,
	}, nil
}
