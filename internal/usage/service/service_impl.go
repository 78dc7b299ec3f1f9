package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/pixiesketch/platform/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, accountID snowflake.ID, creditsUsed int64, operationType string, sketchID snowflake.ID) error {
	if accountID == 0 || sketchID == 0 || creditsUsed <= 0 || operationType == "" {
		return usagedomain.ErrInvalidUsage
	}

	event := usagedomain.UsageEvent{
		ID:            s.genID.Generate(),
		AccountID:     accountID,
		CreditsUsed:   creditsUsed,
		OperationType: operationType,
		SketchID:      sketchID,
		CreatedAt:     time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

func (s *Service) SumRange(ctx context.Context, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits_used), 0)
		 FROM usage_events
		 WHERE created_at >= ? AND created_at < ?`,
		start.UTC(), end.UTC(),
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
