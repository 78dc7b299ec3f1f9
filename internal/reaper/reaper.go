package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pixiesketch/platform/internal/clock"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/notifier"
	obsmetrics "github.com/pixiesketch/platform/internal/observability/metrics"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("reaper: invalid configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	PaymentSvc paymentdomain.Service
	Hub        *notifier.Hub       `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

// Reaper runs the background safety sweeps: stuck-job cleanup and
// payment credit reconciliation. It holds no state of its own; every
// decision is re-derived from the database each cycle, so any number of
// replicas can run it concurrently.
type Reaper struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.PipelineConfig
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	hub        *notifier.Hub
	metrics    *obsmetrics.Metrics
}

func New(p Params) (*Reaper, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.PaymentSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Reaper{
		db:         p.DB,
		log:        p.Log.Named("reaper"),
		cfg:        p.Cfg.Pipeline,
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
		hub:        p.Hub,
		metrics:    p.Metrics,
	}, nil
}

// RunOnce executes one sweep cycle. Errors from the individual jobs are
// joined so one failing job never starves the other.
func (r *Reaper) RunOnce(ctx context.Context) error {
	var err error
	if jobErr := r.ReapStuckJob(ctx); jobErr != nil {
		err = errors.Join(err, fmt.Errorf("reap_stuck: %w", jobErr))
	}
	if jobErr := r.ReconcileJob(ctx); jobErr != nil {
		err = errors.Join(err, fmt.Errorf("reconcile_credits: %w", jobErr))
	}
	return err
}

// RunForever runs sweep cycles on a fixed interval until ctx is done.
func (r *Reaper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("sweep cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type stuckRow struct {
	ID        snowflake.ID
	AccountID snowflake.ID
	UpdatedAt time.Time
}

// ReapStuckJob fails jobs that have sat in processing beyond the stuck
// timeout. Each candidate is settled with a conditional update so a job
// completing between the select and the update keeps its result, and two
// overlapping sweeps fail it exactly once.
func (r *Reaper) ReapStuckJob(ctx context.Context) error {
	now := r.clock.Now().UTC()
	cutoff := now.Add(-r.cfg.StuckJobTimeout)

	var candidates []stuckRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, account_id, updated_at FROM sketches
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT 100`,
		string(sketchdomain.StatusProcessing), cutoff,
	).Scan(&candidates).Error
	if err != nil {
		return err
	}

	var sweepErr error
	for _, row := range candidates {
		result := r.db.WithContext(ctx).Exec(
			`UPDATE sketches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(sketchdomain.StatusFailed), now, row.ID, string(sketchdomain.StatusProcessing),
		)
		if result.Error != nil {
			sweepErr = errors.Join(sweepErr, result.Error)
			continue
		}
		if result.RowsAffected == 0 {
			// Lost to a concurrent completion or another sweep.
			continue
		}

		r.log.Warn("stuck job failed by reaper",
			zap.String("sketch_id", row.ID.String()),
			zap.String("account_id", row.AccountID.String()),
			zap.Time("last_update", row.UpdatedAt),
		)
		if r.metrics != nil {
			r.metrics.ReaperTransitions.Inc()
		}
		if r.hub != nil {
			r.hub.Publish(row.AccountID.String(), notifier.Event{
				EntityType: notifier.EntitySketch,
				EntityID:   row.ID.String(),
				Status:     string(sketchdomain.StatusFailed),
				Version:    now.UnixNano(),
			})
		}
	}
	return sweepErr
}

// ReconcileJob retries the credit step for payments that were recorded
// but never credited.
func (r *Reaper) ReconcileJob(ctx context.Context) error {
	credited, err := r.paymentSvc.ReconcileUncredited(ctx)
	if credited > 0 {
		r.log.Info("reconciled uncredited payments", zap.Int("credited", credited))
	}
	return err
}

var Module = fx.Module("reaper",
	fx.Provide(New),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, r *Reaper, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				r.RunForever(ctx)
			}()
			log.Info("reaper started", zap.Duration("interval", r.cfg.SweepInterval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
