package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	"github.com/pixiesketch/platform/internal/cache"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/notifier"
	obsmetrics "github.com/pixiesketch/platform/internal/observability/metrics"
	"github.com/pixiesketch/platform/internal/ratelimit"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
	"github.com/pixiesketch/platform/internal/transform"
	usagedomain "github.com/pixiesketch/platform/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Cfg         config.Config
	AccountSvc  accountdomain.Service
	BudgetSvc   budgetdomain.Service
	UsageSvc    usagedomain.Service
	Limiter     ratelimit.Limiter
	Transformer transform.Transformer
	ResultCache cache.ResultCache   `optional:"true"`
	Hub         *notifier.Hub       `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	cfg         config.PipelineConfig
	callTimeout time.Duration
	accountSvc  accountdomain.Service
	budgetSvc   budgetdomain.Service
	usageSvc    usagedomain.Service
	limiter     ratelimit.Limiter
	transformer transform.Transformer
	resultCache cache.ResultCache
	hub         *notifier.Hub
	metrics     *obsmetrics.Metrics

	// inflight tracks execution goroutines for clean shutdown and for
	// deterministic tests.
	inflight sync.WaitGroup
}

func NewService(p Params) sketchdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("sketch.service"),
		genID:       p.GenID,
		cfg:         p.Cfg.Pipeline,
		callTimeout: p.Cfg.Transform.CallTimeout,
		accountSvc:  p.AccountSvc,
		budgetSvc:   p.BudgetSvc,
		usageSvc:    p.UsageSvc,
		limiter:     p.Limiter,
		transformer: p.Transformer,
		resultCache: p.ResultCache,
		hub:         p.Hub,
		metrics:     p.Metrics,
	}
}

func (s *Service) Submit(ctx context.Context, req sketchdomain.SubmitRequest) (*sketchdomain.Sketch, error) {
	if req.AccountID == 0 || strings.TrimSpace(req.ImageData) == "" {
		return nil, sketchdomain.ErrInvalidSketch
	}
	preset, err := transform.ParsePreset(req.Preset)
	if err != nil {
		return nil, err
	}

	expected, err := s.admit(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sketch := &sketchdomain.Sketch{
		ID:               s.genID.Generate(),
		AccountID:        req.AccountID,
		OriginalImageURL: req.OriginalImageURL,
		Preset:           string(preset),
		Status:           sketchdomain.StatusProcessing,
		Unseen:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(sketch).Error; err != nil {
		return nil, err
	}
	s.publish(sketch.AccountID, notifier.EntitySketch, sketch.ID.String(), string(sketch.Status), now)

	// The external call dominates latency; it runs on its own goroutine so
	// submission never blocks on it.
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.execute(context.WithoutCancel(ctx), sketch.ID, req.AccountID, req.ImageData, preset, expected)
	}()

	return sketch, nil
}

// admit runs the gate sequence before any job row exists: rate limit,
// budget ceiling, positive balance. The returned snapshot is the expected
// value for the CAS debit after success.
func (s *Service) admit(ctx context.Context, accountID snowflake.ID) (accountdomain.Balance, error) {
	limit, err := s.limiter.Allow(ctx, accountID.String())
	if err != nil {
		return accountdomain.Balance{}, err
	}
	if !limit.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitDenied.Inc()
		}
		return accountdomain.Balance{}, &ratelimit.LimitError{RetryAfter: limit.RetryAfter}
	}

	decision, err := s.budgetSvc.Allow(ctx, s.cfg.CreditsPerSketch)
	if err != nil {
		return accountdomain.Balance{}, err
	}
	if !decision.Allowed {
		return accountdomain.Balance{}, budgetdomain.ErrInsufficientBudget
	}

	balance, err := s.accountSvc.GetBalance(ctx, accountID)
	if err != nil {
		return accountdomain.Balance{}, err
	}
	if balance.Credits < s.cfg.CreditsPerSketch {
		return accountdomain.Balance{}, accountdomain.ErrInsufficientCredits
	}
	return balance, nil
}

// execute runs the transform and settles the job. Credits move only after
// confirmed success, never speculatively and never refunded.
func (s *Service) execute(ctx context.Context, sketchID, accountID snowflake.ID, imageData string, preset transform.Preset, expected accountdomain.Balance) {
	log := s.log.With(
		zap.String("sketch_id", sketchID.String()),
		zap.String("account_id", accountID.String()),
	)

	outputURL, err := s.runTransform(ctx, imageData, preset, log)
	if err != nil {
		log.Warn("transform failed, job marked failed", zap.Error(err))
		s.settleFailure(ctx, sketchID, accountID, log)
		return
	}

	s.settleSuccess(ctx, sketchID, accountID, outputURL, expected, log)
}

func (s *Service) runTransform(ctx context.Context, imageData string, preset transform.Preset, log *zap.Logger) (string, error) {
	fingerprint := cache.Fingerprint(imageData, string(preset))
	if s.resultCache != nil {
		if cached, ok := s.resultCache.Get(ctx, fingerprint); ok {
			log.Info("transform served from result cache")
			return cached, nil
		}
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	outputURL, err := s.transformer.Transform(callCtx, imageData, preset)
	cancel()
	if s.metrics != nil {
		s.metrics.TransformDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		if s.resultCache != nil {
			s.resultCache.Set(ctx, fingerprint, outputURL)
		}
		return outputURL, nil
	}

	// Exactly one fallback attempt on the cheaper path, then give up.
	log.Warn("primary transform failed, attempting fallback", zap.Error(err))
	if s.metrics != nil {
		s.metrics.TransformFallbacks.Inc()
	}
	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	outputURL, fallbackErr := s.transformer.Fallback(callCtx, preset)
	cancel()
	if fallbackErr != nil {
		return "", errors.Join(err, fallbackErr)
	}
	return outputURL, nil
}

func (s *Service) settleSuccess(ctx context.Context, sketchID, accountID snowflake.ID, outputURL string, expected accountdomain.Balance, log *zap.Logger) {
	now := time.Now().UTC()
	won, err := s.transition(ctx, sketchID, sketchdomain.StatusProcessing, sketchdomain.StatusCompleted, &outputURL, now)
	if err != nil {
		log.Error("failed to persist completion", zap.Error(err))
		return
	}
	if !won {
		// The reaper timed this job out first. The result is delivered on
		// retry; nothing was debited, so nothing is owed.
		log.Warn("completion lost transition race, no debit taken")
		return
	}
	s.countTransition(sketchdomain.StatusCompleted)
	s.publish(accountID, notifier.EntitySketch, sketchID.String(), string(sketchdomain.StatusCompleted), now)

	// Debit only after the confirmed completed transition. A CAS conflict
	// means a concurrent job moved the balance first; the finished work is
	// still delivered and the miss becomes a reconciliation item rather
	// than a rolled-back transformation.
	if _, err := s.accountSvc.Debit(ctx, accountID, s.cfg.CreditsPerSketch, expected); err != nil {
		switch {
		case errors.Is(err, accountdomain.ErrConcurrencyConflict), errors.Is(err, accountdomain.ErrInsufficientCredits):
			if s.metrics != nil {
				s.metrics.DebitConflicts.Inc()
			}
			log.Error("debit lost balance race after completion, reconciliation required",
				zap.Int64("expected_credits", expected.Credits),
				zap.Error(err),
			)
		default:
			log.Error("debit failed after completion", zap.Error(err))
		}
		return
	}

	if err := s.usageSvc.Record(ctx, accountID, s.cfg.CreditsPerSketch, usagedomain.OperationSketchGeneration, sketchID); err != nil {
		log.Error("failed to record usage event", zap.Error(err))
	}
	s.publish(accountID, notifier.EntityAccount, accountID.String(), "debited", time.Now().UTC())
}

func (s *Service) settleFailure(ctx context.Context, sketchID, accountID snowflake.ID, log *zap.Logger) {
	now := time.Now().UTC()
	won, err := s.transition(ctx, sketchID, sketchdomain.StatusProcessing, sketchdomain.StatusFailed, nil, now)
	if err != nil {
		log.Error("failed to persist failure", zap.Error(err))
		return
	}
	if won {
		s.countTransition(sketchdomain.StatusFailed)
		s.publish(accountID, notifier.EntitySketch, sketchID.String(), string(sketchdomain.StatusFailed), now)
	}
}

// transition performs the conditional status update: it wins only if the
// row still holds the expected prior status, so concurrent writers (a late
// completion racing the reaper, or two reaper sweeps) settle on exactly
// one persisted transition. Transient storage errors are retried a bounded
// number of times.
func (s *Service) transition(ctx context.Context, sketchID snowflake.ID, from, to sketchdomain.Status, outputURL *string, at time.Time) (bool, error) {
	if !sketchdomain.CanTransition(from, to) {
		return false, sketchdomain.ErrInvalidTransition
	}

	var lastErr error
	attempts := s.cfg.StatusRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var result *gorm.DB
		if outputURL != nil {
			result = s.db.WithContext(ctx).Exec(
				`UPDATE sketches
				 SET status = ?, animated_image_url = ?, unseen = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(to), *outputURL, true, at, sketchID, string(from),
			)
		} else {
			result = s.db.WithContext(ctx).Exec(
				`UPDATE sketches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(to), at, sketchID, string(from),
			)
		}
		if result.Error == nil {
			return result.RowsAffected == 1, nil
		}
		lastErr = result.Error
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return false, lastErr
}

func (s *Service) Retry(ctx context.Context, sketchID, accountID snowflake.ID) (*sketchdomain.Sketch, error) {
	sketch, err := s.Get(ctx, sketchID, accountID)
	if err != nil {
		return nil, err
	}
	if sketch.Status != sketchdomain.StatusFailed {
		return nil, sketchdomain.ErrInvalidTransition
	}

	// Fresh admission: balance, budget and rate may all have changed since
	// the original submission.
	expected, err := s.admit(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	won, err := s.transition(ctx, sketchID, sketchdomain.StatusFailed, sketchdomain.StatusProcessing, nil, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, sketchdomain.ErrTransitionLost
	}
	s.countTransition(sketchdomain.StatusProcessing)
	s.publish(accountID, notifier.EntitySketch, sketchID.String(), string(sketchdomain.StatusProcessing), now)

	sketch.Status = sketchdomain.StatusProcessing
	sketch.UpdatedAt = now

	preset := transform.Preset(sketch.Preset)
	imageData := sketch.OriginalImageURL
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.execute(context.WithoutCancel(ctx), sketchID, accountID, imageData, preset, expected)
	}()

	return sketch, nil
}

func (s *Service) Get(ctx context.Context, sketchID, accountID snowflake.ID) (*sketchdomain.Sketch, error) {
	if sketchID == 0 || accountID == 0 {
		return nil, sketchdomain.ErrInvalidSketch
	}
	var sketch sketchdomain.Sketch
	result := s.db.WithContext(ctx).Raw(
		`SELECT * FROM sketches WHERE id = ?`, sketchID,
	).Scan(&sketch)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, sketchdomain.ErrSketchNotFound
	}
	if sketch.AccountID != accountID {
		return nil, sketchdomain.ErrNotOwner
	}
	return &sketch, nil
}

func (s *Service) List(ctx context.Context, accountID snowflake.ID) ([]sketchdomain.Sketch, int64, error) {
	if accountID == 0 {
		return nil, 0, sketchdomain.ErrInvalidSketch
	}
	var sketches []sketchdomain.Sketch
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM sketches WHERE account_id = ? ORDER BY created_at DESC`,
		accountID,
	).Scan(&sketches).Error
	if err != nil {
		return nil, 0, err
	}

	var unseen int64
	for _, sketch := range sketches {
		if sketch.Unseen && sketch.Status == sketchdomain.StatusCompleted {
			unseen++
		}
	}
	return sketches, unseen, nil
}

func (s *Service) MarkSeen(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return sketchdomain.ErrInvalidSketch
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE sketches SET unseen = ? WHERE account_id = ? AND unseen = ?`,
		false, accountID, true,
	).Error
}

// Wait blocks until in-flight executions finish; used on shutdown and in
// tests.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) publish(accountID snowflake.ID, entityType, entityID, status string, at time.Time) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(accountID.String(), notifier.Event{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     status,
		Version:    at.UnixNano(),
	})
}

func (s *Service) countTransition(to sketchdomain.Status) {
	if s.metrics != nil {
		s.metrics.SketchTransitions.WithLabelValues(string(to)).Inc()
	}
}
