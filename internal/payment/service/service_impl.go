package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/notifier"
	obsmetrics "github.com/pixiesketch/platform/internal/observability/metrics"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	"github.com/pixiesketch/platform/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	AccountSvc accountdomain.Service
	Hub        *notifier.Hub       `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	verifier   *webhook.Verifier
	accountSvc accountdomain.Service
	hub        *notifier.Hub
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		verifier:   webhook.NewVerifier(p.Cfg.Webhook.SigningSecret, p.Cfg.Webhook.Tolerance),
		accountSvc: p.AccountSvc,
		hub:        p.Hub,
		metrics:    p.Metrics,
	}
}

// wireEvent mirrors the provider's checkout-session payload shape; only the
// fields the reconciler needs are decoded.
type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			AmountTotal   int64  `json:"amount_total"`
			Currency      string `json:"currency"`
			Metadata      struct {
				Credits     string `json:"credits"`
				UserID      string `json:"user_id"`
				PackageName string `json:"package_name"`
			} `json:"metadata"`
			CustomerDetails struct {
				Email string `json:"email"`
			} `json:"customer_details"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Service) HandleEvent(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.verifier.Verify(payload, headers.Get(webhook.SignatureHeader)); err != nil {
		s.countEvent("rejected_signature")
		return err
	}
	if !json.Valid(payload) {
		s.countEvent("rejected_payload")
		return paymentdomain.ErrInvalidPayload
	}

	event, err := parseEvent(payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.countEvent("ignored")
			return nil
		}
		s.countEvent("rejected_payload")
		return err
	}

	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event, payload)
	case paymentdomain.EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	default:
		s.countEvent("ignored")
		return nil
	}
}

func parseEvent(payload []byte) (*paymentdomain.Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	switch wire.Type {
	case paymentdomain.EventTypeCheckoutCompleted, paymentdomain.EventTypePaymentFailed:
	case paymentdomain.EventTypePaymentSucceeded:
		// The credit grant rides on checkout completion; the intent event
		// carries no session metadata and is informational only.
		return nil, paymentdomain.ErrEventIgnored
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	object := wire.Data.Object
	if strings.TrimSpace(object.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.Event{
		Type:            wire.Type,
		SessionID:       object.ID,
		PaymentIntentID: object.PaymentIntent,
		CustomerEmail:   object.CustomerDetails.Email,
		Amount:          object.AmountTotal,
		Currency:        strings.ToLower(strings.TrimSpace(object.Currency)),
		PackageName:     object.Metadata.PackageName,
	}
	if event.Currency == "" {
		event.Currency = "usd"
	}

	if wire.Type == paymentdomain.EventTypeCheckoutCompleted {
		credits, err := strconv.ParseInt(strings.TrimSpace(object.Metadata.Credits), 10, 64)
		if err != nil || credits <= 0 {
			return nil, paymentdomain.ErrInvalidEvent
		}
		event.Credits = credits
	}

	// Guest purchases carry user_id="guest" and stay unattached until the
	// buyer registers.
	if userID := strings.TrimSpace(object.Metadata.UserID); userID != "" && userID != "guest" {
		parsed, err := snowflake.ParseString(userID)
		if err != nil {
			return nil, paymentdomain.ErrInvalidEvent
		}
		event.AccountID = &parsed
	}

	return event, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *paymentdomain.Event, payload []byte) error {
	record := paymentdomain.PaymentRecord{
		ID:              s.genID.Generate(),
		SessionID:       event.SessionID,
		PaymentIntentID: event.PaymentIntentID,
		AccountID:       event.AccountID,
		CustomerEmail:   event.CustomerEmail,
		Amount:          event.Amount,
		Currency:        event.Currency,
		CreditsGranted:  event.Credits,
		PackageName:     event.PackageName,
		Status:          paymentdomain.PaymentStatusCompleted,
		RawPayload:      datatypes.JSON(payload),
		CreatedAt:       time.Now().UTC(),
	}

	// Insert before credit. The unique session index makes the insert the
	// idempotency barrier: a replay affects zero rows and stops here.
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (
			id, session_id, payment_intent_id, account_id, customer_email,
			amount, currency, credits_granted, package_name, status, raw_payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		record.ID, record.SessionID, record.PaymentIntentID, record.AccountID, record.CustomerEmail,
		record.Amount, record.Currency, record.CreditsGranted, record.PackageName,
		string(record.Status), record.RawPayload, record.CreatedAt,
	)
	if result.Error != nil {
		s.countEvent("storage_error")
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Info("payment event replayed, skipping",
			zap.String("session_id", event.SessionID),
		)
		s.countEvent("replayed")
		return paymentdomain.ErrEventAlreadyProcessed
	}
	s.countEvent("recorded")

	return s.applyCredit(ctx, &record)
}

// applyCredit credits the ledger for the record. A failure here leaves the
// record inserted and uncredited, which the reconciliation sweep picks up;
// it is never surfaced to the provider as a handler failure because a retry
// would be stopped by the idempotency barrier anyway.
func (s *Service) applyCredit(ctx context.Context, record *paymentdomain.PaymentRecord) error {
	if record.AccountID == nil {
		// Guest purchase: credited on account attachment, not here.
		return nil
	}

	newBalance, credited, err := s.creditAndStamp(ctx, record)
	if err != nil {
		s.log.Error("payment recorded but credit failed, reconciliation required",
			zap.String("session_id", record.SessionID),
			zap.String("account_id", record.AccountID.String()),
			zap.Int64("credits", record.CreditsGranted),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.PaymentUncredited.Inc()
		}
		return nil
	}
	if !credited {
		return nil
	}

	now := time.Now().UTC()
	if s.metrics != nil {
		s.metrics.PaymentCredited.Inc()
	}
	s.log.Info("payment credited",
		zap.String("session_id", record.SessionID),
		zap.String("account_id", record.AccountID.String()),
		zap.Int64("credits", record.CreditsGranted),
		zap.Int64("balance", newBalance),
	)

	if s.hub != nil {
		s.hub.Publish(record.AccountID.String(), notifier.Event{
			EntityType: notifier.EntityAccount,
			EntityID:   record.AccountID.String(),
			Status:     "credited",
			Version:    now.UnixNano(),
		})
	}
	return nil
}

// creditAndStamp applies the ledger credit and the credited_at stamp in one
// transaction. The conditional stamp is the exactly-once gate: a record that
// was already stamped, by a racing handler or sweep, takes no further credit,
// and a failed credit rolls the stamp back so the record stays a
// reconciliation candidate. The two writes can never commit apart.
func (s *Service) creditAndStamp(ctx context.Context, record *paymentdomain.PaymentRecord) (int64, bool, error) {
	var newBalance int64
	credited := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE payment_records SET credited_at = ? WHERE id = ? AND credited_at IS NULL`,
			time.Now().UTC(), record.ID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		balance, err := s.accountSvc.CreditInTx(ctx, tx, *record.AccountID, record.CreditsGranted)
		if err != nil {
			return err
		}
		newBalance = balance
		credited = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return newBalance, credited, nil
}

// handlePaymentFailed corrects the status of a known session after a
// provider-side failure callback. No credit motion: a failed session was
// either never credited or is handled out of band.
func (s *Service) handlePaymentFailed(ctx context.Context, event *paymentdomain.Event) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE payment_records SET status = ?
		 WHERE payment_intent_id = ? AND status = ? AND credited_at IS NULL`,
		string(paymentdomain.PaymentStatusFailed),
		event.PaymentIntentID,
		string(paymentdomain.PaymentStatusCompleted),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Warn("payment marked failed by provider callback",
			zap.String("payment_intent_id", event.PaymentIntentID),
		)
	}
	s.countEvent("failed_callback")
	return nil
}

func (s *Service) ReconcileUncredited(ctx context.Context) (int, error) {
	var records []paymentdomain.PaymentRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payment_records
		 WHERE status = ? AND credited_at IS NULL AND account_id IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT 100`,
		string(paymentdomain.PaymentStatusCompleted),
	).Scan(&records).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	var sweepErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return recovered, errors.Join(sweepErr, ctx.Err())
		}
		record := record
		_, credited, err := s.creditAndStamp(ctx, &record)
		if err != nil {
			sweepErr = errors.Join(sweepErr, err)
			continue
		}
		if !credited {
			// A racing handler or sweep stamped it first.
			continue
		}
		recovered++
		s.log.Info("reconciled uncredited payment",
			zap.String("session_id", record.SessionID),
			zap.Int64("credits", record.CreditsGranted),
		)
	}
	return recovered, sweepErr
}

func (s *Service) History(ctx context.Context, accountID snowflake.ID) ([]paymentdomain.PaymentRecord, error) {
	if accountID == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	var records []paymentdomain.PaymentRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM payment_records WHERE account_id = ? ORDER BY created_at DESC`,
		accountID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) countEvent(outcome string) {
	if s.metrics != nil {
		s.metrics.PaymentEvents.WithLabelValues(outcome).Inc()
	}
}
