package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	"github.com/pixiesketch/platform/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("account.service"),
	}
}

func (s *Service) EnsureAccount(ctx context.Context, id snowflake.ID, email string) error {
	if id == 0 {
		return accountdomain.ErrInvalidAccount
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, email, credits, version, created_at, updated_at)
		 VALUES (?, ?, 0, 0, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, email, now, now,
	).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID) (accountdomain.Balance, error) {
	if accountID == 0 {
		return accountdomain.Balance{}, accountdomain.ErrInvalidAccount
	}

	var row struct {
		Credits int64
		Version int64
	}
	result := s.db.WithContext(ctx).Raw(
		`SELECT credits, version FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&row)
	if result.Error != nil {
		return accountdomain.Balance{}, result.Error
	}
	if result.RowsAffected == 0 {
		return accountdomain.Balance{}, accountdomain.ErrAccountNotFound
	}

	return accountdomain.Balance{
		AccountID: accountID,
		Credits:   row.Credits,
		Version:   row.Version,
	}, nil
}

func (s *Service) Credit(ctx context.Context, accountID snowflake.ID, amount int64) (int64, error) {
	return s.creditTx(ctx, s.db, accountID, amount)
}

// CreditInTx runs the credit on the caller's transaction. Payment
// reconciliation relies on this to commit the balance write and the
// credited_at stamp together.
func (s *Service) CreditInTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	return s.creditTx(ctx, tx, accountID, amount)
}

func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64) (int64, error) {
	if accountID == 0 {
		return 0, accountdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return 0, accountdomain.ErrInvalidAmount
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits = credits + ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		amount, time.Now().UTC(), accountID,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, accountdomain.ErrAccountNotFound
	}

	var credits int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT credits FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&credits).Error; err != nil {
		return 0, err
	}
	return credits, nil
}

// Debit is a compare-and-swap against the balance snapshot taken at admission
// time. Admission and the debit that follows it are separated by a slow
// external call; without the CAS, two jobs admitted against the same balance
// could both debit it and push it negative.
func (s *Service) Debit(ctx context.Context, accountID snowflake.ID, amount int64, expected accountdomain.Balance) (int64, error) {
	if accountID == 0 {
		return 0, accountdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return 0, accountdomain.ErrInvalidAmount
	}
	if expected.Credits < amount {
		return 0, accountdomain.ErrInsufficientCredits
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET credits = credits - ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND credits = ? AND version = ?`,
		amount, time.Now().UTC(), accountID, expected.Credits, expected.Version,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.GetBalance(ctx, accountID)
		if err != nil {
			return 0, err
		}
		s.log.Warn("debit lost balance race",
			zap.String("account_id", accountID.String()),
			zap.Int64("expected_credits", expected.Credits),
			zap.Int64("current_credits", current.Credits),
		)
		return 0, accountdomain.ErrConcurrencyConflict
	}

	return expected.Credits - amount, nil
}
