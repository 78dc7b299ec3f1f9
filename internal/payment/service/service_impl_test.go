package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	accountservice "github.com/pixiesketch/platform/internal/account/service"
	"github.com/pixiesketch/platform/internal/config"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	"github.com/pixiesketch/platform/internal/payment/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type accountMock struct {
	mock.Mock
}

func (m *accountMock) EnsureAccount(ctx context.Context, id snowflake.ID, email string) error {
	return nil
}

func (m *accountMock) GetBalance(ctx context.Context, accountID snowflake.ID) (accountdomain.Balance, error) {
	return accountdomain.Balance{}, nil
}

func (m *accountMock) Credit(ctx context.Context, accountID snowflake.ID, amount int64) (int64, error) {
	args := m.Called(ctx, accountID, amount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *accountMock) CreditInTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64) (int64, error) {
	args := m.Called(ctx, accountID, amount)
	return args.Get(0).(int64), args.Error(1)
}

func (m *accountMock) Debit(ctx context.Context, accountID snowflake.ID, amount int64, expected accountdomain.Balance) (int64, error) {
	return 0, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&accountdomain.Account{}, &paymentdomain.PaymentRecord{}))
	return conn
}

func testConfig() config.Config {
	return config.Config{
		Webhook: config.WebhookConfig{
			SigningSecret: testSecret,
			Tolerance:     5 * time.Minute,
		},
	}
}

func newPaymentService(t *testing.T, conn *gorm.DB, accountSvc accountdomain.Service) paymentdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Cfg:        testConfig(),
		AccountSvc: accountSvc,
	})
}

func checkoutPayload(sessionID, userID string, credits int64) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"payment_intent": "pi_123",
			"amount_total": 999,
			"currency": "usd",
			"metadata": {"credits": "%d", "user_id": %q, "package_name": "starter"},
			"customer_details": {"email": "buyer@example.com"}
		}}
	}`, sessionID, credits, userID))
}

func signedHeaders(body []byte) http.Header {
	verifier := webhook.NewVerifier(testSecret, 5*time.Minute)
	headers := http.Header{}
	headers.Set(webhook.SignatureHeader, verifier.Sign(body, time.Now()))
	return headers
}

func TestHandleEvent_RejectsBadSignature(t *testing.T) {
	conn := newTestDB(t)
	svc := newPaymentService(t, conn, &accountMock{})

	body := checkoutPayload("cs_1", "guest", 10)
	headers := http.Header{}
	headers.Set(webhook.SignatureHeader, "t=123,v1=deadbeef")

	err := svc.HandleEvent(context.Background(), body, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var count int64
	require.NoError(t, conn.Model(&paymentdomain.PaymentRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleEvent_CreditsRegisteredBuyer(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := accountservice.NewService(accountservice.Params{DB: conn, Log: zap.NewNop()})
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), buyerID, "buyer@example.com"))

	body := checkoutPayload("cs_1", buyerID.String(), 25)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	balance, err := accountSvc.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.Credits)

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_1").Error)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, record.Status)
	assert.NotNil(t, record.CreditedAt)
	assert.Equal(t, int64(25), record.CreditsGranted)
}

func TestHandleEvent_ReplayIsNoOp(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := accountservice.NewService(accountservice.Params{DB: conn, Log: zap.NewNop()})
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), buyerID, "buyer@example.com"))

	body := checkoutPayload("cs_replay", buyerID.String(), 10)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	// Same session delivered again, twice.
	for i := 0; i < 2; i++ {
		err := svc.HandleEvent(context.Background(), body, signedHeaders(body))
		assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)
	}

	balance, err := accountSvc.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits, "credits granted exactly once")

	var count int64
	require.NoError(t, conn.Model(&paymentdomain.PaymentRecord{}).Where("session_id = ?", "cs_replay").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandleEvent_GuestPurchaseStaysUnattached(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := &accountMock{}
	svc := newPaymentService(t, conn, accountSvc)

	body := checkoutPayload("cs_guest", "guest", 10)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_guest").Error)
	assert.Nil(t, record.AccountID)
	assert.Nil(t, record.CreditedAt)
	accountSvc.AssertNotCalled(t, "CreditInTx", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEvent_CreditFailureLeavesReconciliationItem(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := &accountMock{}
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	accountSvc.On("CreditInTx", mock.Anything, buyerID, int64(10)).
		Return(int64(0), assert.AnError).Once()

	body := checkoutPayload("cs_flaky", buyerID.String(), 10)
	// The handler acknowledges the event even though crediting failed; a
	// provider retry would be stopped by the idempotency barrier anyway.
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_flaky").Error)
	assert.Nil(t, record.CreditedAt)

	// The sweep recovers it once the ledger is reachable again.
	accountSvc.On("CreditInTx", mock.Anything, buyerID, int64(10)).
		Return(int64(10), nil).Once()
	recovered, err := svc.ReconcileUncredited(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	require.NoError(t, conn.First(&record, "session_id = ?", "cs_flaky").Error)
	assert.NotNil(t, record.CreditedAt)

	// A second sweep finds nothing.
	recovered, err = svc.ReconcileUncredited(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	accountSvc.AssertExpectations(t)
}

func TestHandleEvent_PaymentFailedCorrectsUncreditedRecord(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := &accountMock{}
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	accountSvc.On("CreditInTx", mock.Anything, buyerID, int64(10)).
		Return(int64(0), assert.AnError).Once()

	body := checkoutPayload("cs_fail", buyerID.String(), 10)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	failed := []byte(`{
		"type": "payment_intent.payment_failed",
		"data": {"object": {"id": "cs_fail", "payment_intent": "pi_123"}}
	}`)
	require.NoError(t, svc.HandleEvent(context.Background(), failed, signedHeaders(failed)))

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_fail").Error)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, record.Status)

	// Failed records are no longer reconciliation candidates.
	recovered, err := svc.ReconcileUncredited(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestHandleEvent_CreditAndStampCommitTogether(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := accountservice.NewService(accountservice.Params{DB: conn, Log: zap.NewNop()})
	svc := newPaymentService(t, conn, accountSvc)

	// The buyer's account row does not exist yet, so the ledger credit
	// fails inside the transaction and the credited_at stamp rolls back
	// with it. The balance and the stamp can never disagree.
	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()

	body := checkoutPayload("cs_atomic", buyerID.String(), 10)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_atomic").Error)
	assert.Nil(t, record.CreditedAt)

	// Once the account exists the sweep applies the credit exactly once.
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), buyerID, "buyer@example.com"))
	recovered, err := svc.ReconcileUncredited(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	balance, err := accountSvc.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits)

	// Re-running the sweep takes no further credit.
	recovered, err = svc.ReconcileUncredited(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)

	balance, err = accountSvc.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Credits)
}

func TestReconcileUncredited_ConcurrentSweepsCreditOnce(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := accountservice.NewService(accountservice.Params{DB: conn, Log: zap.NewNop()})
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), buyerID, "buyer@example.com"))
	_, err := accountSvc.Credit(context.Background(), buyerID, 10)
	require.NoError(t, err)

	// A completed record whose credit never landed.
	require.NoError(t, conn.Create(&paymentdomain.PaymentRecord{
		ID:             node.Generate(),
		SessionID:      "cs_race",
		AccountID:      &buyerID,
		Amount:         999,
		Currency:       "usd",
		CreditsGranted: 25,
		Status:         paymentdomain.PaymentStatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}).Error)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ReconcileUncredited(context.Background())
		}()
	}
	wg.Wait()

	// Every sweep saw the same candidate; the stamp let exactly one apply
	// the credit.
	balance, err := accountSvc.GetBalance(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(35), balance.Credits)

	var record paymentdomain.PaymentRecord
	require.NoError(t, conn.First(&record, "session_id = ?", "cs_race").Error)
	assert.NotNil(t, record.CreditedAt)
}

func TestHandleEvent_IgnoresUnknownEventTypes(t *testing.T) {
	conn := newTestDB(t)
	svc := newPaymentService(t, conn, &accountMock{})

	body := []byte(`{"type": "customer.created", "data": {"object": {"id": "cus_1"}}}`)
	require.NoError(t, svc.HandleEvent(context.Background(), body, signedHeaders(body)))

	var count int64
	require.NoError(t, conn.Model(&paymentdomain.PaymentRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHistory_ScopedToAccount(t *testing.T) {
	conn := newTestDB(t)
	accountSvc := accountservice.NewService(accountservice.Params{DB: conn, Log: zap.NewNop()})
	svc := newPaymentService(t, conn, accountSvc)

	node, _ := snowflake.NewNode(2)
	buyerID := node.Generate()
	otherID := node.Generate()
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), buyerID, "a@example.com"))
	require.NoError(t, accountSvc.EnsureAccount(context.Background(), otherID, "b@example.com"))

	first := checkoutPayload("cs_a", buyerID.String(), 5)
	second := checkoutPayload("cs_b", otherID.String(), 5)
	require.NoError(t, svc.HandleEvent(context.Background(), first, signedHeaders(first)))
	require.NoError(t, svc.HandleEvent(context.Background(), second, signedHeaders(second)))

	records, err := svc.History(context.Background(), buyerID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "cs_a", records[0].SessionID)
}
