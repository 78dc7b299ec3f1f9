package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/notifier"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	"github.com/pixiesketch/platform/internal/ratelimit"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Stubs --

type accountStub struct {
	balance accountdomain.Balance
	err     error
}

func (s *accountStub) EnsureAccount(context.Context, snowflake.ID, string) error { return nil }

func (s *accountStub) GetBalance(context.Context, snowflake.ID) (accountdomain.Balance, error) {
	return s.balance, s.err
}

func (s *accountStub) Credit(context.Context, snowflake.ID, int64) (int64, error) { return 0, nil }

func (s *accountStub) CreditInTx(context.Context, *gorm.DB, snowflake.ID, int64) (int64, error) {
	return 0, nil
}

func (s *accountStub) Debit(context.Context, snowflake.ID, int64, accountdomain.Balance) (int64, error) {
	return 0, nil
}

type sketchStub struct {
	sketch *sketchdomain.Sketch
	err    error
}

func (s *sketchStub) Submit(context.Context, sketchdomain.SubmitRequest) (*sketchdomain.Sketch, error) {
	return s.sketch, s.err
}

func (s *sketchStub) Retry(context.Context, snowflake.ID, snowflake.ID) (*sketchdomain.Sketch, error) {
	return s.sketch, s.err
}

func (s *sketchStub) List(context.Context, snowflake.ID) ([]sketchdomain.Sketch, int64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	if s.sketch == nil {
		return nil, 0, nil
	}
	return []sketchdomain.Sketch{*s.sketch}, 1, nil
}

func (s *sketchStub) MarkSeen(context.Context, snowflake.ID) error { return s.err }

func (s *sketchStub) Get(context.Context, snowflake.ID, snowflake.ID) (*sketchdomain.Sketch, error) {
	return s.sketch, s.err
}

type paymentStub struct {
	err error
}

func (s *paymentStub) HandleEvent(context.Context, []byte, http.Header) error { return s.err }

func (s *paymentStub) ReconcileUncredited(context.Context) (int, error) { return 0, nil }

func (s *paymentStub) History(context.Context, snowflake.ID) ([]paymentdomain.PaymentRecord, error) {
	return nil, nil
}

type budgetServiceStub struct{}

func (budgetServiceStub) Allow(context.Context, int64) (budgetdomain.Decision, error) {
	return budgetdomain.Decision{Allowed: true}, nil
}

func (budgetServiceStub) CreatePeriod(context.Context, budgetdomain.CreatePeriodRequest) (*budgetdomain.BudgetPeriod, error) {
	return &budgetdomain.BudgetPeriod{}, nil
}

func (budgetServiceStub) UpdatePeriod(context.Context, snowflake.ID, budgetdomain.UpdatePeriodRequest) error {
	return nil
}

func (budgetServiceStub) Stats(context.Context) (budgetdomain.Stats, error) {
	return budgetdomain.Stats{}, nil
}

// -- Harness --

type harness struct {
	server  *Server
	sketch  *sketchStub
	payment *paymentStub
	account *accountStub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		AuthStaticTokens: "artist-token:1111:artist@example.com,admin-token:2222:admin@example.com:admin",
	}

	sketchSvc := &sketchStub{}
	paymentSvc := &paymentStub{}
	accountSvc := &accountStub{balance: accountdomain.Balance{Credits: 5, Version: 2}}

	server := NewServer(ServerParams{
		Gin:        NewEngine(zap.NewNop()),
		Cfg:        cfg,
		Log:        zap.NewNop(),
		GenID:      node,
		AccountSvc: accountSvc,
		SketchSvc:  sketchSvc,
		PaymentSvc: paymentSvc,
		BudgetSvc:  budgetServiceStub{},
		Hub:        notifier.NewHub(),
	})

	return &harness{server: server, sketch: sketchSvc, payment: paymentSvc, account: accountSvc}
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(recorder, req)
	return recorder
}

// -- Tests --

func TestAPI_RequiresBearerToken(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/api/credits", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = h.do(http.MethodGet, "/api/credits", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAPI_GetCredits(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/api/credits", "artist-token", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"credits": 5, "version": 2}`, resp.Body.String())
}

func TestAPI_SubmitSketchAccepted(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	h.sketch.sketch = &sketchdomain.Sketch{
		ID:        42,
		AccountID: 1111,
		Preset:    "cartoon",
		Status:    sketchdomain.StatusProcessing,
		Unseen:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	resp := h.do(http.MethodPost, "/api/sketches", "artist-token",
		`{"image_data": "aGVsbG8=", "preset": "cartoon"}`)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"processing"`)
}

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"insufficient credits", accountdomain.ErrInsufficientCredits, http.StatusPaymentRequired},
		{"rate limited", &ratelimit.LimitError{RetryAfter: 30 * time.Second}, http.StatusTooManyRequests},
		{"budget exhausted", budgetdomain.ErrInsufficientBudget, http.StatusServiceUnavailable},
		{"invalid preset", sketchdomain.ErrInvalidSketch, http.StatusBadRequest},
		{"conflict", sketchdomain.ErrTransitionLost, http.StatusConflict},
		{"not found", sketchdomain.ErrSketchNotFound, http.StatusNotFound},
		{"not owner", sketchdomain.ErrNotOwner, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sketch.err = tt.err

			resp := h.do(http.MethodPost, "/api/sketches", "artist-token",
				`{"image_data": "aGVsbG8=", "preset": "cartoon"}`)
			assert.Equal(t, tt.status, resp.Code)
		})
	}
}

func TestAPI_RateLimitedCarriesRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.sketch.err = &ratelimit.LimitError{RetryAfter: 30 * time.Second}

	resp := h.do(http.MethodPost, "/api/sketches", "artist-token",
		`{"image_data": "aGVsbG8=", "preset": "cartoon"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "30", resp.Header().Get("Retry-After"))
}

func TestWebhook_NoAuthRequired(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/webhooks/stripe", "", `{"type":"noop"}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebhook_ReplayAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.payment.err = paymentdomain.ErrEventAlreadyProcessed

	resp := h.do(http.MethodPost, "/webhooks/stripe", "", `{"type":"checkout.session.completed"}`)
	assert.Equal(t, http.StatusOK, resp.Code, "duplicates are acknowledged so the provider stops retrying")
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	h := newHarness(t)
	h.payment.err = paymentdomain.ErrInvalidSignature

	resp := h.do(http.MethodPost, "/webhooks/stripe", "", `{"type":"checkout.session.completed"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWebhook_MalformedBodyIsBadRequest(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid payload", paymentdomain.ErrInvalidPayload},
		{"invalid event", paymentdomain.ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.payment.err = tt.err

			resp := h.do(http.MethodPost, "/webhooks/stripe", "", `{"type":"checkout.session.completed"}`)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/admin/budget/stats", "artist-token", "")
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = h.do(http.MethodGet, "/admin/budget/stats", "admin-token", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}
