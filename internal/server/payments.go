package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

// HandleStripeWebhook ingests provider events. A replayed event is
// acknowledged with 200 so the provider stops retrying; a bad signature
// is rejected before anything touches storage.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.paymentSvc.HandleEvent(c.Request.Context(), payload, c.Request.Header)
	if err != nil && !errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) GetCredits(c *gin.Context) {
	balance, err := s.accountSvc.GetBalance(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credits": balance.Credits,
		"version": balance.Version,
	})
}

type paymentResponse struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id"`
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	CreditsGranted int64   `json:"credits_granted"`
	PackageName    string  `json:"package_name,omitempty"`
	Status         string  `json:"status"`
	CreditedAt     *string `json:"credited_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func (s *Server) ListPayments(c *gin.Context) {
	records, err := s.paymentSvc.History(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]paymentResponse, 0, len(records))
	for _, record := range records {
		item := paymentResponse{
			ID:             record.ID.String(),
			SessionID:      record.SessionID,
			Amount:         record.Amount,
			Currency:       record.Currency,
			CreditsGranted: record.CreditsGranted,
			PackageName:    record.PackageName,
			Status:         string(record.Status),
			CreatedAt:      record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if record.CreditedAt != nil {
			credited := record.CreditedAt.UTC().Format(time.RFC3339)
			item.CreditedAt = &credited
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"payments": items})
}
