package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixiesketch/platform/internal/config"
	"go.uber.org/zap"
)

const (
	contextAccountIDKey = "account_id"
	contextAccountEmail = "account_email"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	AccountID snowflake.ID
	Email     string
	Admin     bool
}

// TokenVerifier resolves a bearer token to an account. Identity is owned
// by an upstream provider; the pipeline only needs the stable account id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// staticTokenVerifier maps tokens from the AUTH_STATIC_TOKENS env entry
// ("token:accountID:email[:admin]" comma-separated). It exists for local
// development and tests; deployments provide a real verifier.
type staticTokenVerifier struct {
	tokens map[string]Identity
}

func NewStaticTokenVerifier(cfg config.Config) TokenVerifier {
	verifier := &staticTokenVerifier{tokens: map[string]Identity{}}
	for _, entry := range strings.Split(cfg.AuthStaticTokens, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 {
			continue
		}
		id, err := snowflake.ParseString(parts[1])
		if err != nil {
			continue
		}
		verifier.tokens[parts[0]] = Identity{
			AccountID: id,
			Email:     parts[2],
			Admin:     len(parts) > 3 && parts[3] == "admin",
		}
	}
	return verifier
}

func (v *staticTokenVerifier) Verify(_ context.Context, token string) (Identity, error) {
	for candidate, identity := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return Identity{}, ErrUnauthorized
}

func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.authenticate(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAccountIDKey, identity.AccountID)
		c.Set(contextAccountEmail, identity.Email)
		c.Next()
	}
}

func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := s.authenticate(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !identity.Admin {
			AbortWithError(c, ErrForbidden)
			return
		}

		c.Set(contextAccountIDKey, identity.AccountID)
		c.Set(contextAccountEmail, identity.Email)
		c.Next()
	}
}

func (s *Server) authenticate(c *gin.Context) (Identity, error) {
	token := bearerToken(c)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	identity, err := s.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		return Identity{}, err
	}

	// First authenticated request provisions the account row; the call is
	// idempotent.
	if err := s.accountSvc.EnsureAccount(c.Request.Context(), identity.AccountID, identity.Email); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		// SSE connections from browsers cannot set headers; the stream
		// endpoint accepts the token as a query parameter.
		return strings.TrimSpace(c.Query("access_token"))
	}
	return parts[1]
}

func accountID(c *gin.Context) snowflake.ID {
	value, ok := c.Get(contextAccountIDKey)
	if !ok {
		return 0
	}
	id, ok := value.(snowflake.ID)
	if !ok {
		return 0
	}
	return id
}

// RequestLogMiddleware assigns each request an id and logs one
// structured line per request. The id is echoed in the X-Request-ID
// header for client-side correlation.
func RequestLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	requestLog := log.Named("http")
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		requestLog.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
