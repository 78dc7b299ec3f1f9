package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/pixiesketch/platform/internal/account"
	accountdomain "github.com/pixiesketch/platform/internal/account/domain"
	"github.com/pixiesketch/platform/internal/budget"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	"github.com/pixiesketch/platform/internal/cache"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/notifier"
	"github.com/pixiesketch/platform/internal/payment"
	paymentdomain "github.com/pixiesketch/platform/internal/payment/domain"
	"github.com/pixiesketch/platform/internal/ratelimit"
	"github.com/pixiesketch/platform/internal/reaper"
	"github.com/pixiesketch/platform/internal/sketch"
	sketchdomain "github.com/pixiesketch/platform/internal/sketch/domain"
	"github.com/pixiesketch/platform/internal/transform"
	"github.com/pixiesketch/platform/internal/usage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	account.Module,
	usage.Module,
	payment.Module,
	budget.Module,
	sketch.Module,
	transform.Module,
	cache.Module,
	ratelimit.Module,
	notifier.Module,
	reaper.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	verifier   TokenVerifier
	accountSvc accountdomain.Service
	sketchSvc  sketchdomain.Service
	paymentSvc paymentdomain.Service
	budgetSvc  budgetdomain.Service
	hub        *notifier.Hub
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Verifier   TokenVerifier `optional:"true"`
	AccountSvc accountdomain.Service
	SketchSvc  sketchdomain.Service
	PaymentSvc paymentdomain.Service
	BudgetSvc  budgetdomain.Service
	Hub        *notifier.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	verifier := p.Verifier
	if verifier == nil {
		verifier = NewStaticTokenVerifier(p.Cfg)
	}

	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		verifier:   verifier,
		accountSvc: p.AccountSvc,
		sketchSvc:  p.SketchSvc,
		paymentSvc: p.PaymentSvc,
		budgetSvc:  p.BudgetSvc,
		hub:        p.Hub,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	// -------- Sketches --------
	api.POST("/sketches", s.SubmitSketch)
	api.GET("/sketches", s.ListSketches)
	api.GET("/sketches/:id", s.GetSketch)
	api.POST("/sketches/:id/retry", s.RetrySketch)
	api.POST("/sketches/seen", s.MarkSketchesSeen)
	api.GET("/sketches/stream", s.StreamSketchEvents)

	// -------- Credits --------
	api.GET("/credits", s.GetCredits)
	api.GET("/payments", s.ListPayments)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.GET("/budget/stats", s.GetBudgetStats)
	admin.POST("/budget/periods", s.CreateBudgetPeriod)
	admin.PATCH("/budget/periods/:id", s.UpdateBudgetPeriod)
}
