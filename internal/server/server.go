package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slyretail/fiscalbridge/internal/config"
	fiscaldomain "github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	"github.com/slyretail/fiscalbridge/internal/observability"
	obsmiddleware "github.com/slyretail/fiscalbridge/internal/observability/logger"
	obsmetrics "github.com/slyretail/fiscalbridge/internal/observability/metrics"
	obstracing "github.com/slyretail/fiscalbridge/internal/observability/tracing"
	"github.com/slyretail/fiscalbridge/internal/pipeline"
	"github.com/slyretail/fiscalbridge/internal/ratelimit"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	tenantdomain "github.com/slyretail/fiscalbridge/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

// Server holds every dependency the HTTP handlers touch.
type Server struct {
	engine        *gin.Engine
	log           *zap.Logger
	cfg           config.Config
	db            *gorm.DB
	tenants       tenantdomain.Repository
	sales         saledomain.Repository
	devices       fiscaldomain.DeviceRepository
	days          fiscaldomain.DayService
	queue         *pipeline.QueueManager
	orchestrator  *pipeline.Orchestrator
	ingestLimiter *ratelimit.WebhookIngestLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Log           *zap.Logger
	Cfg           config.Config
	DB            *gorm.DB
	Tenants       tenantdomain.Repository
	Sales         saledomain.Repository
	Devices       fiscaldomain.DeviceRepository
	Days          fiscaldomain.DayService
	Queue         *pipeline.QueueManager
	Orchestrator  *pipeline.Orchestrator
	IngestLimiter *ratelimit.WebhookIngestLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics             `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		log:           p.Log.Named("http.server"),
		cfg:           p.Cfg,
		db:            p.DB,
		tenants:       p.Tenants,
		sales:         p.Sales,
		devices:       p.Devices,
		days:          p.Days,
		queue:         p.Queue,
		orchestrator:  p.Orchestrator,
		ingestLimiter: p.IngestLimiter,
		obsMetrics:    p.ObsMetrics,
	}
}

func registerRoutes(s *Server) {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/webhooks/pos", s.rateLimited(), s.handleWebhook)
		v1.POST("/receipts/resubmit", s.handleResubmit)
		v1.POST("/fiscal-days/close", s.handleManualDayClose)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
