// Package server exposes the admin HTTP surface: entitlement reads, grace
// period listings, and enforcement controls.
package server

import (
	"context"
	"net/http"
	"time"

	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/config"
	"github.com/flowline/flowline/internal/enforcement"
	entitlementservice "github.com/flowline/flowline/internal/entitlement/service"
	gpservice "github.com/flowline/flowline/internal/graceperiod/service"
	obstracing "github.com/flowline/flowline/internal/observability/tracing"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	db           *gorm.DB
	log          *zap.Logger
	catalog      catalogdomain.Service
	entitlements *entitlementservice.Service
	graces       *gpservice.Service
	enforcer     *enforcement.Enforcer
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Catalog      catalogdomain.Service
	Entitlements *entitlementservice.Service
	Graces       *gpservice.Service
	Enforcer     *enforcement.Enforcer
}

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("http.request", fields...)
			return
		}
		log.Info("http.request", fields...)
	}
}

func NewServer(r *gin.Engine, p Params) *Server {
	s := &Server{
		db:           p.DB,
		log:          p.Log.Named("server"),
		catalog:      p.Catalog,
		entitlements: p.Entitlements,
		graces:       p.Graces,
		enforcer:     p.Enforcer,
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/plans", s.CreatePlan)
		v1.GET("/plans", s.ListPlans)
		v1.POST("/features", s.CreateFeature)
		v1.PUT("/plans/:plan_code/features/:feature_code", s.SetPlanFeatureValue)

		v1.GET("/tenants", s.ListTenants)
		v1.POST("/tenants/:tenant_id/plan", s.AssignPlan)
		v1.PUT("/tenants/:tenant_id/overrides/:feature_code", s.SetOverride)
		v1.GET("/tenants/:tenant_id/entitlements", s.GetEntitlements)
		v1.GET("/tenants/:tenant_id/entitlements/:feature_code/check", s.CheckEntitlement)
		v1.GET("/tenants/:tenant_id/grace-periods", s.ListGracePeriods)

		v1.POST("/enforcement/cycles", s.TriggerCycle)
		v1.GET("/enforcement/status", s.EnforcementStatus)
	}

	return s
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

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
