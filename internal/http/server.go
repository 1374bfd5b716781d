package http

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/http/middleware"
	"github.com/jmehdipour/event-relay/internal/metrics"
	"github.com/jmehdipour/event-relay/internal/repository"
)

// Server hosts the inbound delivery callback plus the admin/reporting API.
type Server struct {
	e        *echo.Echo
	mgr      *eventlog.Manager
	bus      *bus.Bus
	callback bus.PublishCallback
	reports  repository.DeliveryReports
	handlers map[string]EventHandler
	appID    string
	maxRetry int
}

func NewServer(
	cfg config.Config,
	mgr *eventlog.Manager,
	b *bus.Bus,
	callback bus.PublishCallback,
	reports repository.DeliveryReports,
	rds *redis.Client,
	handlers map[string]EventHandler,
) *Server {
	if handlers == nil {
		handlers = map[string]EventHandler{}
	}

	s := &Server{
		mgr:      mgr,
		bus:      b,
		callback: callback,
		reports:  reports,
		handlers: handlers,
		appID:    cfg.EventLog.AppID,
		maxRetry: mgr.MaxRetry(),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// inbound delivery callback (broker-facing)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		Window:         time.Second,
		RetryAfterHint: true,
	})
	e.POST("/events/:topic", subscribeHandler(s), rlMW)

	// admin API
	adminMW := middleware.AdminKeyMiddleware(cfg.HTTP.AdminAPIKey)
	v1 := e.Group("/v1", adminMW)
	v1.POST("/publish", publishHandler(s))
	v1.GET("/events", listEventsHandler(s))
	v1.GET("/events/count", getCountHandler(s))
	v1.DELETE("/events/count", clearCountHandler(s))
	v1.GET("/events/:id", getEventHandler(s))
	v1.POST("/events/:id/republish", republishHandler(s))
	v1.GET("/reports/deliveries", listDeliveriesHandler(s))

	s.e = e
	return s
}

// Register binds a topic to its handler. Call before Start.
func (s *Server) Register(topic string, h EventHandler) { s.handlers[topic] = h }

func (s *Server) Start(addr string) error            { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
