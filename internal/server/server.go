package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/store"
	"github.com/rahul/scribe/internal/tools"
)

// Service runs generation work. *agent.Service implements it.
type Service interface {
	Generate(ctx context.Context, topic string, variant agent.Variant) agent.BatchJob
	Batch(ctx context.Context, topics []string, variant agent.Variant) ([]agent.BatchJob, agent.BatchSummary)
	Trending(ctx context.Context, domain string) ([]agent.Topic, error)
	FromURL(ctx context.Context, rawURL string) ([]agent.Topic, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// History reads and prunes recorded jobs. *store.Store implements it.
type History interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error)
	GetJob(ctx context.Context, id string) (store.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Rotator rotates the provider credential pool. *tools.Broker implements it.
type Rotator interface {
	Rotate(ctx context.Context) (bool, error)
}

type Deps struct {
	Service Service
	History History
	Tools   tools.Dispatcher
	Rotator Rotator
	Status  *observability.Status
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP API.
type Server struct {
	e         *echo.Echo
	deps      Deps
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		e:         echo.New(),
		deps:      d,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger.Named("http"),
	}
	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))

	api := e.Group("/api")
	api.POST("/generate", s.generate)
	api.POST("/batch", s.batch)
	api.POST("/topics/trending", s.trending)
	api.POST("/topics/from-url", s.fromURL)
	api.GET("/history", s.listHistory)
	api.GET("/history/:id", s.getHistory)
	api.DELETE("/history/:id", s.deleteHistory)
	api.GET("/stats", s.stats)
	api.GET("/tools", s.listTools)
	api.GET("/status", s.status)
	api.POST("/rotate", s.rotate)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- s.e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.e.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	if code >= http.StatusInternalServerError {
		req := c.Request()
		s.logger.Error("request failed", zap.Int("status", code), zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
