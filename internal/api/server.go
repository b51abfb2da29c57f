package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/xpress/internal/identity"
)

// Server represents the API server
type Server struct {
	echo     *echo.Echo
	port     int
	verifier *identity.Verifier
	hub      *Hub
	deps     Deps

	rateLimit float64
	rateBurst int
}

type ServerOption func(*Server)

// WithRateLimit sets the per-user request rate (requests per second) and burst.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = perSecond
		s.rateBurst = burst
	}
}

// NewServer creates a new API server
func NewServer(port int, verifier *identity.Verifier, deps Deps, opts ...ServerOption) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:      e,
		port:      port,
		verifier:  verifier,
		hub:       NewHub(deps),
		deps:      deps,
		rateLimit: 5,
		rateBurst: 10,
	}
	for _, opt := range opts {
		opt(server)
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Hub returns the per-user workspace hub.
func (s *Server) Hub() *Hub { return s.hub }

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")

	// Health check endpoint
	v1.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	protected := v1.Group("", identity.RequireAuth(s.verifier), s.rateLimiter())

	protected.GET("/sessions", s.listSessions)
	protected.POST("/sessions", s.createSession)
	protected.DELETE("/sessions/:id", s.removeSession)
	protected.POST("/sessions/:id/select", s.selectSession)
	protected.PUT("/sessions/:id/draft", s.saveDraft)
	protected.PUT("/sessions/:id/canvas", s.setCanvas)

	protected.GET("/sessions/:id/panes/:pane/messages", s.paneMessages)
	protected.POST("/sessions/:id/panes/:pane/submit", s.submit)
	protected.POST("/sessions/:id/panes/:pane/cancel", s.cancel)

	protected.GET("/sessions/:id/settings", s.getSettings)
	protected.PATCH("/sessions/:id/settings", s.patchSettings)

	protected.GET("/models", s.listModels)
	protected.GET("/logs/errors", s.exportErrorLog)
}

// rateLimiter limits each authenticated user independently.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.rateLimit),
			Burst:     s.rateBurst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if user := identity.UserFrom(c); user != nil {
				return user.ID, nil
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "unable to identify caller")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil {
				evt = log.Warn().Err(v.Error)
			}
			evt.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("HTTP request")
			return nil
		},
	})
}

// ServeHTTP lets the server be mounted or exercised directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until ctx is done, then shuts down gracefully and settles
// every open workspace.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.hub.Close()
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.echo.Shutdown(shutdownCtx)
	s.hub.Close()
	return err
}
