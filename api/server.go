// Package api serves the HTTP surface: the websocket endpoint, the
// flow CRUD for non-realtime clients and tooling, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"arcflow.dev/auth"
	"arcflow.dev/common"
	"arcflow.dev/config"
	"arcflow.dev/errcode"
	"arcflow.dev/flow"
	"arcflow.dev/gateway"
)

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Service  config.ServiceConfig
	Tokens   *auth.TokenService
	Flows    *flow.Manager
	Gateway  *gateway.Gateway
	Registry *prometheus.Registry
	// Health contributes extra detail to the health payload.
	Health func() map[string]any
}

// Server is the echo server for the arcflow HTTP surface.
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	log  *logrus.Entry
}

// NewServer builds the echo server with the standard middleware chain
// and mounts every route.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	e.GET("/health", healthHandler(deps))
	if deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
			deps.Registry,
			promhttp.HandlerOpts{},
		)))
	}
	if deps.Gateway != nil {
		e.GET("/ws", deps.Gateway.HandleWS)
	}

	if deps.Flows != nil {
		flows := &FlowAPI{manager: deps.Flows}
		v1 := e.Group("/v1", jwtMiddleware(deps.Tokens))
		flows.Mount(v1)
	}

	return &Server{
		echo: e,
		cfg:  cfg,
		log:  common.Component("api"),
	}
}

// Echo exposes the underlying server for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.WithField("addr", addr).Info("http server listening")
	return s.echo.StartServer(&http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// healthResponse is the /health body.
type healthResponse struct {
	Status  string         `json:"status"`
	Service string         `json:"service,omitempty"`
	Version string         `json:"version,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func healthHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{
			Status:  "healthy",
			Service: deps.Service.Name,
			Version: deps.Service.Version,
		}
		if deps.Health != nil {
			resp.Details = deps.Health()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// errorBody is the standard error response shape.
type errorBody struct {
	Error   errcode.Code `json:"error"`
	Message string       `json:"message"`
}

// errorHandler maps taxonomy errors onto HTTP statuses and keeps echo's
// own errors intact.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := errcode.CodeOf(err)
	status := errcode.HTTPStatus(code)
	message := errcode.MessageOf(err)

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		code = errcode.Processing
		if status == http.StatusUnauthorized {
			code = errcode.AuthFailed
		}
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if writeErr := c.JSON(status, errorBody{Error: code, Message: message}); writeErr != nil {
		common.Component("api").WithError(writeErr).Debug("error response write failed")
	}
}
