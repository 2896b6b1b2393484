package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opensandbox/podrelay/internal/audit"
	"github.com/opensandbox/podrelay/internal/auth"
	"github.com/opensandbox/podrelay/internal/backend"
	"github.com/opensandbox/podrelay/internal/metrics"
	"github.com/opensandbox/podrelay/internal/ticket"
	"github.com/opensandbox/podrelay/pkg/types"
)

// Options configures the API server.
type Options struct {
	Tickets        *ticket.Issuer
	Backend        backend.Backend
	JWT            *auth.JWTIssuer
	APIKey         string
	Audit          audit.Recorder
	AllowedOrigins []string // empty means the Origin host must equal the request host
	ServeMetrics   bool     // serve /metrics on this listener
	Debug          bool
}

// Server holds the API server dependencies.
type Server struct {
	echo           *echo.Echo
	tickets        *ticket.Issuer
	backend        backend.Backend
	audit          audit.Recorder
	allowedOrigins []string
}

// NewServer creates a new API server with all routes configured.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = opts.Debug

	rec := opts.Audit
	if rec == nil {
		rec = audit.Nop{}
	}

	s := &Server{
		echo:           e,
		tickets:        opts.Tickets,
		backend:        opts.Backend,
		audit:          rec,
		allowedOrigins: opts.AllowedOrigins,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.ServeMetrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	// Ticket issuance (bearer auth)
	e.POST(types.TicketPath, s.createTicket, auth.BearerMiddleware(opts.JWT, opts.APIKey))

	// Websocket endpoints (ticket auth)
	wsAuth := s.wsAuthMiddleware()
	e.GET(types.ExecPath, s.execWebSocket, wsAuth)
	e.GET(types.LogsPath, s.logsWebSocket, wsAuth)

	return s
}

// Handler exposes the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and waits for handlers up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Close closes the server immediately.
func (s *Server) Close() error {
	return s.echo.Close()
}
