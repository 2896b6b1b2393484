package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/podrelay/internal/metrics"
	"github.com/opensandbox/podrelay/internal/ticket"
	"github.com/opensandbox/podrelay/pkg/types"
)

const contextKeyTicket = "ws_ticket"

var errOriginDenied = errors.New("origin not allowed")

// wsAuthMiddleware admits a websocket upgrade only with an allowed Origin and
// a valid ticket issued for this action, cluster and target. The ticket is
// consumed before the upgrade, so it cannot be replayed.
func (s *Server) wsAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := s.checkOrigin(c.Request()); err != nil {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": err.Error(),
				})
			}

			action := actionFromPath(c.Request().URL.Path)
			rec, err := s.tickets.Consume(c.Request().Context(), c.QueryParam("ticket"))
			if err != nil {
				metrics.TicketConsumeTotal.WithLabelValues(string(action), consumeResult(err)).Inc()
				status := http.StatusUnauthorized
				if !errors.Is(err, ticket.ErrMissing) && !errors.Is(err, ticket.ErrInvalid) && !errors.Is(err, ticket.ErrExpired) {
					status = http.StatusInternalServerError
				}
				return c.JSON(status, map[string]string{
					"error": err.Error(),
				})
			}

			if rec.Cluster != "" && rec.Cluster != requestCluster(c) {
				metrics.TicketConsumeTotal.WithLabelValues(string(action), "mismatch").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "ticket cluster mismatch",
				})
			}
			if rec.Action != "" && rec.Action != action {
				metrics.TicketConsumeTotal.WithLabelValues(string(action), "mismatch").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "ticket action mismatch",
				})
			}
			if !targetMatches(c, rec) {
				metrics.TicketConsumeTotal.WithLabelValues(string(action), "mismatch").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "ticket target mismatch",
				})
			}

			metrics.TicketConsumeTotal.WithLabelValues(string(action), "ok").Inc()
			c.Set(contextKeyTicket, rec)
			return next(c)
		}
	}
}

func getTicket(c echo.Context) (ticket.Record, bool) {
	rec, ok := c.Get(contextKeyTicket).(ticket.Record)
	return rec, ok
}

func consumeResult(err error) string {
	switch {
	case errors.Is(err, ticket.ErrMissing):
		return "missing"
	case errors.Is(err, ticket.ErrExpired):
		return "expired"
	case errors.Is(err, ticket.ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

func actionFromPath(path string) types.Action {
	if strings.HasSuffix(path, types.LogsPath) {
		return types.ActionLogs
	}
	return types.ActionExec
}

// targetMatches requires query parameters that name a target to agree with
// the ticket. Omitted parameters fall back to the ticket.
func targetMatches(c echo.Context, rec ticket.Record) bool {
	if ns := c.QueryParam("namespace"); ns != "" && ns != rec.Namespace {
		return false
	}
	if name := c.QueryParam("name"); name != "" && name != rec.Name {
		return false
	}
	if ct := c.QueryParam("container"); ct != "" && rec.Container != "" && ct != rec.Container {
		return false
	}
	return true
}

func (s *Server) checkOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return errOriginDenied
	}

	if len(s.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return errOriginDenied
		}
		if strings.EqualFold(stripDefaultPort(r.Host), stripDefaultPort(u.Host)) {
			return nil
		}
		return errOriginDenied
	}

	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return nil
		}
	}
	return errOriginDenied
}

func stripDefaultPort(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
