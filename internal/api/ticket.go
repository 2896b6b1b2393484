package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/podrelay/internal/audit"
	"github.com/opensandbox/podrelay/internal/auth"
	"github.com/opensandbox/podrelay/internal/metrics"
	"github.com/opensandbox/podrelay/internal/ticket"
	"github.com/opensandbox/podrelay/pkg/types"
)

// ClusterHeader selects the cluster for requests that do not name one.
const ClusterHeader = "X-Cluster"

const defaultCluster = "default"

func (s *Server) createTicket(c echo.Context) error {
	user, ok := auth.GetUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "unauthenticated",
		})
	}

	var req types.TicketRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	action := types.Action(strings.ToLower(strings.TrimSpace(req.Action)))
	if action == "" {
		action = types.ActionExec
	}
	if action != types.ActionExec && action != types.ActionLogs {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unsupported ws action",
		})
	}

	if req.Namespace == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "namespace and name are required",
		})
	}

	if action == types.ActionExec && !auth.RoleAtLeast(user.Role, auth.RoleOperator) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "exec requires operator role",
		})
	}

	if !user.CanAccessNamespace(req.Namespace) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "no access to namespace " + req.Namespace,
		})
	}

	cluster := strings.TrimSpace(req.Cluster)
	if cluster == "" {
		cluster = requestCluster(c)
	}

	rec, err := s.tickets.Issue(c.Request().Context(), ticket.Record{
		Username:  user.Username,
		Role:      user.Role,
		Action:    action,
		Namespace: req.Namespace,
		Name:      req.Name,
		Container: req.Container,
		Cluster:   cluster,
	})
	if err != nil {
		log.Printf("api: issue ticket for %s: %v", user.Username, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}

	metrics.TicketsIssuedTotal.WithLabelValues(string(action), cluster).Inc()
	s.audit.Record(audit.Event{
		Type:      audit.TypeTicketIssued,
		Username:  user.Username,
		Action:    string(action),
		Cluster:   cluster,
		Namespace: req.Namespace,
		Name:      req.Name,
		Container: req.Container,
		RemoteIP:  c.RealIP(),
	})

	return c.JSON(http.StatusOK, types.TicketResponse{
		Ticket:    rec.Value,
		ExpiresAt: rec.ExpiresAt,
	})
}

// requestCluster is the X-Cluster header, else the cluster query parameter,
// else "default".
func requestCluster(c echo.Context) string {
	if v := strings.TrimSpace(c.Request().Header.Get(ClusterHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.QueryParam("cluster")); v != "" {
		return v
	}
	return defaultCluster
}
