package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ticket metrics
var (
	TicketsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podrelay_tickets_issued_total",
			Help: "Total websocket tickets issued",
		},
		[]string{"action", "cluster"},
	)

	TicketConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podrelay_ticket_consume_total",
			Help: "Ticket redemptions by result",
		},
		[]string{"action", "result"},
	)
)

// Session metrics
var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podrelay_sessions_active",
			Help: "Number of open relay sessions",
		},
		[]string{"action", "cluster"},
	)

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podrelay_session_duration_seconds",
			Help:    "Lifetime of relay sessions",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"action", "result"},
	)

	RelayBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podrelay_relay_bytes_total",
			Help: "Bytes relayed between clients and containers",
		},
		[]string{"action", "direction"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podrelay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podrelay_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		TicketsIssuedTotal,
		TicketConsumeTotal,
		SessionsActive,
		SessionDuration,
		RelayBytesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
	)
}

// NewTicketsStoredGauge reports the tickets held by an in-process store,
// expired ones not yet swept included.
func NewTicketsStoredGauge(count func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "podrelay_tickets_stored",
			Help: "Tickets held by the in-memory ticket store",
		},
		func() float64 { return float64(count()) },
	)
}

// RegisterTicketsStored exports count as podrelay_tickets_stored.
func RegisterTicketsStored(count func() int) {
	prometheus.MustRegister(NewTicketsStoredGauge(count))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
// Websocket requests are counted once, when the connection ends.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			path := c.Path()
			HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TrackSession marks a session as open and returns the func that closes it.
func TrackSession(action, cluster string) func(result string) {
	start := time.Now()
	SessionsActive.WithLabelValues(action, cluster).Inc()
	return func(result string) {
		SessionsActive.WithLabelValues(action, cluster).Dec()
		SessionDuration.WithLabelValues(action, result).Observe(time.Since(start).Seconds())
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
