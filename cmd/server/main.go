package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/podrelay/internal/api"
	"github.com/opensandbox/podrelay/internal/audit"
	"github.com/opensandbox/podrelay/internal/auth"
	"github.com/opensandbox/podrelay/internal/backend"
	"github.com/opensandbox/podrelay/internal/cluster"
	"github.com/opensandbox/podrelay/internal/config"
	"github.com/opensandbox/podrelay/internal/metrics"
	"github.com/opensandbox/podrelay/internal/ticket"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "podrelay-server",
		Short: "podrelay-server - ticketed exec and log relay for pods",
		Long: `podrelay-server issues single-use connection tickets and relays terminal
sessions and log streams between websocket clients and pods. Configuration
comes from PODRELAY_* environment variables.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			runServer(cfg)
			return nil
		},
	}
	root.AddCommand(newTokenCmd())
	return root
}

func runServer(cfg *config.Config) {
	// Ticket store: Redis when several replicas share tickets, memory otherwise
	var store ticket.Store
	if cfg.RedisURL != "" {
		redisStore, err := ticket.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		store = redisStore
		log.Println("podrelay: Redis ticket store configured")
	} else {
		memStore := ticket.NewMemoryStore()
		metrics.RegisterTicketsStored(memStore.Len)
		store = memStore
		log.Println("podrelay: no PODRELAY_REDIS_URL configured, using in-memory tickets")
	}
	tickets := ticket.NewIssuer(store, cfg.TicketTTL())
	defer tickets.Close()

	// Pod backend
	var be backend.Backend
	switch cfg.Backend {
	case config.BackendLocal:
		be = backend.NewLocal(cfg.LocalShell)
		log.Printf("podrelay: local PTY backend (shell=%s); every target runs on this host", cfg.LocalShell)
	default:
		reg, err := cluster.Load(cfg.Kubeconfig)
		if err != nil {
			log.Fatalf("failed to load kubeconfig: %v", err)
		}
		be = backend.NewKube(reg)
		log.Printf("podrelay: kubernetes backend (clusters=%v)", reg.Names())
	}

	// Audit trail over NATS JetStream (optional)
	var recorder audit.Recorder = audit.Nop{}
	if cfg.NATSURL != "" {
		pub, err := audit.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("podrelay: NATS audit publisher not available: %v (continuing without)", err)
		} else {
			pub.Start()
			defer pub.Stop()
			recorder = pub
			log.Println("podrelay: NATS audit publisher started")
		}
	}

	// Metrics on a separate listener when configured
	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		log.Printf("podrelay: metrics on %s", cfg.MetricsAddr)
	}

	server := api.NewServer(api.Options{
		Tickets:        tickets,
		Backend:        be,
		JWT:            auth.NewJWTIssuer(cfg.JWTSecret),
		APIKey:         cfg.APIKey,
		Audit:          recorder,
		AllowedOrigins: cfg.AllowedOrigins,
		ServeMetrics:   cfg.MetricsAddr == "",
		Debug:          cfg.LogLevel == "debug",
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("podrelay: starting server on %s (backend=%s, ticket ttl=%s)", addr, cfg.Backend, cfg.TicketTTL())

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("podrelay: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("error shutting down server: %v", err)
		_ = server.Close()
	}
}
