package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Session backends.
const (
	BackendKube  = "kube"
	BackendLocal = "local"
)

// Config holds all configuration for the podrelay server.
type Config struct {
	Port     int
	APIKey   string // static service-account key accepted as X-API-Key
	LogLevel string

	// Auth
	JWTSecret string // HS256 secret for user access tokens

	// Websocket tickets
	TicketTTLSec   int      // ticket lifetime, default 30
	AllowedOrigins []string // empty means same-host only

	// Session backend: "kube" (default) or "local"
	Backend    string
	Kubeconfig string // path; empty uses $KUBECONFIG, ~/.kube/config, then in-cluster
	LocalShell string // shell for the local backend

	// Redis for tickets shared across replicas; empty keeps them in memory
	RedisURL string

	// NATS for session audit events; empty disables publishing
	NATSURL string

	// Standalone metrics listener, e.g. ":9091"; empty serves /metrics on the API port
	MetricsAddr string

	// AWS Secrets Manager. If set, secrets are fetched at startup using IAM credentials.
	// The secret should be a JSON object with keys matching env var names (e.g. PODRELAY_JWT_SECRET).
	// Env vars take precedence over secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If PODRELAY_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	// Fetch secrets from AWS Secrets Manager if configured.
	// This populates the process environment so subsequent os.Getenv calls pick them up.
	if arn := os.Getenv("PODRELAY_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("PODRELAY_API_KEY"),
		LogLevel: envOrDefault("PODRELAY_LOG_LEVEL", "info"),

		JWTSecret: os.Getenv("PODRELAY_JWT_SECRET"),

		TicketTTLSec:   envOrDefaultInt("PODRELAY_TICKET_TTL_SEC", 30),
		AllowedOrigins: splitList(os.Getenv("PODRELAY_ALLOWED_ORIGINS")),

		Backend:    envOrDefault("PODRELAY_BACKEND", BackendKube),
		Kubeconfig: os.Getenv("PODRELAY_KUBECONFIG"),
		LocalShell: envOrDefault("PODRELAY_LOCAL_SHELL", "/bin/sh"),

		RedisURL:    os.Getenv("PODRELAY_REDIS_URL"),
		NATSURL:     os.Getenv("PODRELAY_NATS_URL"),
		MetricsAddr: os.Getenv("PODRELAY_METRICS_ADDR"),

		SecretsARN: os.Getenv("PODRELAY_SECRETS_ARN"),
	}

	if portStr := os.Getenv("PODRELAY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PODRELAY_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	switch cfg.Backend {
	case BackendKube, BackendLocal:
	default:
		return nil, fmt.Errorf("invalid PODRELAY_BACKEND %q: want kube or local", cfg.Backend)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("PODRELAY_JWT_SECRET is required")
	}

	return cfg, nil
}

// TicketTTL returns the ticket lifetime as a duration.
func (c *Config) TicketTTL() time.Duration {
	return time.Duration(c.TicketTTLSec) * time.Second
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
