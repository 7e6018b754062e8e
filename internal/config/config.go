// Package config validates the process environment: every
// missing/invalid variable is collected before returning, so an
// operator fixes a deploy in one pass instead of one error at a time.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the signaling
// gateway process.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Volatile store (Redis-backed; single-instance mode when disabled)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// MCU pool: comma-separated list of SFU gRPC targets, e.g.
	// "mcu-0=sfu0.internal:50051,mcu-1=sfu1.internal:50051".
	SFUTargets string

	// Object store (PDF artifact persistence)
	ObjectStoreBucket   string
	ObjectStoreEndpoint string
	ObjectStoreRegion   string

	// Relational store (vote/report resource metadata + access grants)
	RelStoreDSN string

	// Legal-vote PDF template root, one subdirectory per tenant.
	LegalVotePDFTemplateDir string

	// Training-report checkpoint bounds (seconds), used as the default
	// when a room enables logging without explicit overrides.
	TrainingCheckpointAfterSeconds  int
	TrainingCheckpointWithinSeconds int

	// Identity collaborator (OIDC/Keycloak)
	OIDCIssuerURL string
	OIDCClientID  string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (ulule/limiter formatted rates, "N-unit")
	RateLimitTicketRedeem  string
	RateLimitWsConnectIP   string
	RateLimitWsConnectUser string
}

// ValidateEnv validates all required environment variables and returns
// a Config, or a single error aggregating every validation failure.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.SFUTargets = os.Getenv("SFU_TARGETS")
	if cfg.SFUTargets == "" {
		errs = append(errs, "SFU_TARGETS is required (comma-separated mcu_id=host:port pairs)")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.ObjectStoreBucket = getEnvOrDefault("OBJECT_STORE_BUCKET", "signaling-artifacts")
	cfg.ObjectStoreEndpoint = os.Getenv("OBJECT_STORE_ENDPOINT")
	cfg.ObjectStoreRegion = getEnvOrDefault("OBJECT_STORE_REGION", "us-east-1")

	cfg.RelStoreDSN = getEnvOrDefault("RELSTORE_DSN", "file:signaling-core.db?cache=shared")
	cfg.LegalVotePDFTemplateDir = getEnvOrDefault("LEGAL_VOTE_PDF_TEMPLATE_DIR", "./templates/legal-vote")

	after, err := strconv.Atoi(getEnvOrDefault("TRAINING_CHECKPOINT_AFTER_SECONDS", "120"))
	if err != nil || after < 0 {
		errs = append(errs, "TRAINING_CHECKPOINT_AFTER_SECONDS must be a non-negative integer")
	}
	cfg.TrainingCheckpointAfterSeconds = after

	within, err := strconv.Atoi(getEnvOrDefault("TRAINING_CHECKPOINT_WITHIN_SECONDS", "300"))
	if err != nil || within < 0 {
		errs = append(errs, "TRAINING_CHECKPOINT_WITHIN_SECONDS must be a non-negative integer")
	}
	cfg.TrainingCheckpointWithinSeconds = within

	cfg.OIDCIssuerURL = os.Getenv("OIDC_ISSUER_URL")
	cfg.OIDCClientID = os.Getenv("OIDC_CLIENT_ID")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitTicketRedeem = getEnvOrDefault("RATE_LIMIT_TICKET_REDEEM", "20-M")
	cfg.RateLimitWsConnectIP = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_IP", "100-M")
	cfg.RateLimitWsConnectUser = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"sfu_targets", cfg.SFUTargets,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"training_checkpoint_after", time.Duration(cfg.TrainingCheckpointAfterSeconds)*time.Second,
		"training_checkpoint_within", time.Duration(cfg.TrainingCheckpointWithinSeconds)*time.Second,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
