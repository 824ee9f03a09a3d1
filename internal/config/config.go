package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionJWTSecret string
	SessionJWTIssuer string

	MagicLinkTTL       time.Duration
	MagicLinkBaseURL   string
	MagicLinkPerEmail  int
	MagicLinkWindow    time.Duration
	BootstrapTokenTTL  time.Duration
	ChallengeTTL       time.Duration
	InviteTTL          time.Duration
	InviteMaxResends   int
	InviteAcceptURL    string
	MemberRetention    time.Duration
	DeviceTrustTTL     time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	ThrottleRPM     int

	IdPSessionEndpoint string
	IdPAPIKey          string
	NotifyWebhookURL   string

	WebAuthnRPID        string
	WebAuthnDisplayName string
	WebAuthnOrigins     []string

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "loom-identity"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SessionJWTSecret: strings.TrimSpace(os.Getenv("SESSION_JWT_SECRET")),
		SessionJWTIssuer: getEnv("SESSION_JWT_ISSUER", "loom-identity"),

		MagicLinkTTL:      getDuration("MAGIC_LINK_TTL", 15*time.Minute),
		MagicLinkBaseURL:  getEnv("MAGIC_LINK_BASE_URL", "http://localhost:3000/auth/magic-link"),
		MagicLinkPerEmail: getInt("MAGIC_LINK_PER_EMAIL", 3),
		MagicLinkWindow:   getDuration("MAGIC_LINK_WINDOW", time.Hour),
		BootstrapTokenTTL: getDuration("BOOTSTRAP_TOKEN_TTL", 2*time.Minute),
		ChallengeTTL:      getDuration("CHALLENGE_TTL", 5*time.Minute),
		InviteTTL:         getDuration("INVITE_TTL", 7*24*time.Hour),
		InviteMaxResends:  getInt("INVITE_MAX_RESENDS", 5),
		InviteAcceptURL:   getEnv("INVITE_ACCEPT_URL", "http://localhost:3000/invites/accept"),
		MemberRetention:   getDuration("MEMBER_RETENTION", 30*24*time.Hour),
		DeviceTrustTTL:    getDuration("DEVICE_TRUST_TTL", 30*24*time.Hour),

		RateLimitMax:    getInt("RATE_LIMIT_MAX", 60),
		RateLimitWindow: getDuration("RATE_LIMIT_WINDOW", time.Minute),
		ThrottleRPM:     getInt("THROTTLE_RPM", 600),

		IdPSessionEndpoint: os.Getenv("IDP_SESSION_ENDPOINT"),
		IdPAPIKey:          os.Getenv("IDP_API_KEY"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),

		WebAuthnRPID:        getEnv("WEBAUTHN_RP_ID", "localhost"),
		WebAuthnDisplayName: getEnv("WEBAUTHN_DISPLAY_NAME", "Loom"),
		WebAuthnOrigins:     getList("WEBAUTHN_ORIGINS", []string{"http://localhost:3000"}),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SessionJWTSecret == "" {
		return Config{}, fmt.Errorf("SESSION_JWT_SECRET is required")
	}
	if len(cfg.SessionJWTSecret) < 32 {
		return Config{}, fmt.Errorf("SESSION_JWT_SECRET must be at least 32 bytes")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
