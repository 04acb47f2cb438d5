package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"mahoyaAPI/internal/apperr"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

type Config struct {
	Port         string `env:"PORT" envDefault:"3333"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`

	DatabaseURL string `env:"DATABASE_URL"`
	SupabaseURL string `env:"SUPABASE_URL"`
	SupabaseKey string `env:"SUPABASE_KEY"`

	ClerkSecretKey     string   `env:"CLERK_SECRET_KEY"`
	ClerkWebhookSecret string   `env:"CLERK_WEBHOOK_SECRET"`
	AdminClerkIDs      []string `env:"ADMIN_CLERK_IDS" envSeparator:","`

	GuestStorePath string `env:"GUEST_STORE_PATH" envDefault:"./guest_d20.db"`

	MetricsUser string `env:"METRICS_USER"`
	MetricsPass string `env:"METRICS_PASS"`
	PprofSecret string `env:"PPROF_SECRET"`

	FCMCredentialsFile string `env:"FCM_CREDENTIALS_FILE" envDefault:"./serviceAccountKey.json"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15m"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"30"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend: %w", apperr.ErrValidation)
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for the supabase backend: %w", apperr.ErrValidation)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q: %w", c.StoreBackend, apperr.ErrValidation)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative: %w", apperr.ErrValidation)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive: %w", apperr.ErrValidation)
	}

	admins := c.AdminClerkIDs[:0]
	for _, id := range c.AdminClerkIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins = append(admins, id)
		}
	}
	c.AdminClerkIDs = admins
	return nil
}

func (c *Config) IsAdmin(clerkID string) bool {
	clerkID = strings.TrimSpace(clerkID)
	if clerkID == "" {
		return false
	}
	for _, id := range c.AdminClerkIDs {
		if strings.TrimSpace(id) == clerkID {
			return true
		}
	}
	return false
}
