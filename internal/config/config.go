package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medledger/medledger/internal/platform/identity"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AuthMode      string `mapstructure:"AUTH_MODE"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	// AdminAddress is the only address allowed to register parties. When
	// empty it is derived from AdminKey.
	AdminAddress string `mapstructure:"ADMIN_ADDRESS"`
	AdminKey     string `mapstructure:"ADMIN_KEY"`

	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`
	LedgerPath    string `mapstructure:"LEDGER_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	ContentStore   string        `mapstructure:"CONTENT_STORE"`
	ContentPath    string        `mapstructure:"CONTENT_PATH"`
	IPFSAPIURL     string        `mapstructure:"IPFS_API_URL"`
	IPFSGatewayURL string        `mapstructure:"IPFS_GATEWAY_URL"`
	IPFSTimeout    time.Duration `mapstructure:"IPFS_TIMEOUT"`
	// ContentKeys enables at-rest encryption: "version:hexkey" pairs, current first.
	ContentKeys string `mapstructure:"CONTENT_KEYS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents []string `mapstructure:"WEBHOOK_EVENTS"`

	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit        string   `mapstructure:"BODY_LIMIT"`
	UploadLimit      string   `mapstructure:"UPLOAD_LIMIT"`
	AuditRecentLimit int      `mapstructure:"AUDIT_RECENT_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTH_MODE", "JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"ADMIN_ADDRESS", "ADMIN_KEY",
	"LEDGER_BACKEND", "LEDGER_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CONTENT_STORE", "CONTENT_PATH", "IPFS_API_URL", "IPFS_GATEWAY_URL", "IPFS_TIMEOUT", "CONTENT_KEYS",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "UPLOAD_LIMIT", "AUDIT_RECENT_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("AUTH_ISSUER", "medledger")
	v.SetDefault("AUTH_AUDIENCE", "medledger-api")
	v.SetDefault("LEDGER_BACKEND", "memory")
	v.SetDefault("LEDGER_PATH", "data/ledger")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CONTENT_STORE", "memory")
	v.SetDefault("CONTENT_PATH", "data/content")
	v.SetDefault("IPFS_API_URL", "http://127.0.0.1:5001")
	v.SetDefault("IPFS_GATEWAY_URL", "http://127.0.0.1:8080")
	v.SetDefault("IPFS_TIMEOUT", "30s")
	v.SetDefault("KAFKA_TOPIC", "medledger.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "64M")
	v.SetDefault("AUDIT_RECENT_LIMIT", 5)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	cfg.WebhookEvents = splitList(v.GetString("WEBHOOK_EVENTS"))

	if cfg.AdminAddress == "" && cfg.AdminKey != "" {
		signer, err := identity.ParsePrivateKey(cfg.AdminKey)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_KEY: %w", err)
		}
		cfg.AdminAddress = signer.Address()
	}

	return cfg, nil
}

// splitList parses a comma-separated env value.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is complete and safe to serve with.
func (c *Config) Validate() error {
	if c.AdminAddress == "" {
		return fmt.Errorf("ADMIN_ADDRESS or ADMIN_KEY is required")
	}
	if err := identity.ValidateAddress(c.AdminAddress); err != nil {
		return fmt.Errorf("ADMIN_ADDRESS: %w", err)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if len(c.JWTSigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.LedgerBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_BACKEND=memory loses every block on restart; choose leveldb or postgres in production")
		}
	case "leveldb":
		if c.LedgerPath == "" {
			return fmt.Errorf("LEDGER_PATH is required for the leveldb ledger backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger backend")
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"memory\", \"leveldb\", or \"postgres\", got %q", c.LedgerBackend)
	}

	switch c.ContentStore {
	case "memory":
	case "leveldb":
		if c.ContentPath == "" {
			return fmt.Errorf("CONTENT_PATH is required for the leveldb content store")
		}
	case "ipfs":
		if c.IPFSAPIURL == "" || c.IPFSGatewayURL == "" {
			return fmt.Errorf("IPFS_API_URL and IPFS_GATEWAY_URL are required for the ipfs content store")
		}
	default:
		return fmt.Errorf("CONTENT_STORE must be \"memory\", \"leveldb\", or \"ipfs\", got %q", c.ContentStore)
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required for webhooks in production")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
