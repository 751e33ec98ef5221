package config

import (
	"strings"
	"testing"
	"time"
)

const testAdmin = "0x00000000000000000000000000000000000000aa"

func validConfig() *Config {
	return &Config{
		Env:            "development",
		AdminAddress:   testAdmin,
		LedgerBackend:  "memory",
		ContentStore:   "memory",
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", testAdmin)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.LedgerBackend != "memory" || cfg.ContentStore != "memory" {
		t.Errorf("unexpected backends %s/%s", cfg.LedgerBackend, cfg.ContentStore)
	}
	if cfg.IPFSTimeout != 30*time.Second {
		t.Errorf("expected 30s IPFS timeout, got %s", cfg.IPFSTimeout)
	}
	if cfg.AuditRecentLimit != 5 {
		t.Errorf("expected recent limit 5, got %d", cfg.AuditRecentLimit)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Lists(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", testAdmin)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("WEBHOOK_URLS", "https://a.example.com/hook,https://b.example.com/hook")
	t.Setenv("WEBHOOK_EVENTS", "RECORD_*, ACCESS_GRANTED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.WebhookURLs) != 2 {
		t.Errorf("unexpected webhook urls %v", cfg.WebhookURLs)
	}
	if len(cfg.WebhookEvents) != 2 || cfg.WebhookEvents[0] != "RECORD_*" {
		t.Errorf("unexpected webhook events %v", cfg.WebhookEvents)
	}
}

func TestLoad_AdminFromKey(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", "")
	t.Setenv("ADMIN_KEY", "0x"+strings.Repeat("01", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AdminAddress) != 42 {
		t.Errorf("expected derived admin address, got %q", cfg.AdminAddress)
	}
}

func TestLoad_BadAdminKey(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", "")
	t.Setenv("ADMIN_KEY", "not-a-key")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed ADMIN_KEY")
	}
}

func TestResolvedAuthMode(t *testing.T) {
	c := &Config{Env: "development"}
	if c.ResolvedAuthMode() != "development" {
		t.Errorf("expected development, got %s", c.ResolvedAuthMode())
	}
	c.Env = "production"
	if c.ResolvedAuthMode() != "jwt" {
		t.Errorf("expected jwt, got %s", c.ResolvedAuthMode())
	}
	c.AuthMode = "development"
	if c.ResolvedAuthMode() != "development" {
		t.Error("explicit AUTH_MODE must win")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing admin", func(c *Config) { c.AdminAddress = "" }, "ADMIN_ADDRESS"},
		{"bad admin", func(c *Config) { c.AdminAddress = "0x12" }, "ADMIN_ADDRESS"},
		{"unknown auth mode", func(c *Config) { c.AuthMode = "oauth" }, "AUTH_MODE"},
		{"jwt without key", func(c *Config) { c.AuthMode = "jwt" }, "JWT_SIGNING_KEY"},
		{"jwt with key", func(c *Config) {
			c.AuthMode = "jwt"
			c.JWTSigningKey = strings.Repeat("k", 32)
		}, ""},
		{"dev auth in production", func(c *Config) {
			c.Env = "production"
			c.AuthMode = "development"
		}, "not allowed in production"},
		{"memory ledger in production", func(c *Config) {
			c.Env = "production"
			c.JWTSigningKey = strings.Repeat("k", 32)
		}, "LEDGER_BACKEND=memory"},
		{"postgres without url", func(c *Config) { c.LedgerBackend = "postgres" }, "DATABASE_URL"},
		{"leveldb without path", func(c *Config) { c.LedgerBackend = "leveldb" }, "LEDGER_PATH"},
		{"unknown ledger", func(c *Config) { c.LedgerBackend = "ethereum" }, "LEDGER_BACKEND"},
		{"ipfs without urls", func(c *Config) { c.ContentStore = "ipfs" }, "IPFS_API_URL"},
		{"unknown content store", func(c *Config) { c.ContentStore = "s3" }, "CONTENT_STORE"},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }, "KAFKA_TOPIC"},
		{"unsigned webhooks in production", func(c *Config) {
			c.Env = "production"
			c.AuthMode = "jwt"
			c.JWTSigningKey = strings.Repeat("k", 32)
			c.LedgerBackend = "leveldb"
			c.LedgerPath = "/var/lib/medledger"
			c.WebhookURLs = []string{"https://hooks.example.com/medledger"}
		}, "WEBHOOK_SECRET"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPS = 0 }, "RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
