package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adero/go-messaging/codec"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	key, err := codec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := writeFile(t, `
encryption_key  = "`+key+`"
request_timeout = "30s"

[broker]
host            = "redis.internal"
port            = 6380
db              = 3
username        = "svc"
password        = "secret"
connect_timeout = "10s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "redis.internal" || cfg.Broker.Port != 6380 || cfg.Broker.DB != 3 {
		t.Fatalf("broker section misread: %+v", cfg.Broker)
	}
	if cfg.Broker.ConnectTimeout.Duration != 10*time.Second {
		t.Fatalf("connect_timeout = %v, want 10s", cfg.Broker.ConnectTimeout.Duration)
	}
	if cfg.RequestTimeout.Duration != 30*time.Second {
		t.Fatalf("request_timeout = %v, want 30s", cfg.RequestTimeout.Duration)
	}

	opts := cfg.RedisOptions()
	if opts.Addr != "redis.internal:6380" || opts.DB != 3 || opts.Username != "svc" {
		t.Fatalf("RedisOptions = %+v", opts)
	}

	c, err := cfg.Codec()
	if err != nil {
		t.Fatalf("Codec: %v", err)
	}
	if !c.Encrypted() {
		t.Fatal("configured key did not produce an encrypting codec")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, `
[broker]
host = "10.0.0.1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Port != 6379 {
		t.Fatalf("default port = %d, want 6379", cfg.Broker.Port)
	}
	if cfg.RequestTimeout.Duration != 5*time.Second {
		t.Fatalf("default request_timeout = %v, want 5s", cfg.RequestTimeout.Duration)
	}
	c, err := cfg.Codec()
	if err != nil {
		t.Fatalf("Codec: %v", err)
	}
	if c.Encrypted() {
		t.Fatal("codec encrypts without a configured key")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, `
[broker]
host  = "10.0.0.1"
vhost = "legacy"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Broker.Host = "" }},
		{"bad port", func(c *Config) { c.Broker.Port = 70000 }},
		{"zero connect timeout", func(c *Config) { c.Broker.ConnectTimeout.Duration = 0 }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout.Duration = 0 }},
		{"garbage key", func(c *Config) { c.EncryptionKey = "not-a-key" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate rejected the defaults: %v", err)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeFile(t, `
request_timeout = "soon"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an unparseable duration")
	}
}
