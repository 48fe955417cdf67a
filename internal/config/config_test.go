package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	c := Default()
	c.PostgresURL = "postgres://localhost/entitle"
	c.AuthJWTSecret = strings.Repeat("j", 32)
	c.OfflineTokenSecret = "offline-secret"
	c.Stripe.WebhookSecret = "whsec_x"
	c.Storage.PublicBaseURL = "https://cdn.example.com"
	return c
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Port != 8086 || c.OfflineWindow.Duration != 720*time.Hour || c.OfflineTokenTTL.Duration != time.Hour {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.Storage.URLTTL.Duration != 15*time.Minute {
		t.Errorf("URLTTL = %v", c.Storage.URLTTL)
	}
	if len(c.ExemptRoles) != 2 {
		t.Errorf("ExemptRoles = %v", c.ExemptRoles)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entitlementd.toml")
	body := `
port = 9000
postgres_url = "postgres://file/db"
offline_window = "48h"
exempt_roles = ["staff"]

[storage]
public_base_url = "https://file.cdn"
url_ttl = "5m"

[stripe]
webhook_secret = "whsec_file"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTGRES_URL", "postgres://env/db")
	t.Setenv("SWEEP_INTERVAL", "10m")
	t.Setenv("EXEMPT_ROLES", "admin, ops ,")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 9000 || c.OfflineWindow.Duration != 48*time.Hour {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.PostgresURL != "postgres://env/db" {
		t.Errorf("env should override file, got %q", c.PostgresURL)
	}
	if c.SweepInterval.Duration != 10*time.Minute {
		t.Errorf("SweepInterval = %v", c.SweepInterval)
	}
	if c.Storage.URLTTL.Duration != 5*time.Minute || c.Stripe.WebhookSecret != "whsec_file" {
		t.Errorf("nested tables not applied: %+v", c)
	}
	if strings.Join(c.ExemptRoles, ",") != "admin,ops" {
		t.Errorf("ExemptRoles = %v", c.ExemptRoles)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("prot = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("OFFLINE_WINDOW", "thirty days")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "OFFLINE_WINDOW") {
		t.Fatalf("expected OFFLINE_WINDOW error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"short jwt secret":      func(c *Config) { c.AuthJWTSecret = "short" },
		"missing offline":       func(c *Config) { c.OfflineTokenSecret = "" },
		"missing webhook":       func(c *Config) { c.Stripe.WebhookSecret = "" },
		"no storage":            func(c *Config) { c.Storage.PublicBaseURL = "" },
		"missing postgres":      func(c *Config) { c.PostgresURL = "" },
		"zero window":           func(c *Config) { c.OfflineWindow.Duration = 0 },
		"bad port":              func(c *Config) { c.Port = 70000 },
		"endpoint without keys": func(c *Config) { c.Storage.PublicBaseURL = ""; c.Storage.Endpoint = "https://r2.example.com" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	c = validConfig()
	c.Storage.PublicBaseURL = ""
	c.Storage.Endpoint, c.Storage.AccessKey, c.Storage.SecretKey = "https://r2.example.com", "ak", "sk"
	if err := c.Validate(); err != nil {
		t.Errorf("presigned storage rejected: %v", err)
	}
}
