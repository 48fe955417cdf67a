// Package config loads entitlementd settings from an optional TOML file and
// the environment. Environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that decodes from TOML strings like "720h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Storage struct {
	PublicBaseURL string   `toml:"public_base_url"`
	Endpoint      string   `toml:"endpoint"`
	Bucket        string   `toml:"bucket"`
	AccessKey     string   `toml:"access_key"`
	SecretKey     string   `toml:"secret_key"`
	Region        string   `toml:"region"`
	URLTTL        Duration `toml:"url_ttl"`
}

type Stripe struct {
	SecretKey     string `toml:"secret_key"`
	WebhookSecret string `toml:"webhook_secret"`
}

type Config struct {
	Port               int      `toml:"port"`
	PostgresURL        string   `toml:"postgres_url"`
	RedisURL           string   `toml:"redis_url"`
	AuthJWTSecret      string   `toml:"auth_jwt_secret"`
	OfflineTokenSecret string   `toml:"offline_token_secret"`
	OfflineWindow      Duration `toml:"offline_window"`
	OfflineTokenTTL    Duration `toml:"offline_token_ttl"`
	SweepInterval      Duration `toml:"sweep_interval"`
	ExemptRoles        []string `toml:"exempt_roles"`
	SentryDSN          string   `toml:"sentry_dsn"`
	LogLevel           string   `toml:"log_level"`
	Env                string   `toml:"env"`
	Storage            Storage  `toml:"storage"`
	Stripe             Stripe   `toml:"stripe"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:            8086,
		OfflineWindow:   Duration{720 * time.Hour},
		OfflineTokenTTL: Duration{time.Hour},
		SweepInterval:   Duration{time.Hour},
		ExemptRoles:     []string{"admin", "superowner"},
		LogLevel:        "info",
		Env:             "development",
		Storage:         Storage{URLTTL: Duration{15 * time.Minute}},
	}
}

// Load returns defaults overlaid with the TOML file at path (skipped when
// path is empty) and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Port = p
	}
	str("POSTGRES_URL", &c.PostgresURL)
	str("REDIS_URL", &c.RedisURL)
	str("AUTH_JWT_SECRET", &c.AuthJWTSecret)
	str("OFFLINE_TOKEN_SECRET", &c.OfflineTokenSecret)
	str("STRIPE_SECRET_KEY", &c.Stripe.SecretKey)
	str("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	str("STORAGE_PUBLIC_BASE_URL", &c.Storage.PublicBaseURL)
	str("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	str("STORAGE_BUCKET", &c.Storage.Bucket)
	str("STORAGE_ACCESS_KEY", &c.Storage.AccessKey)
	str("STORAGE_SECRET_KEY", &c.Storage.SecretKey)
	str("STORAGE_REGION", &c.Storage.Region)
	str("SENTRY_DSN", &c.SentryDSN)
	str("LOG_LEVEL", &c.LogLevel)
	str("ENTITLE_ENV", &c.Env)
	if v, ok := lookup("EXEMPT_ROLES"); ok {
		c.ExemptRoles = splitList(v)
	}

	for key, dst := range map[string]*Duration{
		"OFFLINE_WINDOW":    &c.OfflineWindow,
		"OFFLINE_TOKEN_TTL": &c.OfflineTokenTTL,
		"SWEEP_INTERVAL":    &c.SweepInterval,
		"STORAGE_URL_TTL":   &c.Storage.URLTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// ValidateStore checks what every subcommand touching the database needs.
func (c *Config) ValidateStore() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("%w: POSTGRES_URL is required", ErrInvalid)
	}
	return nil
}

// Validate checks everything `serve` needs and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	if c.PostgresURL == "" {
		problems = append(problems, "POSTGRES_URL is required")
	}
	if len(c.AuthJWTSecret) < 32 {
		problems = append(problems, "AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if c.OfflineTokenSecret == "" {
		problems = append(problems, "OFFLINE_TOKEN_SECRET is required")
	}
	if c.Stripe.WebhookSecret == "" {
		problems = append(problems, "STRIPE_WEBHOOK_SECRET is required")
	}
	if c.Storage.PublicBaseURL == "" &&
		(c.Storage.Endpoint == "" || c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		problems = append(problems, "set STORAGE_PUBLIC_BASE_URL or STORAGE_ENDPOINT with access and secret keys")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT %d out of range", c.Port))
	}
	if c.OfflineWindow.Duration <= 0 {
		problems = append(problems, "OFFLINE_WINDOW must be positive")
	}
	if c.OfflineTokenTTL.Duration <= 0 {
		problems = append(problems, "OFFLINE_TOKEN_TTL must be positive")
	}
	if c.SweepInterval.Duration <= 0 {
		problems = append(problems, "SWEEP_INTERVAL must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
