package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/config"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/logging"
	"github.com/yourflock/roost-entitlements/internal/storage"
	"github.com/yourflock/roost-entitlements/internal/store/postgres"
	"github.com/yourflock/roost-entitlements/internal/token"
)

const serviceName = "entitlementd"

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Offline entitlement and playback authorization service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "TOML configuration file (environment overrides it)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newResyncCommand(ctx))
	return rootCmd
}

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logrus.Entry {
	cfg, _ := c.ensureConfig()
	level := ""
	if cfg != nil {
		level = cfg.LogLevel
	}
	return logging.NewLogger(serviceName, level, nil)
}

// openStore connects to Postgres using the loaded configuration.
func (c *commandContext) openStore(ctx context.Context) (*postgres.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return postgres.Open(ctx, cfg.PostgresURL)
}

// buildEngine assembles the entitlement service over store.
func buildEngine(cfg *config.Config, store entitlement.Store, clk clock.Clock, log logrus.FieldLogger) (*entitlement.Service, error) {
	codec, err := token.New([]byte(cfg.OfflineTokenSecret), cfg.OfflineTokenTTL.Duration, clk)
	if err != nil {
		return nil, fmt.Errorf("offline tokens: %w", err)
	}
	signer, err := storage.New(storage.Config{
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Endpoint:      cfg.Storage.Endpoint,
		Bucket:        cfg.Storage.Bucket,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		Region:        cfg.Storage.Region,
		TTL:           cfg.Storage.URLTTL.Duration,
	}, clk)
	if err != nil {
		return nil, fmt.Errorf("media storage: %w", err)
	}
	return entitlement.New(entitlement.Options{
		Store:         store,
		Tokens:        codec,
		Signer:        signer,
		Exemptions:    entitlement.NewRoleExemptions(cfg.ExemptRoles...),
		Clock:         clk,
		Logger:        log,
		OfflineWindow: cfg.OfflineWindow.Duration,
	})
}

// commandTimeout bounds one-shot subcommands.
const commandTimeout = 5 * time.Minute
