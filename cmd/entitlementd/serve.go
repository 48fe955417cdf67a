package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/billing"
	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/ratelimit"
	"github.com/yourflock/roost-entitlements/internal/scheduler"
	"github.com/yourflock/roost-entitlements/internal/server"
	"github.com/yourflock/roost-entitlements/internal/shutdown"
	"github.com/yourflock/roost-entitlements/internal/telemetry"
)

const drainTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the grant sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := ctx.logger()

			if err := telemetry.InitSentry(cfg.SentryDSN, cfg.Env, serviceName, version); err != nil {
				log.WithError(err).Warn("sentry disabled")
			}
			defer telemetry.Flush()

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := ctx.openStore(runCtx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			clk := clock.Real()
			svc, err := buildEngine(cfg, store, clk, log)
			if err != nil {
				return err
			}
			authn, err := auth.New(cfg.AuthJWTSecret)
			if err != nil {
				return err
			}
			webhook, err := billing.NewWebhookHandler(cfg.Stripe.WebhookSecret, svc, store, log, clk)
			if err != nil {
				return err
			}

			limiter := ratelimit.New(nil)
			redisClient, err := ratelimit.DialRedis(runCtx, cfg.RedisURL)
			switch {
			case err != nil:
				log.WithError(err).Warn("redis unavailable, rate limiting disabled")
			case redisClient == nil:
				log.Info("REDIS_URL not set, rate limiting disabled")
			default:
				defer redisClient.Close()
				limiter = ratelimit.New(ratelimit.NewRedisStore(redisClient))
			}

			srv := server.New(server.Options{
				Engine:  svc,
				Auth:    authn,
				Limiter: limiter,
				Webhook: webhook,
				Health:  store.DB().PingContext,
				Logger:  log,
			})

			sched := scheduler.New(clk, log, scheduler.SweepJobs(svc, cfg.SweepInterval.Duration)...)
			sched.Start(runCtx)

			httpSrv := &http.Server{
				Addr:         cfg.Addr(),
				Handler:      srv.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			err = shutdown.GracefulServe(runCtx, httpSrv, drainTimeout, log)
			cancel()
			sched.Wait()
			return err
		},
	}
}
