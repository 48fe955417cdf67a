package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourflock/roost-entitlements/internal/billing"
	"github.com/yourflock/roost-entitlements/internal/clock"
)

func newResyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <subscription_id>",
		Short: "Re-read a Stripe subscription and reconcile it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := billing.NewClient(cfg.Stripe.SecretKey)
			if err != nil {
				return err
			}
			log := ctx.logger().WithField("stripe_key", billing.SafePrefix(cfg.Stripe.SecretKey))
			runCtx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := ctx.openStore(runCtx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			svc, err := buildEngine(cfg, store, clock.Real(), log)
			if err != nil {
				return err
			}
			res, err := client.Resync(runCtx, svc, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s revoked=%d\n",
				args[0], res.Subscription.Status, res.Revoked)
			return nil
		},
	}
}
