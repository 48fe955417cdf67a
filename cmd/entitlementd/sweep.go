package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/scheduler"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed grants and revoke grants of unsubscribed users once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger()
			runCtx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
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
			results, err := scheduler.New(clk, log, scheduler.SweepJobs(svc, cfg.SweepInterval.Duration)...).RunOnce(runCtx)
			for _, r := range results {
				if r.Err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", r.Job, r.Rows)
				}
			}
			return err
		},
	}
}
