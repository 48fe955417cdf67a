package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourflock/roost-entitlements/internal/store/postgres"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			store, err := ctx.openStore(runCtx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := postgres.Migrate(runCtx, store.DB()); err != nil {
				return err
			}
			ctx.logger().Info("schema applied")
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
