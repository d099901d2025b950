package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, collections and indexes for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "store", cfg.Store.Driver)
			return nil
		},
	}
}
