package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/chartable/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type cli struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "chartable",
		Short: "Credit ledger and webhook service for Chartable",
		Long: `chartable verifies Stripe webhook deliveries, credits purchases to user
balances exactly once per event, and serves project history and diagrams.

Configuration is read from --config (or ./chartable.yaml) and CHARTABLE_*
environment variables, e.g. CHARTABLE_STRIPE_WEBHOOK_SECRET.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newMigrateCommand(c))
	root.AddCommand(newUserCommand(c))
	root.AddCommand(newVersionCommand())
	return root
}

// load reads and validates the configuration and builds the logger.
func (c *cli) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chartable %s\n", version)
		},
	}
}
