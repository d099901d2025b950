package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/user"
)

func newUserCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and provision users",
	}

	var email string
	create := &cobra.Command{
		Use:   "create SUBJECT",
		Short: "Register a user for an identity provider subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := c.engine(cmd)
			if err != nil {
				return err
			}
			defer eng.Stop(cmd.Context()) //nolint:errcheck // best-effort close

			u := &user.User{ExternalAuthID: args[0], Email: email}
			if err := eng.CreateUser(cmd.Context(), u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID.String())
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "email address")

	show := &cobra.Command{
		Use:   "show SUBJECT",
		Short: "Print a user's id and credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := c.engine(cmd)
			if err != nil {
				return err
			}
			defer eng.Stop(cmd.Context()) //nolint:errcheck // best-effort close

			u, err := eng.ResolveBySubject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", u.ID, u.ExternalAuthID, u.CreditBalance)
			return nil
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

// engine opens the configured store and starts a bare engine.
func (c *cli) engine(cmd *cobra.Command) (*chartable.Engine, error) {
	cfg, logger, err := c.load()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	eng := chartable.New(st, chartable.WithLogger(logger))
	if err := eng.Start(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return eng, nil
}
