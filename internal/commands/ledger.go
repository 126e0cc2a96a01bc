package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage bank clients",
	}

	var name, email, username, secret string
	var scopes []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a client that can obtain access tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			hash, err := auth.HashClientSecret(secret)
			if err != nil {
				return fmt.Errorf("hashing secret: %w", err)
			}
			c, err := store.CreateClient(cmd.Context(), &ledger.Client{
				Name:       name,
				Email:      email,
				Username:   username,
				SecretHash: hash,
				Scopes:     scopes,
			})
			if err != nil {
				return fmt.Errorf("creating client: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client %s created (username %s, scopes %s)\n", c.ID, c.Username, strings.Join(c.Scopes, " "))
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "client name (required)")
	add.Flags().StringVar(&email, "email", "", "contact email")
	add.Flags().StringVar(&username, "username", "", "login used at the token endpoint (required)")
	add.Flags().StringVar(&secret, "secret", "", "client secret (required)")
	add.Flags().StringSliceVar(&scopes, "scopes", auth.DefaultScopes, "scopes the client may request")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("secret")

	cmd.AddCommand(add)
	return cmd
}

func newAccountCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Open and list accounts",
	}

	var username, currency string
	open := &cobra.Command{
		Use:   "open",
		Short: "Open a zero-balance account for a client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := ledger.ParseCurrency(currency)
			if err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := a.clientByUsername(cmd.Context(), store, username)
			if err != nil {
				return err
			}
			acc, err := funds.NewService(store, nil).CreateAccount(cmd.Context(), auth.Caller{ClientID: c.ID}, cur)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", acc.ID, acc.IBAN, acc.Currency)
			return nil
		},
	}
	open.Flags().StringVar(&username, "username", "", "owning client (required)")
	open.Flags().StringVar(&currency, "currency", "", "account currency (required)")
	_ = open.MarkFlagRequired("username")
	_ = open.MarkFlagRequired("currency")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a client's accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			c, err := a.clientByUsername(cmd.Context(), store, listUser)
			if err != nil {
				return err
			}
			accounts, err := store.AccountsForClient(cmd.Context(), c.ID)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", acc.ID, acc.IBAN, acc.Currency, acc.Balance)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listUser, "username", "", "owning client (required)")
	_ = list.MarkFlagRequired("username")

	cmd.AddCommand(open, list)
	return cmd
}
