package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/config"
	"github.com/example/fx-ledger/internal/ledger"
)

// app carries what every subcommand shares.
type app struct {
	databaseURL string
	cfg         *config.Config
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate an fx-ledger deployment",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.databaseURL, "database-url", "", "ledger database URL (overrides DATABASE_URL)")

	rootCmd.AddCommand(
		newMigrateCommand(a),
		newClientCommand(a),
		newAccountCommand(a),
		newRatesCommand(a),
		newVerifyCommand(a),
		newKeygenCommand(),
		newTokenCommand(a),
		newTransferCommand(a),
		newHistoryCommand(a),
	)

	return rootCmd
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if a.databaseURL != "" {
		cfg.DatabaseURL = a.databaseURL
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) openStore(ctx context.Context) (ledger.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return store, nil
}

func (a *app) clientByUsername(ctx context.Context, store ledger.Store, username string) (*ledger.Client, error) {
	c, err := store.ClientByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", username, err)
	}
	return c, nil
}
