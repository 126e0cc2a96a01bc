package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/ledger"
)

func newRatesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rates BASE",
		Short: "Fetch the exchange rate table for a base currency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := ledger.ParseCurrency(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}

			g := exchange.NewGateway(cfg.Exchange.BaseURL)
			g.MaxAttempts = cfg.Exchange.MaxAttempts
			g.Backoff = cfg.Exchange.Backoff
			g.Timeout = cfg.Exchange.Timeout

			rates, err := g.Rates(cmd.Context(), base)
			if err != nil {
				return err
			}

			codes := make([]string, 0, len(rates))
			for c := range rates {
				codes = append(codes, string(c))
			}
			sort.Strings(codes)
			for _, c := range codes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\t%s\n", base, c, rates[ledger.Currency(c)])
			}
			return nil
		},
	}
}
