package commands

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/rpc"
	"github.com/example/fx-ledger/internal/security"
)

// remoteFlags select the ledger gRPC server and the identity to call it as.
type remoteFlags struct {
	addr     string
	username string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "ledger gRPC address (defaults to GRPC_ADDR)")
	cmd.Flags().StringVar(&f.username, "username", "", "client to act as (required)")
	_ = cmd.MarkFlagRequired("username")
}

func (a *app) dialLedger(cmd *cobra.Command, f *remoteFlags) (*rpc.Client, func(), error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	token, err := a.mintToken(cmd, f.username, nil)
	if err != nil {
		return nil, nil, err
	}

	var tlsCfg *tls.Config
	if cfg.TLS.CAFile != "" {
		tlsCfg, err = security.LoadClientTLSConfig(security.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	addr := f.addr
	if addr == "" {
		addr = cfg.GRPCAddr
	}
	conn, err := rpc.Dial(cmd.Context(), addr, token, tlsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return rpc.NewClient(conn), func() { _ = conn.Close() }, nil
}

func newTransferCommand(a *app) *cobra.Command {
	var remote remoteFlags
	var from, to, amount, currency, description string

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move funds between two accounts through the ledger server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			cur, err := ledger.ParseCurrency(currency)
			if err != nil {
				return err
			}

			client, closeConn, err := a.dialLedger(cmd, &remote)
			if err != nil {
				return err
			}
			defer closeConn()

			res, err := client.Transfer(cmd.Context(), funds.TransferRequest{
				SourceIBAN:          from,
				DestinationIBAN:     to,
				Amount:              amt,
				DestinationCurrency: cur,
				Description:         description,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Status != funds.StatusSuccessful {
				fmt.Fprintf(out, "%s\t%s\t%s\n", res.Status, res.Reason, res.Message)
				return fmt.Errorf("transfer rejected: %s", res.Reason)
			}
			tx := res.Transaction
			fmt.Fprintf(out, "%s\t%s\t-%s %s\t+%s %s\n", res.Status, tx.ID,
				tx.SourceAmountDebited, tx.SourceCurrency, tx.DestinationAmountCredited, tx.DestinationCurrency)
			return nil
		},
	}
	remote.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "source account IBAN (required)")
	cmd.Flags().StringVar(&to, "to", "", "destination account IBAN (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in the destination currency (required)")
	cmd.Flags().StringVar(&currency, "currency", "", "destination currency (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-text note stored with the transaction")
	for _, name := range []string{"from", "to", "amount", "currency"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var remote remoteFlags
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "history ACCOUNT_ID",
		Short: "Page through an account's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeConn, err := a.dialLedger(cmd, &remote)
			if err != nil {
				return err
			}
			defer closeConn()

			page, err := client.ListTransactions(cmd.Context(), rpc.ListTransactionsRequest{
				AccountID: args[0],
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, tx := range page.Transactions {
				amt, cur := tx.DestinationAmountCredited, tx.DestinationCurrency
				if tx.Direction == ledger.DirectionSent {
					amt, cur = tx.SourceAmountDebited, tx.SourceCurrency
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s %s\n",
					tx.Timestamp.Format(time.RFC3339), tx.ID, tx.Operation, tx.Direction, amt, cur)
			}
			fmt.Fprintf(out, "showing %d of %d (offset %d)\n", len(page.Transactions), page.Total, page.Offset)
			return nil
		},
	}
	remote.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultPageLimit, "rows per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}
