package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/pkg/audit"
)

var errVerificationFailed = errors.New("verification failed")

func newVerifyCommand(a *app) *cobra.Command {
	var username, accountID, auditFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored balances against the ledger and the audit chain",
		Long: `Replays every transaction touching the selected accounts and compares the
net movement with the stored balance. With --audit-file the hash chain of that
audit log is verified as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" && accountID == "" && auditFile == "" {
				return errors.New("one of --username, --account-id or --audit-file is required")
			}
			return runVerify(cmd, a, username, accountID, auditFile)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "verify every account of this client")
	cmd.Flags().StringVar(&accountID, "account-id", "", "verify a single account")
	cmd.Flags().StringVar(&auditFile, "audit-file", "", "verify the hash chain of this audit log")
	cmd.MarkFlagsMutuallyExclusive("username", "account-id")

	return cmd
}

func runVerify(cmd *cobra.Command, a *app, username, accountID, auditFile string) error {
	out := cmd.OutOrStdout()
	failures := 0

	if username != "" || accountID != "" {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		v := ledger.NewValidator(store)
		var results []*ledger.ValidationResult
		if accountID != "" {
			results = append(results, v.ValidateAccountBalanceConsistency(cmd.Context(), accountID))
		} else {
			c, err := a.clientByUsername(cmd.Context(), store, username)
			if err != nil {
				return err
			}
			if results, err = v.ValidateClient(cmd.Context(), c.ID); err != nil {
				return err
			}
		}
		for _, r := range results {
			printResult(out, r)
			if !r.IsValid {
				failures++
			}
		}
	}

	if auditFile != "" {
		entries, err := audit.ReadFile(auditFile)
		if err != nil {
			return fmt.Errorf("reading audit log: %w", err)
		}
		if audit.VerifyChain(entries) {
			fmt.Fprintf(out, "OK\taudit_chain\t%d entries\n", len(entries))
		} else {
			fmt.Fprintf(out, "FAIL\taudit_chain\t%s\n", auditFile)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%w: %d check(s)", errVerificationFailed, failures)
	}
	return nil
}

func printResult(w io.Writer, r *ledger.ValidationResult) {
	status := "OK"
	if !r.IsValid {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", status, r.ValidationType, r.Message)
}
