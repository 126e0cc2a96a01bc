package commands

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/fx-ledger/internal/auth"
)

func newKeygenCommand() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key for access tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", out)
				}
			}
			ks, err := auth.NewKeySet()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, ks.PEM(), 0o600); err != nil {
				return fmt.Errorf("writing key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", out, ks.KeyID())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the PEM file to write (required)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func newTokenCommand(a *app) *cobra.Command {
	var username string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a registered client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.mintToken(cmd, username, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "client to mint the token for (required)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "scopes to request (defaults to all the client holds)")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

// mintToken signs a token with JWT_SIGNING_KEY_FILE, the key the servers verify with.
func (a *app) mintToken(cmd *cobra.Command, username string, scopes []string) (string, error) {
	cfg, err := a.config()
	if err != nil {
		return "", err
	}
	if cfg.Auth.SigningKeyFile == "" {
		return "", errors.New("JWT_SIGNING_KEY_FILE is required to mint tokens")
	}
	keys, err := auth.LoadKeySet(cfg.Auth.SigningKeyFile)
	if err != nil {
		return "", err
	}

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return "", err
	}
	defer store.Close()

	c, err := a.clientByUsername(cmd.Context(), store, username)
	if err != nil {
		return "", err
	}

	granted := c.Scopes
	if len(scopes) > 0 {
		granted = make([]string, 0, len(scopes))
		for _, s := range scopes {
			if !slices.Contains(c.Scopes, s) {
				return "", fmt.Errorf("client %q does not hold scope %q (has %s)", username, s, strings.Join(c.Scopes, " "))
			}
			granted = append(granted, s)
		}
	}

	srv := &auth.OAuthServer{Keys: keys, Issuer: cfg.Auth.Issuer, AccessTokenTTL: cfg.Auth.AccessTokenTTL}
	token, _, err := srv.Issue(c.ID, granted)
	return token, err
}
