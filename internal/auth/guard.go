package auth

import (
	"context"

	"github.com/example/fx-ledger/internal/ledger"
)

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	ClientID string
}

// CallerFromContext derives the Caller from the identity Authenticate stored.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	ai, ok := AuthInfoFromContext(ctx)
	if !ok || ai.ClientID == "" {
		return Caller{}, false
	}
	return Caller{ClientID: ai.ClientID}, true
}

// IsOwner reports whether caller may act on account. An anonymous caller owns nothing.
func IsOwner(caller Caller, account *ledger.Account) bool {
	return account != nil && caller.ClientID != "" && account.ClientID == caller.ClientID
}
