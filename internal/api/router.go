package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/security"
	"github.com/example/fx-ledger/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// Funds is the orchestrator surface the HTTP handlers call.
type Funds interface {
	Deposit(ctx context.Context, caller auth.Caller, req funds.DepositRequest) (*ledger.Account, error)
	Withdraw(ctx context.Context, caller auth.Caller, req funds.WithdrawRequest) (*ledger.Account, error)
	Transfer(ctx context.Context, caller auth.Caller, req funds.TransferRequest) (*funds.TransferResult, error)
	CreateAccount(ctx context.Context, caller auth.Caller, currency ledger.Currency) (*ledger.Account, error)
	AccountsForClient(ctx context.Context, caller auth.Caller, clientID string) ([]*ledger.Account, error)
	ListTransactions(ctx context.Context, caller auth.Caller, accountID string, page ledger.PageRequest) (*funds.HistoryPage, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator
	Funds        Funds

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	createAccountV, err := security.NewJSONSchemaValidator(createAccountSchema)
	if err != nil {
		return nil, err
	}
	movementV, err := security.NewJSONSchemaValidator(movementSchema)
	if err != nil {
		return nil, err
	}
	transferV, err := security.NewJSONSchemaValidator(transferSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
			}
			r.Post("/oauth/token", deps.OAuth.TokenHandler)
			r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
		})
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByClient))
		}

		r.With(auth.RequireScopes(onAuthError, auth.ScopeAccountsWrite), createAccountV.Middleware).
			Post("/accounts", handleCreateAccount(deps))
		r.With(auth.RequireScopes(onAuthError, auth.ScopeAccountsRead)).
			Get("/clients/{clientID}/accounts", handleListClientAccounts(deps))

		r.Route("/transactions", func(r chi.Router) {
			write := r.With(auth.RequireScopes(onAuthError, auth.ScopeTransactionsWrite))
			write.With(movementV.Middleware).Post("/deposit", handleDeposit(deps))
			write.With(movementV.Middleware).Post("/withdraw", handleWithdraw(deps))
			write.With(transferV.Middleware).Post("/transfer", handleTransfer(deps))

			r.With(auth.RequireScopes(onAuthError, auth.ScopeTransactionsRead)).
				Get("/{accountID}", handleListTransactions(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

// rateLimitKeyByClient buckets authenticated traffic per client, falling back to the peer address.
func rateLimitKeyByClient(r *http.Request) string {
	if caller, ok := auth.CallerFromContext(r.Context()); ok {
		return "client:" + caller.ClientID
	}
	return rateLimitKeyByIP(r)
}
