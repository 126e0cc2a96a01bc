package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/security"
	"github.com/example/fx-ledger/pkg/audit"
)

type staticRates map[ledger.Currency]exchange.Rates

func (s staticRates) Rates(ctx context.Context, base ledger.Currency) (exchange.Rates, error) {
	r, ok := s[base]
	if !ok {
		return nil, exchange.ErrUnavailable
	}
	return r, nil
}

type auditSpy struct {
	mu       sync.Mutex
	payloads []string
}

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, payload)
	return &audit.LogEntry{Payload: payload}
}

// brokenFunds fails every transfer after the rules passed.
type brokenFunds struct {
	Funds
	err error
}

func (b brokenFunds) Transfer(ctx context.Context, caller auth.Caller, req funds.TransferRequest) (*funds.TransferResult, error) {
	return nil, b.err
}

type testEnv struct {
	deps  Dependencies
	store *ledger.SQLiteStore
	audit *auditSpy
	alice *ledger.Client
	bob   *ledger.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))

	env := &testEnv{store: store, audit: &auditSpy{}}
	env.alice = createClient(t, store, "alice", "alice-secret", auth.DefaultScopes)
	env.bob = createClient(t, store, "bob", "bob-secret", auth.DefaultScopes)
	createClient(t, store, "reader", "reader-secret", []string{auth.ScopeAccountsRead, auth.ScopeTransactionsRead})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keySet, err := auth.NewKeySet()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rates := staticRates{
		ledger.USD: {ledger.EUR: decimal.RequireFromString("0.92"), ledger.USD: decimal.NewFromInt(1)},
	}

	env.deps = Dependencies{
		Logger:       logger,
		OAuth:        &auth.OAuthServer{Store: store, Keys: keySet, Issuer: "test", AccessTokenTTL: 5 * time.Minute},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: "test"},
		Funds:        funds.NewService(store, rates, funds.WithLogger(logger)),
		Auditor:      env.audit,
		RateLimiter:  &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 100, RefillRate: 100},
		MaxBodyBytes: 1 << 20,
	}
	return env
}

func createClient(t *testing.T, store *ledger.SQLiteStore, username, secret string, scopes []string) *ledger.Client {
	t.Helper()
	hash, err := auth.HashClientSecret(secret)
	require.NoError(t, err)
	c, err := store.CreateClient(context.Background(), &ledger.Client{
		Name:       strings.ToUpper(username[:1]) + username[1:],
		Email:      username + "@example.com",
		Username:   username,
		SecretHash: hash,
		Scopes:     scopes,
	})
	require.NoError(t, err)
	return c
}

func (e *testEnv) router(t *testing.T) http.Handler {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	return h
}

func (e *testEnv) token(t *testing.T, c *ledger.Client, scopes ...string) string {
	t.Helper()
	if len(scopes) == 0 {
		scopes = auth.DefaultScopes
	}
	tok, _, err := e.deps.OAuth.Issue(c.ID, scopes)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (e *testEnv) openAccount(t *testing.T, h http.Handler, c *ledger.Client, currency ledger.Currency, deposit string) *ledger.Account {
	t.Helper()
	tok := e.token(t, c)
	rec := call(t, h, http.MethodPost, "/v1/accounts", tok, map[string]any{"currency": currency})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acc := decodeBody[accountResponse](t, rec).Account

	if deposit != "" {
		rec = call(t, h, http.MethodPost, "/v1/transactions/deposit", tok, map[string]any{"account_iban": acc.IBAN, "amount": deposit})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		acc = decodeBody[accountResponse](t, rec).Account
	}
	return acc
}

func TestHealthz(t *testing.T) {
	h := newTestEnv(t).router(t)
	rec := call(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFailuresAndScopes(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	rec := call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	readOnly := env.token(t, env.alice, auth.ScopeAccountsRead)
	rec = call(t, h, http.MethodPost, "/v1/accounts", readOnly, map[string]any{"currency": "USD"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeBody[security.ErrorResponse](t, rec).Error)

	rec = call(t, h, http.MethodPost, "/v1/transactions/deposit", readOnly, map[string]any{"account_iban": "LV00HABA0000000000000", "amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	accounts, err := env.store.AccountsForClient(context.Background(), env.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	tok := env.token(t, env.alice)

	cases := []struct {
		name string
		path string
		body any
	}{
		{"unknown currency", "/v1/accounts", map[string]any{"currency": "XYZ"}},
		{"missing currency", "/v1/accounts", map[string]any{}},
		{"negative deposit", "/v1/transactions/deposit", map[string]any{"account_iban": "LV00HABA0000000000000", "amount": -5}},
		{"zero deposit", "/v1/transactions/deposit", map[string]any{"account_iban": "LV00HABA0000000000000", "amount": 0}},
		{"amount not numeric", "/v1/transactions/withdraw", map[string]any{"account_iban": "LV00HABA0000000000000", "amount": "ten"}},
		{"unexpected field", "/v1/transactions/withdraw", map[string]any{"account_iban": "LV00HABA0000000000000", "amount": 1, "fee": 2}},
		{"transfer without currency", "/v1/transactions/transfer", map[string]any{"source_account_number": "LV00HABA0000000000000", "destination_account_number": "LV00HABA0000000000001", "amount": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(t, h, http.MethodPost, tc.path, tok, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeBody[security.ErrorResponse](t, rec)
			assert.Equal(t, "validation_error", resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}

	rec := call(t, h, http.MethodPost, "/v1/accounts", tok, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeBody[security.ErrorResponse](t, rec).Error)
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	tok := env.token(t, env.alice)

	acc := env.openAccount(t, h, env.alice, ledger.USD, "100.50")
	assert.True(t, ledger.ValidIBAN(acc.IBAN))
	assert.Equal(t, env.alice.ID, acc.ClientID)
	assert.True(t, acc.Balance.Equal(decimal.RequireFromString("100.50")))

	rec := call(t, h, http.MethodPost, "/v1/transactions/withdraw", tok, map[string]any{"account_iban": acc.IBAN, "amount": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[accountResponse](t, rec).Account.Balance.Equal(decimal.RequireFromString("70.50")))

	rec = call(t, h, http.MethodPost, "/v1/transactions/withdraw", tok, map[string]any{"account_iban": acc.IBAN, "amount": 1000})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_balance", decodeBody[security.ErrorResponse](t, rec).Error)

	rec = call(t, h, http.MethodPost, "/v1/transactions/deposit", tok, map[string]any{"account_iban": "LV00HABA0000000000000", "amount": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[listAccountsResponse](t, rec)
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, acc.ID, list.Accounts[0].ID)

	bobTok := env.token(t, env.bob)
	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", bobTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/v1/transactions/deposit", bobTok, map[string]any{"account_iban": acc.IBAN, "amount": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodGet, "/v1/transactions/"+acc.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[funds.HistoryPage](t, rec)
	assert.Equal(t, 2, history.Total)
	require.Len(t, history.Transactions, 2)
	assert.Equal(t, ledger.OperationWithdrawal, history.Transactions[0].Operation)
	assert.Equal(t, ledger.DirectionSent, history.Transactions[0].Direction)
	assert.Equal(t, ledger.DirectionReceived, history.Transactions[1].Direction)

	rec = call(t, h, http.MethodGet, "/v1/transactions/"+acc.ID+"?limit=1&offset=1", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history = decodeBody[funds.HistoryPage](t, rec)
	require.Len(t, history.Transactions, 1)
	assert.Equal(t, ledger.OperationDeposit, history.Transactions[0].Operation)

	rec = call(t, h, http.MethodGet, "/v1/transactions/"+acc.ID+"?limit=abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodGet, "/v1/transactions/"+acc.ID, bobTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransferStatuses(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	aliceTok := env.token(t, env.alice)

	usd := env.openAccount(t, h, env.alice, ledger.USD, "200")
	eur := env.openAccount(t, h, env.bob, ledger.EUR, "")
	gbp := env.openAccount(t, h, env.bob, ledger.GBP, "")

	transfer := func(src, dst string, amount any, currency ledger.Currency) *httptest.ResponseRecorder {
		return call(t, h, http.MethodPost, "/v1/transactions/transfer", aliceTok, map[string]any{
			"source_account_number":      src,
			"destination_account_number": dst,
			"amount":                     amount,
			"destination_currency":       currency,
			"description":                "rent",
		})
	}

	// Only a USD rate table is configured, so EUR-denominated transfers cannot be priced.
	rec := transfer(usd.IBAN, eur.IBAN, "50", ledger.EUR)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	resp := decodeBody[transferResponse](t, rec)
	assert.Equal(t, funds.StatusFailed, resp.Status)
	assert.Equal(t, funds.MessageExchangeUnavailable, resp.Message)

	rec = transfer(usd.IBAN, usd.IBAN, 1, ledger.USD)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp = decodeBody[transferResponse](t, rec)
	assert.Equal(t, funds.ReasonIdenticalAccounts, resp.Reason)

	rec = transfer(usd.IBAN, gbp.IBAN, 1, ledger.EUR)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, funds.ReasonInvalidCurrency, decodeBody[transferResponse](t, rec).Reason)

	rec = transfer(eur.IBAN, usd.IBAN, 1, ledger.USD)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, funds.ReasonUnauthorizedAccount, decodeBody[transferResponse](t, rec).Reason)

	usd2 := env.openAccount(t, h, env.bob, ledger.USD, "")
	rec = transfer(usd.IBAN, usd2.IBAN, "500", ledger.USD)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, funds.ReasonInsufficientBalance, decodeBody[transferResponse](t, rec).Reason)

	rec = transfer(usd.IBAN, usd2.IBAN, "120.25", ledger.USD)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decodeBody[transferResponse](t, rec)
	assert.Equal(t, funds.StatusSuccessful, resp.Status)
	assert.Equal(t, funds.MessageTransferSucceeded, resp.Message)
	require.NotNil(t, resp.Transaction)
	assert.Equal(t, "rent", resp.Transaction.Description)
	assert.NotEmpty(t, resp.CorrelationID)

	src, err := env.store.AccountByID(context.Background(), usd.ID)
	require.NoError(t, err)
	assert.True(t, src.Balance.Equal(decimal.RequireFromString("79.75")), src.Balance.String())
}

func TestTransferRolledBack(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Funds = brokenFunds{Funds: env.deps.Funds, err: funds.ErrFailedAccountUpdate}
	h := env.router(t)

	rec := call(t, h, http.MethodPost, "/v1/transactions/transfer", env.token(t, env.alice), map[string]any{
		"source_account_number":      "LV00HABA0000000000000",
		"destination_account_number": "LV00HABA0000000000001",
		"amount":                     1,
		"destination_currency":       "USD",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[transferResponse](t, rec)
	assert.Equal(t, funds.StatusFailed, resp.Status)
	assert.Equal(t, funds.MessageTransferError, resp.Message)
}

func TestTransferReadFailureIsNotRollback(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Funds = brokenFunds{Funds: env.deps.Funds, err: errors.New("connection reset")}
	h := env.router(t)

	rec := call(t, h, http.MethodPost, "/v1/transactions/transfer", env.token(t, env.alice), map[string]any{
		"source_account_number":      "LV00HABA0000000000000",
		"destination_account_number": "LV00HABA0000000000001",
		"amount":                     1,
		"destination_currency":       "USD",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), funds.MessageTransferError)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "internal_error", body["error"])
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	form := url.Values{"grant_type": {"client_credentials"}, "scope": {auth.ScopeAccountsRead}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("alice", "alice-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := decodeBody[auth.TokenResponse](t, rec)
	assert.Equal(t, auth.ScopeAccountsRead, tr.Scope)

	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", tr.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader("grant_type=client_credentials"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("alice", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimiter.Capacity = 1
	env.deps.RateLimiter.RefillRate = 0.0000001
	h := env.router(t)

	rec := call(t, h, http.MethodGet, "/oauth/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = call(t, h, http.MethodGet, "/oauth/jwks.json", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Authenticated traffic is bucketed per client, not per address.
	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", env.token(t, env.alice), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.bob.ID+"/accounts", env.token(t, env.bob), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, h, http.MethodGet, "/v1/clients/"+env.alice.ID+"/accounts", env.token(t, env.alice), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	h := env.router(t)

	rec := call(t, h, http.MethodPost, "/v1/transactions/deposit", env.token(t, env.alice), map[string]any{
		"account_iban": "LV00HABA0000000000000000000000",
		"amount":       "1000000.00",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIPAllowlist(t *testing.T) {
	env := newTestEnv(t)
	allow, err := security.ParseCIDRAllowlist([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	env.deps.IPAllowlist = allow
	h := env.router(t)

	rec := call(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditMiddlewareRecordsWrites(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)

	acc := env.openAccount(t, h, env.alice, ledger.USD, "5")
	rec := call(t, h, http.MethodGet, "/v1/transactions/"+acc.ID, env.token(t, env.alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.audit.mu.Lock()
	defer env.audit.mu.Unlock()
	require.Len(t, env.audit.payloads, 2)
	assert.Contains(t, env.audit.payloads[0], "path=/v1/accounts")
	assert.Contains(t, env.audit.payloads[0], "status=201")
	assert.Contains(t, env.audit.payloads[1], "path=/v1/transactions/deposit")
}

func TestMTLSRequired(t *testing.T) {
	env := newTestEnv(t)
	h := env.router(t)
	files := writeMTLSCerts(t)

	serverTLS, err := security.LoadServerTLSConfig(security.TLSConfig{
		CertFile: files.serverCert, KeyFile: files.serverKey, CAFile: files.ca, RequireClientAuth: true,
	})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(h)
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	noCert, err := security.LoadClientTLSConfig(security.TLSConfig{CAFile: files.ca})
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: noCert}}).Get(ts.URL + "/healthz")
	require.Error(t, err)

	withCert, err := security.LoadClientTLSConfig(security.TLSConfig{CertFile: files.clientCert, KeyFile: files.clientKey, CAFile: files.ca})
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: &http.Transport{TLSClientConfig: withCert}}).Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))
}

type certFiles struct {
	ca         string
	serverCert string
	serverKey  string
	clientCert string
	clientKey  string
}

func writeMTLSCerts(t *testing.T) certFiles {
	t.Helper()
	dir := t.TempDir()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	files := certFiles{
		ca:         filepath.Join(dir, "ca.crt"),
		serverCert: filepath.Join(dir, "server.crt"),
		serverKey:  filepath.Join(dir, "server.key"),
		clientCert: filepath.Join(dir, "client.crt"),
		clientKey:  filepath.Join(dir, "client.key"),
	}
	require.NoError(t, os.WriteFile(files.ca, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}), 0o600))

	signCert(t, caCert, caKey, "server", x509.ExtKeyUsageServerAuth, []net.IP{net.ParseIP("127.0.0.1")}, files.serverCert, files.serverKey)
	signCert(t, caCert, caKey, "client", x509.ExtKeyUsageClientAuth, nil, files.clientCert, files.clientKey)
	return files
}

func signCert(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, eku x509.ExtKeyUsage, ips []net.IP, certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{eku},
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
}
