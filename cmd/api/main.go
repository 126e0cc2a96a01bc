package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fx-ledger/internal/api"
	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/config"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/security"
	"github.com/example/fx-ledger/pkg/audit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allowlist, err := security.ParseCIDRAllowlist(cfg.API.IPAllowlist)
	if err != nil {
		return err
	}

	store, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	keySet, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}

	gateway := exchange.NewGateway(cfg.Exchange.BaseURL)
	gateway.MaxAttempts = cfg.Exchange.MaxAttempts
	gateway.Backoff = cfg.Exchange.Backoff
	gateway.Timeout = cfg.Exchange.Timeout
	gateway.TTL = cfg.Exchange.CacheTTL
	gateway.Logger = logger

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		gateway.Cache = &exchange.RedisCache{Redis: redisClient, Prefix: "fx_ledger"}
		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "fx_ledger_api",
			Capacity:   cfg.API.RateLimitCapacity,
			RefillRate: cfg.API.RateLimitRefillPerSec,
		}
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process rate cache and no rate limiting")
	}

	chain, closeSink, err := openAuditChain(cfg.AuditSink)
	if err != nil {
		return err
	}
	defer closeSink()

	svc := funds.NewService(store, gateway,
		funds.WithLogger(logger),
		funds.WithAuditor(chain),
	)

	router, err := api.NewRouter(api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          store,
			Keys:           keySet,
			Issuer:         cfg.Auth.Issuer,
			AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.Auth.Issuer},
		Funds:        svc,
		Auditor:      chain,
		RateLimiter:  rateLimiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.API.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsFiles := security.TLSConfig{
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		CAFile:            cfg.TLS.CAFile,
		RequireClientAuth: cfg.TLS.RequireClientAuth,
	}
	if tlsFiles.Enabled() {
		if srv.TLSConfig, err = security.LoadServerTLSConfig(tlsFiles); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fx-ledger api listening", "addr", cfg.HTTPAddr, "tls", tlsFiles.Enabled(), "env", cfg.Environment)
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadKeys(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.Auth.SigningKeyFile != "" {
		return auth.LoadKeySet(cfg.Auth.SigningKeyFile)
	}
	logger.Warn("JWT_SIGNING_KEY_FILE not set, tokens will not survive a restart")
	return auth.NewKeySet()
}

func openAuditChain(path string) (*audit.ChainLogger, func(), error) {
	if path == "" {
		return audit.NewChainLogger(), func() {}, nil
	}
	chain, f, err := audit.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	return chain, func() { _ = f.Close() }, nil
}
